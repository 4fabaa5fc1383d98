package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // register camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // register microphone adapter
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const rtpMTU = 1200

// DeviceSource captures real camera and microphone media through
// mediadevices, encoding video as VP8 and audio as Opus. Captured RTP is
// bridged into TrackLocalStaticRTP tracks so the rest of the subsystem
// only ever sees pion v4 track types.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
	logger   *slog.Logger
}

// NewDeviceSource builds a source with VP8+Opus encoder parameters.
func NewDeviceSource(logger *slog.Logger) (*DeviceSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("init VP8 encoder: %w", err)
	}
	vpxParams.BitRate = 500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("init Opus encoder: %w", err)
	}

	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger,
	}, nil
}

// Capture requests device access. Denial or hardware failure surfaces as
// the returned error; there is no internal retry.
func (s *DeviceSource) Capture(ctx context.Context, c Constraints) (*Stream, error) {
	c.applyDefaults()

	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormat(frame.FormatI420)
			mc.Width = prop.Int(c.Width)
			mc.Height = prop.Int(c.Height)
			mc.FrameRate = prop.Float(c.FrameRate)
		}
	}
	if c.Audio {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(48000)
			mc.ChannelCount = prop.Int(1)
		}
	}

	src, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	streamID := NewStreamID()
	var tracks []Track

	for _, vt := range src.GetVideoTracks() {
		t, err := newDeviceTrack(vt, webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", streamID, s.logger)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	for _, at := range src.GetAudioTracks() {
		t, err := newDeviceTrack(at, webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  1,
		}, "audio", streamID, s.logger)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}

	return newStream(tracks, streamID), nil
}

// deviceTrack bridges one mediadevices capture track into a
// TrackLocalStaticRTP. The RTP pump starts on Bind, where the sender SSRC
// becomes known, and honors the enabled flag by discarding packets while
// disabled.
type deviceTrack struct {
	*webrtc.TrackLocalStaticRTP

	src    mediaTrackSource
	logger *slog.Logger

	mu      sync.Mutex
	enabled bool
	done    chan struct{}
	pumpOn  bool
	once    sync.Once
}

// mediaTrackSource is the slice of mediadevices.Track the bridge needs.
type mediaTrackSource interface {
	ID() string
	NewRTPReader(codecName string, ssrc uint32, mtu int) (mediadevices.RTPReadCloser, error)
	Close() error
}

func newDeviceTrack(src mediaTrackSource, cap webrtc.RTPCodecCapability, id, streamID string, logger *slog.Logger) (*deviceTrack, error) {
	inner, err := webrtc.NewTrackLocalStaticRTP(cap, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", id, err)
	}
	return &deviceTrack{
		TrackLocalStaticRTP: inner,
		src:                 src,
		logger:              logger,
		enabled:             true,
		done:                make(chan struct{}),
	}, nil
}

func (t *deviceTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	params, err := t.TrackLocalStaticRTP.Bind(ctx)
	if err != nil {
		return params, err
	}

	t.mu.Lock()
	start := !t.pumpOn
	t.pumpOn = true
	t.mu.Unlock()
	if start {
		go t.pump(uint32(ctx.SSRC()))
	}
	return params, nil
}

func (t *deviceTrack) pump(ssrc uint32) {
	parts := strings.SplitN(t.Codec().MimeType, "/", 2)
	if len(parts) != 2 {
		t.logger.Error("device track has invalid mime type", "mime", t.Codec().MimeType)
		return
	}

	reader, err := t.src.NewRTPReader(parts[1], ssrc, rtpMTU)
	if err != nil {
		t.logger.Error("device track RTP reader failed", "track", t.src.ID(), "error", err)
		return
	}
	defer reader.Close()

	for {
		select {
		case <-t.done:
			return
		default:
		}

		pkts, release, err := reader.Read()
		if err != nil {
			if err != io.EOF {
				t.logger.Warn("device track read failed", "track", t.src.ID(), "error", err)
			}
			return
		}

		if t.Enabled() {
			for _, pkt := range pkts {
				if pkt == nil {
					continue
				}
				if err := t.WriteRTP(pkt); err != nil {
					t.logger.Warn("device track write failed", "error", err)
				}
			}
		}
		if release != nil {
			release()
		}
	}
}

func (t *deviceTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *deviceTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *deviceTrack) Close() error {
	t.once.Do(func() { close(t.done) })
	return t.src.Close()
}
