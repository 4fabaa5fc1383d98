package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// SampleSource produces synthetic tracks (blank video, silent audio) over
// TrackLocalStaticSample. It needs no devices or encoders, which makes it
// the source for headless agents and tests.
type SampleSource struct {
	// Interval between generated samples. Zero uses 100ms.
	Interval time.Duration
}

// Capture builds the requested synthetic tracks.
func (s *SampleSource) Capture(ctx context.Context, c Constraints) (*Stream, error) {
	c.applyDefaults()

	interval := s.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	streamID := NewStreamID()
	var tracks []Track

	if c.Video {
		t, err := newSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID, interval)
		if err != nil {
			return nil, fmt.Errorf("create synthetic video track: %w", err)
		}
		tracks = append(tracks, t)
	}
	if c.Audio {
		t, err := newSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID, interval)
		if err != nil {
			return nil, fmt.Errorf("create synthetic audio track: %w", err)
		}
		tracks = append(tracks, t)
	}

	return newStream(tracks, streamID), nil
}

// sampleTrack wraps a static sample track with an enabled flag and a
// generator goroutine. Disabled tracks keep running but write nothing.
type sampleTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	done    chan struct{}
	once    sync.Once
}

func newSampleTrack(cap webrtc.RTPCodecCapability, id, streamID string, interval time.Duration) (*sampleTrack, error) {
	inner, err := webrtc.NewTrackLocalStaticSample(cap, id, streamID)
	if err != nil {
		return nil, err
	}

	t := &sampleTrack{
		TrackLocalStaticSample: inner,
		enabled:                true,
		done:                   make(chan struct{}),
	}
	go t.generate(interval)
	return t, nil
}

func (t *sampleTrack) generate(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// A placeholder payload is enough: the receiving side only needs RTP
	// flow, not decodable frames.
	payload := make([]byte, 16)

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if !t.Enabled() {
				continue
			}
			t.TrackLocalStaticSample.WriteSample(pionmedia.Sample{
				Data:     payload,
				Duration: interval,
			})
		}
	}
}

func (t *sampleTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *sampleTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *sampleTrack) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}
