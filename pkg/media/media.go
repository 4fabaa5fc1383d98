// Package media models local camera+microphone capture for a classroom
// participant. A Source acquires a Stream of local tracks; the stream is
// designed to outlive join/leave cycles so the UI can keep previewing
// across rejoins, and is only torn down by an explicit Stop.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Constraints describes the requested capture.
type Constraints struct {
	Video     bool
	Audio     bool
	Width     int
	Height    int
	FrameRate float32
}

// DefaultConstraints requests both kinds at a modest resolution.
func DefaultConstraints() Constraints {
	return Constraints{Video: true, Audio: true, Width: 640, Height: 480, FrameRate: 30}
}

func (c *Constraints) applyDefaults() {
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 30
	}
}

// Track is one local media track. The enabled flag gates media flow
// (camera/mic toggles) without stopping capture.
type Track interface {
	webrtc.TrackLocal

	SetEnabled(bool)
	Enabled() bool
	Close() error
}

// Source acquires local media. Implementations: DeviceSource (real
// camera+microphone) and SampleSource (synthetic, for headless and test
// use).
type Source interface {
	Capture(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream is a set of local tracks sharing one stream id.
type Stream struct {
	id string

	mu      sync.Mutex
	tracks  []Track
	stopped bool
}

func newStream(tracks []Track, id string) *Stream {
	return &Stream{id: id, tracks: tracks}
}

// NewStreamID generates a stream id for a fresh capture.
func NewStreamID() string {
	return fmt.Sprintf("classroom-%s", uuid.NewString()[:8])
}

// ID returns the stream id shared by all tracks.
func (s *Stream) ID() string { return s.id }

// Tracks returns a snapshot of all tracks.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// VideoTracks returns the video tracks.
func (s *Stream) VideoTracks() []Track { return s.kind(webrtc.RTPCodecTypeVideo) }

// AudioTracks returns the audio tracks.
func (s *Stream) AudioTracks() []Track { return s.kind(webrtc.RTPCodecTypeAudio) }

func (s *Stream) kind(k webrtc.RTPCodecType) []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// SetVideoEnabled flips the enabled flag on every video track.
func (s *Stream) SetVideoEnabled(on bool) {
	for _, t := range s.VideoTracks() {
		t.SetEnabled(on)
	}
}

// SetAudioEnabled flips the enabled flag on every audio track.
func (s *Stream) SetAudioEnabled(on bool) {
	for _, t := range s.AudioTracks() {
		t.SetEnabled(on)
	}
}

// Stop closes all tracks and marks the stream inactive. This is the
// explicit local-media teardown; leaving a session does not call it.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tracks := make([]Track, len(s.tracks))
	copy(tracks, s.tracks)
	s.mu.Unlock()

	for _, t := range tracks {
		t.Close()
	}
}

// Active reports whether the stream is still capturing.
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}
