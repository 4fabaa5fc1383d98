package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/classmesh/classroom-rtc/pkg/media"
)

// Event is the tagged union of everything a session reports to its UI
// adapters. Consumers receive events from Session.Events and switch on
// the concrete type, so payload shapes are checked at compile time.
type Event interface {
	isEvent()
}

// LocalStreamEvent fires when local capture becomes available.
type LocalStreamEvent struct {
	Stream *media.Stream
}

// ParticipantJoinedEvent fires when a join announcement arrives.
type ParticipantJoinedEvent struct {
	ID string
}

// ParticipantLeftEvent fires when a leave announcement arrives.
type ParticipantLeftEvent struct {
	ID string
}

// TrackAddedEvent fires when a remote media track arrives.
type TrackAddedEvent struct {
	ParticipantID string
	Track         *webrtc.TrackRemote
}

// ErrorEvent carries a non-fatal session error (negotiation failures,
// media acquisition failures). The session does not tear itself down; the
// consumer decides whether to leave.
type ErrorEvent struct {
	Err error
}

// ConnectionStateEvent mirrors the underlying peer connection state
// verbatim.
type ConnectionStateEvent struct {
	State webrtc.PeerConnectionState
}

func (LocalStreamEvent) isEvent()       {}
func (ParticipantJoinedEvent) isEvent() {}
func (ParticipantLeftEvent) isEvent()   {}
func (TrackAddedEvent) isEvent()        {}
func (ErrorEvent) isEvent()             {}
func (ConnectionStateEvent) isEvent()   {}
