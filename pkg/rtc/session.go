// Package rtc manages a classroom participant's peer connections. Session
// is the two-party component: one local capture and one peer connection,
// the shape suited to a tutor/student preview call where one side joins
// first. MeshSession generalizes to N participants with per-peer
// negotiation.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/classmesh/classroom-rtc/pkg/media"
	"github.com/classmesh/classroom-rtc/pkg/relay"
)

const defaultEventBuffer = 32

// DefaultICEServers is the minimal ICE configuration: public STUN only.
// Without TURN, NAT traversal fails on restrictive networks; that is an
// accepted limitation of this deployment, not something the session works
// around.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// Config configures a Session.
type Config struct {
	RoomID  string
	LocalID string

	Relay  *relay.Client
	Source media.Source

	// ICEServers defaults to public STUN when empty.
	ICEServers []webrtc.ICEServer

	// EventBuffer sizes the event channel; events are dropped, not
	// blocked on, when the consumer falls behind.
	EventBuffer int

	Logger *slog.Logger
}

// RemoteStream is the locally-held view of one remote participant's
// media.
type RemoteStream struct {
	ID     string
	Tracks []*webrtc.TrackRemote
}

// RemoteParticipant pairs a synthetic participant id with its stream.
type RemoteParticipant struct {
	ID     string
	Stream *RemoteStream
}

// Session owns exactly one peer connection and one local capture for its
// lifetime. A closed session is not resumable; create a new one to
// rejoin.
type Session struct {
	roomID  string
	localID string
	rly     *relay.Client
	source  media.Source
	ice     []webrtc.ICEServer
	logger  *slog.Logger

	events chan Event

	mediaMu sync.Mutex

	mu          sync.Mutex
	started     bool
	pc          *webrtc.PeerConnection
	localStream *media.Stream
	remotes     map[string]*RemoteStream
	sub         relay.Subscription
	subActive   bool
}

// NewSession creates a session for (roomID, localID).
func NewSession(cfg Config) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("room id must not be empty")
	}
	if cfg.LocalID == "" {
		return nil, errors.New("local id must not be empty")
	}
	if cfg.Relay == nil {
		return nil, errors.New("relay client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultICEServers()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	return &Session{
		roomID:  cfg.RoomID,
		localID: cfg.LocalID,
		rly:     cfg.Relay,
		source:  cfg.Source,
		ice:     cfg.ICEServers,
		logger:  cfg.Logger,
		events:  make(chan Event, cfg.EventBuffer),
		remotes: make(map[string]*RemoteStream),
	}, nil
}

// Events is the session's observable surface.
func (s *Session) Events() <-chan Event {
	return s.events
}

// StartLocalMedia acquires camera and microphone once; subsequent calls
// return the same stream without touching the devices. Acquisition
// failure is reported twice on purpose: as an ErrorEvent for subscribers
// and as the returned error for the awaiting caller.
func (s *Session) StartLocalMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()

	s.mu.Lock()
	existing := s.localStream
	s.mu.Unlock()
	if existing != nil {
		return existing, nil
	}

	if s.source == nil {
		err := errors.New("no media source configured")
		s.emit(ErrorEvent{Err: err})
		return nil, err
	}

	stream, err := s.source.Capture(ctx, c)
	if err != nil {
		err = fmt.Errorf("local media: %w", err)
		s.emit(ErrorEvent{Err: err})
		return nil, err
	}

	s.mu.Lock()
	s.localStream = stream
	s.mu.Unlock()

	s.emit(LocalStreamEvent{Stream: stream})
	return stream, nil
}

// Join builds the peer connection and announces this participant to the
// room. Negotiation starts when the other side's join announcement
// arrives. Calling Join on a started session is a no-op.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	localStream := s.localStream
	s.mu.Unlock()

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		s.reset()
		return fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: s.ice})
	if err != nil {
		s.reset()
		return fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		s.rly.Send(&relay.Message{
			Type:      relay.TypeCandidate,
			RoomID:    s.roomID,
			From:      s.localID,
			Candidate: &init,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("peer connection state", "room", s.roomID, "state", state.String())
		s.emit(ConnectionStateEvent{State: state})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.addRemoteTrack(track)
	})

	if localStream != nil {
		for _, t := range localStream.Tracks() {
			if _, err := pc.AddTrack(t); err != nil {
				s.emit(ErrorEvent{Err: fmt.Errorf("add local track: %w", err)})
			}
		}
	}

	s.mu.Lock()
	s.pc = pc
	s.sub = s.rly.OnMessage(s.handleSignal)
	s.subActive = true
	s.mu.Unlock()

	s.rly.Send(&relay.Message{Type: relay.TypeJoin, RoomID: s.roomID, From: s.localID})

	s.logger.Info("session joined", "room", s.roomID, "id", s.localID)
	return nil
}

// sendOffer starts negotiation with the peer that just announced itself.
// The side already in the room always offers and the newcomer answers, so
// a two-party call never has competing offers.
func (s *Session) sendOffer(pc *webrtc.PeerConnection, to string) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.emit(ErrorEvent{Err: fmt.Errorf("create offer: %w", err)})
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.emit(ErrorEvent{Err: fmt.Errorf("set local description: %w", err)})
		return
	}

	s.rly.Send(&relay.Message{
		Type:   relay.TypeOffer,
		RoomID: s.roomID,
		From:   s.localID,
		To:     to,
		SDP:    offer.SDP,
	})
}

func (s *Session) handleSignal(msg *relay.Message) {
	if msg.RoomID != s.roomID || msg.From == s.localID {
		return
	}
	if msg.To != "" && msg.To != s.localID {
		return
	}

	s.mu.Lock()
	pc := s.pc
	started := s.started
	s.mu.Unlock()
	if !started || pc == nil {
		return
	}

	switch msg.Type {
	case relay.TypeOffer:
		s.handleOffer(pc, msg)
	case relay.TypeAnswer:
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  msg.SDP,
		}); err != nil {
			s.emit(ErrorEvent{Err: fmt.Errorf("set remote answer: %w", err)})
		}
	case relay.TypeCandidate:
		// A missing candidate signals end-of-candidates.
		if msg.Candidate == nil {
			return
		}
		if err := pc.AddICECandidate(*msg.Candidate); err != nil {
			s.emit(ErrorEvent{Err: fmt.Errorf("add ICE candidate: %w", err)})
		}
	case relay.TypeJoin:
		s.emit(ParticipantJoinedEvent{ID: msg.From})
		s.sendOffer(pc, msg.From)
	case relay.TypeLeave:
		s.emit(ParticipantLeftEvent{ID: msg.From})
	default:
		s.logger.Debug("session ignoring signal", "type", msg.Type)
	}
}

func (s *Session) handleOffer(pc *webrtc.PeerConnection, msg *relay.Message) {
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  msg.SDP,
	}); err != nil {
		s.emit(ErrorEvent{Err: fmt.Errorf("set remote offer: %w", err)})
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.emit(ErrorEvent{Err: fmt.Errorf("create answer: %w", err)})
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.emit(ErrorEvent{Err: fmt.Errorf("set local description: %w", err)})
		return
	}

	s.rly.Send(&relay.Message{
		Type:   relay.TypeAnswer,
		RoomID: s.roomID,
		From:   s.localID,
		To:     msg.From,
		SDP:    answer.SDP,
	})
}

func (s *Session) addRemoteTrack(track *webrtc.TrackRemote) {
	id := track.StreamID()
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	rs, ok := s.remotes[id]
	if !ok {
		rs = &RemoteStream{ID: id}
		s.remotes[id] = rs
	}
	rs.Tracks = append(rs.Tracks, track)
	s.mu.Unlock()

	s.logger.Debug("remote track added", "room", s.roomID, "stream", id, "kind", track.Kind().String())
	s.emit(TrackAddedEvent{ParticipantID: id, Track: track})
}

// Leave announces departure, closes the peer connection and clears the
// remote stream map. The local capture stream stays live so the UI keeps
// its preview across leave/rejoin; only media.Stream.Stop ends capture.
// Safe to call multiple times.
func (s *Session) Leave() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	pc := s.pc
	s.pc = nil
	sub := s.sub
	subActive := s.subActive
	s.subActive = false
	s.remotes = make(map[string]*RemoteStream)
	s.mu.Unlock()

	s.rly.Send(&relay.Message{Type: relay.TypeLeave, RoomID: s.roomID, From: s.localID})
	if subActive {
		s.rly.Off(sub)
	}

	if pc != nil {
		for _, sender := range pc.GetSenders() {
			sender.Stop()
		}
		pc.Close()
	}

	s.logger.Info("session left", "room", s.roomID, "id", s.localID)
}

// ToggleCamera flips the enabled flag on local video tracks. No-op before
// local media exists.
func (s *Session) ToggleCamera(on bool) {
	s.mu.Lock()
	stream := s.localStream
	s.mu.Unlock()
	if stream == nil {
		return
	}
	stream.SetVideoEnabled(on)
}

// ToggleMic flips the enabled flag on local audio tracks. No-op before
// local media exists.
func (s *Session) ToggleMic(on bool) {
	s.mu.Lock()
	stream := s.localStream
	s.mu.Unlock()
	if stream == nil {
		return
	}
	stream.SetAudioEnabled(on)
}

// Participants returns a snapshot of the remote stream map.
func (s *Session) Participants() []RemoteParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RemoteParticipant, 0, len(s.remotes))
	for id, rs := range s.remotes {
		out = append(out, RemoteParticipant{ID: id, Stream: rs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LocalStream returns the local capture stream, nil before acquisition.
func (s *Session) LocalStream() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localStream
}

// Started reports whether Join has run without a matching Leave.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// ConnectionState reports the peer connection state, New when no
// connection exists.
func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return webrtc.PeerConnectionStateNew
	}
	return s.pc.ConnectionState()
}

func (s *Session) reset() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

// emit never blocks: when the consumer falls behind the event is dropped,
// matching the best-effort posture of the rest of the subsystem.
func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.logger.Debug("session event dropped", "room", s.roomID)
	}
}
