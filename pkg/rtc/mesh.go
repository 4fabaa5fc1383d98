package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/classmesh/classroom-rtc/pkg/media"
	"github.com/classmesh/classroom-rtc/pkg/relay"
)

// MeshConfig configures a MeshSession.
type MeshConfig struct {
	RoomID  string
	LocalID string

	Relay  *relay.Client
	Source media.Source

	ICEServers  []webrtc.ICEServer
	EventBuffer int
	Logger      *slog.Logger
}

// MeshSession establishes point-to-point media paths between all
// participants of a room: one peer connection per remote, targeted
// signaling, and perfect negotiation so simultaneous offers resolve
// deterministically. It is the multi-party successor to Session and does
// not share its single-offer wire behavior.
type MeshSession struct {
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
	localStream *media.Stream
	peers       map[string]*meshPeer
	sub         relay.Subscription
	subActive   bool
}

// meshPeer is the negotiation state for one remote participant. polite
// follows the deterministic tie-break: the lexicographically greater
// participant id yields (rolls back its own offer) when offers collide.
type meshPeer struct {
	id     string
	polite bool
	pc     *webrtc.PeerConnection

	mu           sync.Mutex
	makingOffer  bool
	ignoreOffer  bool
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	remoteStream *RemoteStream
}

// NewMeshSession creates a mesh session for (roomID, localID).
func NewMeshSession(cfg MeshConfig) (*MeshSession, error) {
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

	return &MeshSession{
		roomID:  cfg.RoomID,
		localID: cfg.LocalID,
		rly:     cfg.Relay,
		source:  cfg.Source,
		ice:     cfg.ICEServers,
		logger:  cfg.Logger,
		events:  make(chan Event, cfg.EventBuffer),
		peers:   make(map[string]*meshPeer),
	}, nil
}

// Events is the session's observable surface.
func (m *MeshSession) Events() <-chan Event {
	return m.events
}

// StartLocalMedia acquires local capture once, as Session does.
func (m *MeshSession) StartLocalMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	m.mediaMu.Lock()
	defer m.mediaMu.Unlock()

	m.mu.Lock()
	existing := m.localStream
	m.mu.Unlock()
	if existing != nil {
		return existing, nil
	}

	if m.source == nil {
		err := errors.New("no media source configured")
		m.emit(ErrorEvent{Err: err})
		return nil, err
	}

	stream, err := m.source.Capture(ctx, c)
	if err != nil {
		err = fmt.Errorf("local media: %w", err)
		m.emit(ErrorEvent{Err: err})
		return nil, err
	}

	m.mu.Lock()
	m.localStream = stream
	m.mu.Unlock()

	m.emit(LocalStreamEvent{Stream: stream})
	return stream, nil
}

// Join announces this participant. Peer connections are created lazily:
// existing participants react to the join announcement by offering to the
// newcomer, and the newcomer builds its side on the first incoming offer.
func (m *MeshSession) Join(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.sub = m.rly.OnMessage(m.handleSignal)
	m.subActive = true
	m.mu.Unlock()

	m.rly.Send(&relay.Message{Type: relay.TypeJoin, RoomID: m.roomID, From: m.localID})
	m.logger.Info("mesh joined", "room", m.roomID, "id", m.localID)
	return nil
}

func (m *MeshSession) handleSignal(msg *relay.Message) {
	if msg.RoomID != m.roomID || msg.From == m.localID {
		return
	}
	if msg.To != "" && msg.To != m.localID {
		return
	}

	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}

	switch msg.Type {
	case relay.TypeJoin:
		m.emit(ParticipantJoinedEvent{ID: msg.From})
		peer, created, err := m.ensurePeer(msg.From)
		if err != nil {
			m.emit(ErrorEvent{Err: err})
			return
		}
		if created {
			m.makeOffer(peer)
		}
	case relay.TypeOffer:
		peer, _, err := m.ensurePeer(msg.From)
		if err != nil {
			m.emit(ErrorEvent{Err: err})
			return
		}
		m.handleOffer(peer, msg)
	case relay.TypeAnswer:
		if peer := m.peer(msg.From); peer != nil {
			m.handleAnswer(peer, msg)
		}
	case relay.TypeCandidate:
		if peer := m.peer(msg.From); peer != nil {
			m.handleCandidate(peer, msg)
		}
	case relay.TypeLeave:
		m.removePeer(msg.From)
		m.emit(ParticipantLeftEvent{ID: msg.From})
	}
}

func (m *MeshSession) peer(id string) *meshPeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[id]
}

// ensurePeer returns the negotiation state for a remote, building the
// peer connection on first sight.
func (m *MeshSession) ensurePeer(id string) (*meshPeer, bool, error) {
	m.mu.Lock()
	if p, ok := m.peers[id]; ok {
		m.mu.Unlock()
		return p, false, nil
	}
	localStream := m.localStream
	m.mu.Unlock()

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, false, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: m.ice})
	if err != nil {
		return nil, false, fmt.Errorf("create peer connection for %s: %w", id, err)
	}

	peer := &meshPeer{
		id:           id,
		polite:       m.localID > id,
		pc:           pc,
		remoteStream: &RemoteStream{ID: id},
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		m.rly.Send(&relay.Message{
			Type:      relay.TypeCandidate,
			RoomID:    m.roomID,
			From:      m.localID,
			To:        id,
			Candidate: &init,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Debug("mesh peer state", "peer", id, "state", state.String())
		m.emit(ConnectionStateEvent{State: state})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		peer.mu.Lock()
		peer.remoteStream.Tracks = append(peer.remoteStream.Tracks, track)
		peer.mu.Unlock()
		m.emit(TrackAddedEvent{ParticipantID: id, Track: track})
	})

	pc.OnNegotiationNeeded(func() {
		m.makeOffer(peer)
	})

	if localStream != nil {
		for _, t := range localStream.Tracks() {
			if _, err := pc.AddTrack(t); err != nil {
				m.emit(ErrorEvent{Err: fmt.Errorf("add local track for %s: %w", id, err)})
			}
		}
	}

	m.mu.Lock()
	// A concurrent ensurePeer may have won; keep the first one.
	if existing, ok := m.peers[id]; ok {
		m.mu.Unlock()
		pc.Close()
		return existing, false, nil
	}
	m.peers[id] = peer
	m.mu.Unlock()

	return peer, true, nil
}

func (m *MeshSession) makeOffer(peer *meshPeer) {
	peer.mu.Lock()
	peer.makingOffer = true
	peer.mu.Unlock()
	defer func() {
		peer.mu.Lock()
		peer.makingOffer = false
		peer.mu.Unlock()
	}()

	offer, err := peer.pc.CreateOffer(nil)
	if err != nil {
		m.emit(ErrorEvent{Err: fmt.Errorf("create offer for %s: %w", peer.id, err)})
		return
	}
	if err := peer.pc.SetLocalDescription(offer); err != nil {
		m.emit(ErrorEvent{Err: fmt.Errorf("set local description for %s: %w", peer.id, err)})
		return
	}

	m.rly.Send(&relay.Message{
		Type:   relay.TypeOffer,
		RoomID: m.roomID,
		From:   m.localID,
		To:     peer.id,
		SDP:    offer.SDP,
	})
}

// handleOffer implements the perfect-negotiation receive side: an offer
// colliding with our own in-flight offer is ignored by the impolite peer
// and rolled back over by the polite one.
func (m *MeshSession) handleOffer(peer *meshPeer, msg *relay.Message) {
	peer.mu.Lock()
	collision := peer.makingOffer || peer.pc.SignalingState() != webrtc.SignalingStateStable
	peer.ignoreOffer = !peer.polite && collision
	ignore := peer.ignoreOffer
	peer.mu.Unlock()

	if ignore {
		m.logger.Debug("mesh ignoring colliding offer", "peer", peer.id)
		return
	}

	if collision {
		if err := peer.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			m.emit(ErrorEvent{Err: fmt.Errorf("rollback for %s: %w", peer.id, err)})
			return
		}
	}

	if err := peer.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  msg.SDP,
	}); err != nil {
		m.emit(ErrorEvent{Err: fmt.Errorf("set remote offer from %s: %w", peer.id, err)})
		return
	}
	m.flushCandidates(peer)

	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		m.emit(ErrorEvent{Err: fmt.Errorf("create answer for %s: %w", peer.id, err)})
		return
	}
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		m.emit(ErrorEvent{Err: fmt.Errorf("set local description for %s: %w", peer.id, err)})
		return
	}

	m.rly.Send(&relay.Message{
		Type:   relay.TypeAnswer,
		RoomID: m.roomID,
		From:   m.localID,
		To:     peer.id,
		SDP:    answer.SDP,
	})
}

func (m *MeshSession) handleAnswer(peer *meshPeer, msg *relay.Message) {
	if err := peer.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  msg.SDP,
	}); err != nil {
		m.emit(ErrorEvent{Err: fmt.Errorf("set remote answer from %s: %w", peer.id, err)})
		return
	}
	m.flushCandidates(peer)
}

func (m *MeshSession) handleCandidate(peer *meshPeer, msg *relay.Message) {
	if msg.Candidate == nil {
		return
	}

	peer.mu.Lock()
	if !peer.remoteSet {
		// Hold early candidates until a remote description exists.
		peer.pending = append(peer.pending, *msg.Candidate)
		peer.mu.Unlock()
		return
	}
	ignore := peer.ignoreOffer
	peer.mu.Unlock()

	if err := peer.pc.AddICECandidate(*msg.Candidate); err != nil && !ignore {
		m.emit(ErrorEvent{Err: fmt.Errorf("add ICE candidate from %s: %w", peer.id, err)})
	}
}

func (m *MeshSession) flushCandidates(peer *meshPeer) {
	peer.mu.Lock()
	peer.remoteSet = true
	pending := peer.pending
	peer.pending = nil
	peer.mu.Unlock()

	for _, cand := range pending {
		if err := peer.pc.AddICECandidate(cand); err != nil {
			m.logger.Warn("mesh dropping queued candidate", "peer", peer.id, "error", err)
		}
	}
}

func (m *MeshSession) removePeer(id string) {
	m.mu.Lock()
	peer, ok := m.peers[id]
	delete(m.peers, id)
	m.mu.Unlock()

	if ok {
		peer.pc.Close()
	}
}

// Leave announces departure and closes every peer connection. The local
// capture stream stays live. Safe to call multiple times.
func (m *MeshSession) Leave() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	peers := m.peers
	m.peers = make(map[string]*meshPeer)
	sub := m.sub
	subActive := m.subActive
	m.subActive = false
	m.mu.Unlock()

	m.rly.Send(&relay.Message{Type: relay.TypeLeave, RoomID: m.roomID, From: m.localID})
	if subActive {
		m.rly.Off(sub)
	}

	for _, peer := range peers {
		for _, sender := range peer.pc.GetSenders() {
			sender.Stop()
		}
		peer.pc.Close()
	}

	m.logger.Info("mesh left", "room", m.roomID, "id", m.localID)
}

// Participants returns one entry per connected remote peer.
func (m *MeshSession) Participants() []RemoteParticipant {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RemoteParticipant, 0, len(m.peers))
	for id, peer := range m.peers {
		peer.mu.Lock()
		out = append(out, RemoteParticipant{ID: id, Stream: peer.remoteStream})
		peer.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LocalStream returns the local capture stream, nil before acquisition.
func (m *MeshSession) LocalStream() *media.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localStream
}

func (m *MeshSession) emit(e Event) {
	select {
	case m.events <- e:
	default:
		m.logger.Debug("mesh event dropped", "room", m.roomID)
	}
}
