// Package coordinator owns one classroom connection end to end: the
// realtime presence channel, the signaling relay, and the peer session
// are three parallel transports keyed by the same room id, and the
// coordinator gives them a single connect/disconnect lifecycle with one
// consolidated status surface.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/classmesh/classroom-rtc/pkg/config"
	"github.com/classmesh/classroom-rtc/pkg/diag"
	"github.com/classmesh/classroom-rtc/pkg/identity"
	"github.com/classmesh/classroom-rtc/pkg/media"
	"github.com/classmesh/classroom-rtc/pkg/realtime"
	"github.com/classmesh/classroom-rtc/pkg/relay"
	"github.com/classmesh/classroom-rtc/pkg/rtc"
)

// peerSession is the surface both rtc.Session and rtc.MeshSession offer.
type peerSession interface {
	StartLocalMedia(ctx context.Context, c media.Constraints) (*media.Stream, error)
	Join(ctx context.Context) error
	Leave()
	Events() <-chan rtc.Event
	Participants() []rtc.RemoteParticipant
	LocalStream() *media.Stream
}

// Config configures a Coordinator.
type Config struct {
	RoomID string

	// Identity supplies the participant id; nil synthesizes a guest.
	Identity identity.Provider

	// App carries the endpoint configuration for both backends.
	App *config.Config

	// Source acquires local media; nil joins without publishing media.
	Source media.Source

	// Mesh selects the N-party mesh session instead of the two-party
	// session.
	Mesh bool

	// EventLogLimit bounds the diagnostics log.
	EventLogLimit int

	Logger *slog.Logger
}

// Status is the consolidated connection state.
type Status struct {
	RoomID        string
	ParticipantID string

	Realtime      string
	RealtimeError string
	Relay         string
	Peer          string

	Participants int
}

// Coordinator is the composition root for one classroom room.
type Coordinator struct {
	roomID  string
	localID string
	logger  *slog.Logger

	channel *realtime.Channel
	rly     *relay.Client
	session peerSession
	events  chan rtc.Event
	log     *diag.EventLog

	mu        sync.Mutex
	connected bool
	pumping   bool
	peerState string
}

// New wires the three transports for a room. Nothing connects until
// Connect.
func New(cfg Config) (*Coordinator, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("room id must not be empty")
	}
	if cfg.App == nil {
		return nil, errors.New("app config is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	localID := identity.Resolve(cfg.Identity)
	logger := cfg.Logger.With(slog.String("room", cfg.RoomID), slog.String("participant", localID))

	channel := realtime.NewChannel(realtime.Config{
		URL:    cfg.App.RealtimeURL,
		Logger: logger,
	})

	rly := relay.NewClient(relay.Config{
		URL:    cfg.App.RelayEndpoint(),
		Logger: logger,
	})

	var ice []webrtc.ICEServer
	stun, turn := cfg.App.ICEServerURLs()
	if len(stun) > 0 {
		ice = append(ice, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		ice = append(ice, webrtc.ICEServer{
			URLs:       turn,
			Username:   cfg.App.TURNUser,
			Credential: cfg.App.TURNPass,
		})
	}

	var session peerSession
	var err error
	if cfg.Mesh {
		session, err = rtc.NewMeshSession(rtc.MeshConfig{
			RoomID:     cfg.RoomID,
			LocalID:    localID,
			Relay:      rly,
			Source:     cfg.Source,
			ICEServers: ice,
			Logger:     logger,
		})
	} else {
		session, err = rtc.NewSession(rtc.Config{
			RoomID:     cfg.RoomID,
			LocalID:    localID,
			Relay:      rly,
			Source:     cfg.Source,
			ICEServers: ice,
			Logger:     logger,
		})
	}
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		roomID:  cfg.RoomID,
		localID: localID,
		logger:  logger,
		channel: channel,
		rly:     rly,
		session: session,
		events:  make(chan rtc.Event, 64),
		log:     diag.NewEventLog(cfg.EventLogLimit),
	}

	channel.OnPresenceSync(func(list []realtime.Participant) {
		c.log.Record("presence", "sync", map[string]any{"participants": len(list)})
	})

	return c, nil
}

// ParticipantID returns the resolved local participant id.
func (c *Coordinator) ParticipantID() string {
	return c.localID
}

// Connect brings up all transports. The presence channel degrades
// gracefully when unconfigured; a failure to join the peer session is the
// only fatal outcome.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = true
	startPump := !c.pumping
	c.pumping = true
	c.mu.Unlock()

	if startPump {
		go c.pumpEvents()
	}

	if err := c.channel.Open(ctx, c.roomID, c.localID); err != nil {
		// Presence is diagnostic, not load-bearing: record and move on.
		c.log.Record("realtime", "open_failed", map[string]any{"error": err.Error()})
		c.logger.Warn("presence channel unavailable", "error", err)
	} else {
		c.log.Record("realtime", "connected", nil)
	}

	c.rly.Connect()
	c.log.Record("relay", "state", map[string]any{"state": c.rly.State()})

	if err := c.session.Join(ctx); err != nil {
		c.channel.Close()
		c.rly.Close()
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return fmt.Errorf("join peer session: %w", err)
	}
	c.log.Record("session", "joined", nil)

	return nil
}

// StartLocalMedia acquires local capture through the peer session.
func (c *Coordinator) StartLocalMedia(ctx context.Context, con media.Constraints) (*media.Stream, error) {
	return c.session.StartLocalMedia(ctx, con)
}

// Disconnect tears everything down. Safe to call multiple times.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()

	c.session.Leave()
	c.channel.Close()
	c.rly.Close()
	c.log.Record("session", "left", nil)
}

// Status reports the consolidated connection state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	peer := c.peerState
	c.mu.Unlock()
	if peer == "" {
		peer = "new"
	}
	return Status{
		RoomID:        c.roomID,
		ParticipantID: c.localID,
		Realtime:      c.channel.State(),
		RealtimeError: c.channel.LastError(),
		Relay:         c.rly.State(),
		Peer:          peer,
		Participants:  len(c.channel.Participants()),
	}
}

// Presence returns the live participant list from the realtime channel.
func (c *Coordinator) Presence() []realtime.Participant {
	return c.channel.Participants()
}

// PeerParticipants returns the peer session's remote stream snapshot.
func (c *Coordinator) PeerParticipants() []rtc.RemoteParticipant {
	return c.session.Participants()
}

// Events re-exposes session events after recording them in the
// diagnostics log.
func (c *Coordinator) Events() <-chan rtc.Event {
	return c.events
}

// EventLog returns the recent diagnostics entries, most recent first.
func (c *Coordinator) EventLog() []diag.Entry {
	return c.log.Entries()
}

func (c *Coordinator) pumpEvents() {
	for e := range c.session.Events() {
		switch ev := e.(type) {
		case rtc.LocalStreamEvent:
			c.log.Record("session", "local_stream", nil)
		case rtc.ParticipantJoinedEvent:
			c.log.Record("session", "participant_joined", map[string]any{"id": ev.ID})
		case rtc.ParticipantLeftEvent:
			c.log.Record("session", "participant_left", map[string]any{"id": ev.ID})
		case rtc.TrackAddedEvent:
			c.log.Record("session", "track_added", map[string]any{"participant": ev.ParticipantID})
		case rtc.ErrorEvent:
			c.log.Record("session", "error", map[string]any{"error": ev.Err.Error()})
		case rtc.ConnectionStateEvent:
			c.mu.Lock()
			c.peerState = ev.State.String()
			c.mu.Unlock()
			c.log.Record("session", "connection_state", map[string]any{"state": ev.State.String()})
		}

		select {
		case c.events <- e:
		default:
		}
	}
}
