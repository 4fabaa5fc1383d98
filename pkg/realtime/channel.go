// Package realtime maintains the classroom's live participant list. A
// Channel subscribes to a room topic on the realtime backend, publishes
// this client's presence, and keeps a derived snapshot of everyone
// present. It also carries named broadcast events used for out-of-band
// signaling.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Channel connection states.
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateConnected  = "connected"
	StateError      = "error"
	StateTimedOut   = "timed_out"
)

// ErrNotConfigured is returned by Open when no backend URL is configured.
// The channel stays inert; the caller retries by recreating it after
// reconfiguration.
var ErrNotConfigured = errors.New("realtime backend not configured")

const defaultSubscribeTimeout = 10 * time.Second

// BroadcastHandler receives the payload of a named broadcast event.
type BroadcastHandler func(payload json.RawMessage)

// Config configures a Channel.
type Config struct {
	// URL of the realtime backend WebSocket endpoint. Empty means not
	// configured; Open fails fast without any network I/O.
	URL string

	// SubscribeTimeout bounds the wait for the backend's subscribe
	// status.
	SubscribeTimeout time.Duration

	Logger *slog.Logger
}

// Channel is one room-scoped realtime subscription. There is no automatic
// reconnect at this layer; after an error or a server-side close the
// caller re-invokes Open.
type Channel struct {
	url     string
	timeout time.Duration
	logger  *slog.Logger

	mu           sync.Mutex
	writeMu      sync.Mutex
	conn         *websocket.Conn
	state        string
	lastErr      string
	roomID       string
	presenceKey  string
	participants []Participant
	handlers     map[string][]BroadcastHandler
	syncHandlers []func([]Participant)
	statusCh     chan string
	closed       bool
}

// NewChannel creates a channel in the idle state.
func NewChannel(cfg Config) *Channel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = defaultSubscribeTimeout
	}
	return &Channel{
		url:          cfg.URL,
		timeout:      cfg.SubscribeTimeout,
		logger:       cfg.Logger,
		state:        StateIdle,
		participants: []Participant{},
		handlers:     make(map[string][]BroadcastHandler),
	}
}

// Open subscribes to the room's topic and tracks this client's presence
// under presenceKey. A missing backend URL fails fast with
// ErrNotConfigured. A failure to track presence is non-fatal: the channel
// stays connected and the error is recorded as the last error.
func (c *Channel) Open(ctx context.Context, roomID, presenceKey string) error {
	if roomID == "" {
		return errors.New("room id must not be empty")
	}

	c.mu.Lock()
	if c.url == "" {
		c.state = StateError
		c.lastErr = ErrNotConfigured.Error()
		c.mu.Unlock()
		return ErrNotConfigured
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("channel already open for room %q", c.roomID)
	}
	c.state = StateConnecting
	c.lastErr = ""
	c.roomID = roomID
	c.presenceKey = presenceKey
	c.closed = false
	c.statusCh = make(chan string, 1)
	statusCh := c.statusCh
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.fail(fmt.Sprintf("channel connect failed: %v", err))
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	sub := frame{Type: frameSubscribe, Topic: RoomTopic(roomID), Key: presenceKey}
	if err := c.write(&sub); err != nil {
		c.fail(fmt.Sprintf("channel subscribe failed: %v", err))
		conn.Close()
		return err
	}

	go c.readLoop(conn)

	select {
	case status := <-statusCh:
		switch status {
		case StatusSubscribed:
			// fall through to presence tracking
		case StatusTimedOut:
			c.setState(StateTimedOut, "channel subscribe timed out")
			conn.Close()
			return errors.New("channel subscribe timed out")
		default:
			msg := fmt.Sprintf("channel error: %s", status)
			c.fail(msg)
			conn.Close()
			return errors.New(msg)
		}
	case <-time.After(c.timeout):
		c.setState(StateTimedOut, "channel subscribe timed out")
		conn.Close()
		return errors.New("channel subscribe timed out")
	case <-ctx.Done():
		c.fail("channel subscribe canceled")
		conn.Close()
		return ctx.Err()
	}

	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()

	track := frame{
		Type: frameTrack,
		Meta: &PresenceMeta{
			UserID:   presenceKey,
			JoinedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := c.write(&track); err != nil {
		// Presence tracking failure does not tear the channel down; the
		// subscription itself is still live.
		c.mu.Lock()
		c.lastErr = fmt.Sprintf("presence track failed: %v", err)
		c.mu.Unlock()
		c.logger.Warn("presence track failed", "room", roomID, "error", err)
	}

	c.logger.Info("channel connected", "room", roomID, "key", presenceKey)
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if !closed {
				c.fail(fmt.Sprintf("channel read failed: %v", err))
			}
			return
		}

		switch f.Type {
		case frameStatus:
			c.handleStatus(f.Status)
			if f.Status == StatusClosed {
				return
			}
		case framePresence:
			c.handlePresence(f.State)
		case frameBroadcast:
			c.handleBroadcast(f.Event, f.Payload)
		default:
			c.logger.Debug("channel ignoring frame", "type", f.Type)
		}
	}
}

func (c *Channel) handleStatus(status string) {
	c.mu.Lock()
	statusCh := c.statusCh
	connecting := c.state == StateConnecting
	c.mu.Unlock()

	if connecting && statusCh != nil {
		select {
		case statusCh <- status:
			return
		default:
		}
	}

	switch status {
	case StatusClosed:
		// Server-initiated close returns the channel to the idle state
		// ("not connected, not connecting"); the caller decides whether
		// to reopen.
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.state = StateIdle
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.logger.Info("channel closed by server", "room", c.roomID)
	case StatusChannelError:
		c.fail("channel error reported by server")
	}
}

func (c *Channel) handlePresence(state map[string][]PresenceMeta) {
	list := flattenPresence(state, time.Now())

	c.mu.Lock()
	c.participants = list
	handlers := make([]func([]Participant), len(c.syncHandlers))
	copy(handlers, c.syncHandlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h := h
		c.safely(func() { h(list) })
	}
}

func (c *Channel) handleBroadcast(event string, payload json.RawMessage) {
	c.mu.Lock()
	hs := make([]BroadcastHandler, len(c.handlers[event]))
	copy(hs, c.handlers[event])
	c.mu.Unlock()

	for _, h := range hs {
		h := h
		c.safely(func() { h(payload) })
	}
}

// OnBroadcast registers a handler for a named broadcast event.
func (c *Channel) OnBroadcast(event string, h BroadcastHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnPresenceSync registers a handler invoked with the full participant
// list whenever a presence snapshot arrives.
func (c *Channel) OnPresenceSync(h func([]Participant)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncHandlers = append(c.syncHandlers, h)
}

// Send publishes a best-effort broadcast on the channel. Failure is
// recorded as the last error but does not close the channel.
func (c *Channel) Send(event string, payload any) bool {
	c.mu.Lock()
	connected := c.state == StateConnected && c.conn != nil
	c.mu.Unlock()
	if !connected {
		return false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		c.mu.Lock()
		c.lastErr = fmt.Sprintf("broadcast encode failed: %v", err)
		c.mu.Unlock()
		return false
	}

	f := frame{Type: frameBroadcast, Event: event, Payload: raw}
	if err := c.write(&f); err != nil {
		c.mu.Lock()
		c.lastErr = fmt.Sprintf("broadcast send failed: %v", err)
		c.mu.Unlock()
		return false
	}
	return true
}

// Close unsubscribes and clears the participant list and flags. Safe to
// call multiple times.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed && c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateIdle
	c.participants = []Participant{}
	c.mu.Unlock()

	if conn != nil {
		unsub := frame{Type: frameUnsubscribe, Topic: RoomTopic(c.roomID)}
		data, _ := json.Marshal(&unsub)
		c.writeMu.Lock()
		conn.WriteMessage(websocket.TextMessage, data)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
}

// Participants returns the current derived participant list. Never nil.
func (c *Channel) Participants() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Participant, len(c.participants))
	copy(out, c.participants)
	return out
}

// State reports the channel lifecycle state.
func (c *Channel) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the subscription is live.
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// LastError returns the most recent error text, empty when none. Both
// configuration and transport failures surface here, distinguished only
// by message text.
func (c *Channel) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Channel) write(f *frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("channel not connected")
	}

	// gorilla permits one concurrent writer per connection.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (c *Channel) fail(msg string) {
	c.mu.Lock()
	c.state = StateError
	c.lastErr = msg
	c.mu.Unlock()
	c.logger.Warn(msg, "room", c.roomID)
}

// setState records a terminal subscribe outcome with its error text.
func (c *Channel) setState(state, msg string) {
	c.mu.Lock()
	c.state = state
	c.lastErr = msg
	c.mu.Unlock()
	c.logger.Warn(msg, "room", c.roomID)
}

func (c *Channel) safely(f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("channel handler panic", "panic", r)
		}
	}()
	f()
}
