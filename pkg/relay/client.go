// Package relay is the duplex signaling bus carrying peer negotiation
// messages (offers, answers, ICE candidates) between classroom clients.
// Delivery is best effort: messages sent while the socket is not open are
// dropped, and a lost connection is retried a bounded number of times.
package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classmesh/classroom-rtc/pkg/config"
)

const (
	defaultBaseDelay   = time.Second
	defaultMaxAttempts = 5

	writeWait = 10 * time.Second
)

// Relay connection states as reported by State.
const (
	StateNotConfigured = "not_configured"
	StateConnecting    = "connecting"
	StateOpen          = "open"
	StateClosed        = "closed"
	StateAbandoned     = "abandoned"
)

// Config configures a relay client. The client is an explicit component
// with injected configuration and lifecycle; nothing here is process-wide.
type Config struct {
	// URL is the relay WebSocket endpoint. When empty it is derived from
	// Origin; when that fails too the client stays permanently
	// disconnected and every send is dropped.
	URL    string
	Origin string

	// BaseDelay is the linear backoff unit (attempt * BaseDelay).
	BaseDelay time.Duration
	// MaxAttempts bounds reconnection; afterwards the client abandons.
	MaxAttempts int

	Logger *slog.Logger
}

// Subscription identifies a registered handler for Off.
type Subscription uint64

// Client is a signaling relay connection.
type Client struct {
	url         string
	baseDelay   time.Duration
	maxAttempts int
	logger      *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	open      bool
	closed    bool
	abandoned bool
	attempts  int
	reconnect *time.Timer

	nextSub       Subscription
	openHandlers  map[Subscription]func()
	msgHandlers   map[Subscription]func(*Message)
	closeHandlers map[Subscription]func()
	errHandlers   map[Subscription]func(error)
}

// NewClient creates a relay client. Connect must be called before the
// client carries any traffic.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	url := cfg.URL
	if url == "" {
		url = config.DeriveRelayURL(cfg.Origin)
	}

	return &Client{
		url:           url,
		baseDelay:     cfg.BaseDelay,
		maxAttempts:   cfg.MaxAttempts,
		logger:        cfg.Logger,
		openHandlers:  make(map[Subscription]func()),
		msgHandlers:   make(map[Subscription]func(*Message)),
		closeHandlers: make(map[Subscription]func()),
		errHandlers:   make(map[Subscription]func(error)),
	}
}

// Connect opens the socket. With no resolvable URL the client logs the
// condition and stays inert; nothing is returned because the relay is a
// best-effort substrate and callers must not branch on its availability.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.abandoned {
		c.mu.Unlock()
		return
	}
	if c.url == "" {
		c.abandoned = true
		c.mu.Unlock()
		c.logger.Warn("relay not configured, signaling messages will be dropped")
		return
	}
	c.mu.Unlock()

	c.dial()
}

func (c *Client) dial() {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.logger.Warn("relay connect failed", "url", c.url, "error", err)
		c.dispatchError(err)
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.open = true
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("relay connected", "url", c.url)
	c.dispatchOpen()

	go c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		msg, err := Unmarshal(data)
		if err != nil {
			c.logger.Warn("relay dropped malformed message", "error", err)
			continue
		}
		c.dispatchMessage(msg)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.open = false
	}
	wasClosed := c.closed
	c.mu.Unlock()

	c.dispatchClose()

	if !wasClosed {
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
	}
}

// scheduleReconnectLocked applies the linear backoff policy: the n-th
// attempt waits n*baseDelay, and after maxAttempts the client abandons
// reconnection for good. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	if c.closed || c.abandoned {
		return
	}

	c.attempts++
	if c.attempts > c.maxAttempts {
		c.abandoned = true
		c.logger.Warn("relay reconnect abandoned", "attempts", c.attempts-1)
		return
	}

	delay := time.Duration(c.attempts) * c.baseDelay
	c.logger.Info("relay scheduling reconnect", "attempt", c.attempts, "delay", delay)
	c.reconnect = time.AfterFunc(delay, func() {
		c.mu.Lock()
		closed := c.closed || c.abandoned
		c.mu.Unlock()
		if !closed {
			c.dial()
		}
	})
}

// Send transmits a message if the socket is open. Otherwise the message is
// dropped with a warning: there is no queue and no retry. Send never
// panics and never blocks on reconnection.
func (c *Client) Send(msg *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open || c.conn == nil {
		c.logger.Warn("relay send dropped, socket not open", "type", msg.Type, "room", msg.RoomID)
		return false
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Warn("relay send failed", "type", msg.Type, "error", err)
		return false
	}
	return true
}

// OnOpen registers a handler invoked whenever the socket opens.
func (c *Client) OnOpen(h func()) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	c.openHandlers[c.nextSub] = h
	return c.nextSub
}

// OnMessage registers a handler for incoming relay messages.
func (c *Client) OnMessage(h func(*Message)) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	c.msgHandlers[c.nextSub] = h
	return c.nextSub
}

// OnClose registers a handler invoked when the socket closes.
func (c *Client) OnClose(h func()) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	c.closeHandlers[c.nextSub] = h
	return c.nextSub
}

// OnError registers a handler for connection errors.
func (c *Client) OnError(h func(error)) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	c.errHandlers[c.nextSub] = h
	return c.nextSub
}

// Off removes a previously registered handler.
func (c *Client) Off(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.openHandlers, sub)
	delete(c.msgHandlers, sub)
	delete(c.closeHandlers, sub)
	delete(c.errHandlers, sub)
}

// Close shuts the client down and stops any pending reconnect. Safe to
// call multiple times.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	conn := c.conn
	c.conn = nil
	c.open = false
	c.mu.Unlock()

	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
}

// IsOpen reports whether the socket is currently open.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// State reports the connection state for diagnostics.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.url == "":
		return StateNotConfigured
	case c.open:
		return StateOpen
	case c.abandoned:
		return StateAbandoned
	case c.closed:
		return StateClosed
	default:
		return StateConnecting
	}
}

// One bad listener must not break dispatch to the others, so each handler
// runs under its own recover.
func (c *Client) safely(f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("relay handler panic", "panic", r)
		}
	}()
	f()
}

func (c *Client) dispatchOpen() {
	for _, h := range c.snapshotOpen() {
		c.safely(h)
	}
}

func (c *Client) dispatchMessage(msg *Message) {
	c.mu.Lock()
	hs := make([]func(*Message), 0, len(c.msgHandlers))
	for _, h := range c.msgHandlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h := h
		c.safely(func() { h(msg) })
	}
}

func (c *Client) dispatchClose() {
	c.mu.Lock()
	hs := make([]func(), 0, len(c.closeHandlers))
	for _, h := range c.closeHandlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		c.safely(h)
	}
}

func (c *Client) dispatchError(err error) {
	c.mu.Lock()
	hs := make([]func(error), 0, len(c.errHandlers))
	for _, h := range c.errHandlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h := h
		c.safely(func() { h(err) })
	}
}

func (c *Client) snapshotOpen() []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs := make([]func(), 0, len(c.openHandlers))
	for _, h := range c.openHandlers {
		hs = append(hs, h)
	}
	return hs
}
