package test

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// realtimeFrame mirrors the channel wire envelope.
type realtimeFrame struct {
	Type    string                    `json:"type"`
	Topic   string                    `json:"topic,omitempty"`
	Key     string                    `json:"key,omitempty"`
	Status  string                    `json:"status,omitempty"`
	Meta    *realtimeMeta             `json:"meta,omitempty"`
	State   map[string][]realtimeMeta `json:"state,omitempty"`
	Event   string                    `json:"event,omitempty"`
	Payload json.RawMessage           `json:"payload,omitempty"`
}

type realtimeMeta struct {
	UserID   string `json:"user_id"`
	JoinedAt string `json:"joined_at,omitempty"`
}

type realtimeClient struct {
	conn  *websocket.Conn
	topic string
	key   string
	mu    sync.Mutex
}

func (c *realtimeClient) send(f *realtimeFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

// MockRealtimeServer simulates the realtime channel backend: it accepts
// subscriptions, answers with a configurable status, accumulates tracked
// presence per topic, and fans presence snapshots and broadcasts out to
// every subscriber of the topic.
type MockRealtimeServer struct {
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger

	// SubscribeStatus is sent in response to subscribe frames.
	// Defaults to SUBSCRIBED.
	SubscribeStatus string

	mu       sync.Mutex
	clients  map[*realtimeClient]bool
	presence map[string]map[string][]realtimeMeta // topic -> key -> metas
}

// StartMockRealtime starts a mock realtime backend on the given port
// (0 = auto-assign).
func StartMockRealtime(port int, logger *slog.Logger) (*MockRealtimeServer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mock := &MockRealtimeServer{
		listener:        listener,
		logger:          logger,
		SubscribeStatus: "SUBSCRIBED",
		clients:         make(map[*realtimeClient]bool),
		presence:        make(map[string]map[string][]realtimeMeta),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", mock.handleWebSocket)
	mock.server = &http.Server{Handler: mux}

	go func() {
		if err := mock.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("mock realtime server error", "error", err)
		}
	}()

	logger.Info("mock realtime server started", "addr", listener.Addr().String())
	return mock, nil
}

// URL returns the WebSocket URL for this mock server.
func (m *MockRealtimeServer) URL() string {
	return fmt.Sprintf("ws://%s", m.listener.Addr().String())
}

func (m *MockRealtimeServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	client := &realtimeClient{conn: conn}

	m.mu.Lock()
	m.clients[client] = true
	m.mu.Unlock()

	defer func() {
		m.dropClient(client)
		conn.Close()
	}()

	for {
		var f realtimeFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}

		switch f.Type {
		case "subscribe":
			m.mu.Lock()
			client.topic = f.Topic
			client.key = f.Key
			m.mu.Unlock()
			client.send(&realtimeFrame{Type: "status", Status: m.SubscribeStatus})
			if m.SubscribeStatus == "SUBSCRIBED" {
				m.sendPresenceSnapshot(client)
			}
		case "track":
			if f.Meta != nil && client.topic != "" {
				m.trackPresence(client.topic, client.key, *f.Meta)
				m.broadcastPresence(client.topic)
			}
		case "unsubscribe":
			topic := client.topic
			m.removePresence(topic, client.key)
			m.mu.Lock()
			client.topic = ""
			m.mu.Unlock()
			m.broadcastPresence(topic)
		case "broadcast":
			m.fanOut(client, &f)
		}
	}
}

func (m *MockRealtimeServer) trackPresence(topic, key string, meta realtimeMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.presence[topic] == nil {
		m.presence[topic] = make(map[string][]realtimeMeta)
	}
	m.presence[topic][key] = append(m.presence[topic][key], meta)
}

func (m *MockRealtimeServer) removePresence(topic, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.presence[topic]; ok {
		delete(state, key)
		if len(state) == 0 {
			delete(m.presence, topic)
		}
	}
}

func (m *MockRealtimeServer) snapshot(topic string) map[string][]realtimeMeta {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := make(map[string][]realtimeMeta)
	for k, v := range m.presence[topic] {
		state[k] = append([]realtimeMeta(nil), v...)
	}
	return state
}

func (m *MockRealtimeServer) sendPresenceSnapshot(client *realtimeClient) {
	client.send(&realtimeFrame{Type: "presence", State: m.snapshot(client.topic)})
}

func (m *MockRealtimeServer) broadcastPresence(topic string) {
	if topic == "" {
		return
	}
	state := m.snapshot(topic)

	m.mu.Lock()
	subscribers := make([]*realtimeClient, 0, len(m.clients))
	for c := range m.clients {
		if c.topic == topic {
			subscribers = append(subscribers, c)
		}
	}
	m.mu.Unlock()

	for _, c := range subscribers {
		c.send(&realtimeFrame{Type: "presence", State: state})
	}
}

// fanOut delivers a broadcast frame to every other subscriber of the
// sender's topic.
func (m *MockRealtimeServer) fanOut(sender *realtimeClient, f *realtimeFrame) {
	m.mu.Lock()
	subscribers := make([]*realtimeClient, 0, len(m.clients))
	for c := range m.clients {
		if c != sender && c.topic == sender.topic {
			subscribers = append(subscribers, c)
		}
	}
	m.mu.Unlock()

	for _, c := range subscribers {
		c.send(&realtimeFrame{Type: "broadcast", Event: f.Event, Payload: f.Payload})
	}
}

func (m *MockRealtimeServer) dropClient(client *realtimeClient) {
	m.mu.Lock()
	delete(m.clients, client)
	m.mu.Unlock()

	if client.topic != "" {
		m.removePresence(client.topic, client.key)
		m.broadcastPresence(client.topic)
	}
}

// CloseChannel sends a server-side CLOSED status to every subscriber of
// the topic.
func (m *MockRealtimeServer) CloseChannel(topic string) {
	m.mu.Lock()
	subscribers := make([]*realtimeClient, 0, len(m.clients))
	for c := range m.clients {
		if c.topic == topic {
			subscribers = append(subscribers, c)
		}
	}
	m.mu.Unlock()

	for _, c := range subscribers {
		c.send(&realtimeFrame{Type: "status", Status: "CLOSED"})
	}
}

// ClientCount returns the number of connected clients.
func (m *MockRealtimeServer) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// WaitForPresence waits until the topic has n presence keys.
func (m *MockRealtimeServer) WaitForPresence(topic string, n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		count := len(m.presence[topic])
		m.mu.Unlock()

		if count >= n {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %d presence entries, got %d", n, count)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Close stops the mock server.
func (m *MockRealtimeServer) Close() error {
	m.mu.Lock()
	for client := range m.clients {
		client.conn.Close()
	}
	m.mu.Unlock()

	return m.server.Close()
}
