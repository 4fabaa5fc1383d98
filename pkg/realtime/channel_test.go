package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// channelBackend is a minimal scripted backend for one channel
// connection.
type channelBackend struct {
	t      *testing.T
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newChannelBackend(t *testing.T) *channelBackend {
	t.Helper()

	b := &channelBackend{t: t, conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		b.conns <- conn
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *channelBackend) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

// accept waits for a connection and reads the subscribe frame.
func (b *channelBackend) accept() (*websocket.Conn, frame) {
	b.t.Helper()

	var conn *websocket.Conn
	select {
	case conn = <-b.conns:
	case <-time.After(5 * time.Second):
		b.t.Fatal("no connection arrived")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var sub frame
	if err := conn.ReadJSON(&sub); err != nil {
		b.t.Fatalf("read subscribe: %v", err)
	}
	return conn, sub
}

func TestOpenNotConfigured(t *testing.T) {
	ch := NewChannel(Config{})

	err := ch.Open(context.Background(), "math-101", "alice")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	if ch.State() != StateError {
		t.Errorf("state = %s, want error", ch.State())
	}
	if ch.LastError() == "" {
		t.Error("last error is empty")
	}
}

func TestOpenEmptyRoom(t *testing.T) {
	ch := NewChannel(Config{URL: "ws://127.0.0.1:1"})
	if err := ch.Open(context.Background(), "", "alice"); err == nil {
		t.Fatal("expected error for empty room id")
	}
}

func TestOpenSubscribedTracksPresence(t *testing.T) {
	backend := newChannelBackend(t)
	ch := NewChannel(Config{URL: backend.url()})

	done := make(chan error, 1)
	go func() {
		done <- ch.Open(context.Background(), "math-101", "alice")
	}()

	conn, sub := backend.accept()
	if sub.Type != frameSubscribe {
		t.Errorf("first frame type = %s, want subscribe", sub.Type)
	}
	if sub.Topic != "room:math-101" {
		t.Errorf("topic = %s", sub.Topic)
	}
	if sub.Key != "alice" {
		t.Errorf("key = %s", sub.Key)
	}

	if err := conn.WriteJSON(&frame{Type: frameStatus, Status: StatusSubscribed}); err != nil {
		t.Fatalf("write status: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("open: %v", err)
	}
	if ch.State() != StateConnected {
		t.Errorf("state = %s, want connected", ch.State())
	}

	// The channel publishes its own presence right after subscribing.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var track frame
	if err := conn.ReadJSON(&track); err != nil {
		t.Fatalf("read track: %v", err)
	}
	if track.Type != frameTrack {
		t.Errorf("frame type = %s, want track", track.Type)
	}
	if track.Meta == nil || track.Meta.UserID != "alice" {
		t.Errorf("track meta = %+v", track.Meta)
	}

	ch.Close()
}

func TestOpenChannelError(t *testing.T) {
	backend := newChannelBackend(t)
	ch := NewChannel(Config{URL: backend.url()})

	done := make(chan error, 1)
	go func() {
		done <- ch.Open(context.Background(), "math-101", "alice")
	}()

	conn, _ := backend.accept()
	defer conn.Close()
	conn.WriteJSON(&frame{Type: frameStatus, Status: StatusChannelError})

	if err := <-done; err == nil {
		t.Fatal("expected error for CHANNEL_ERROR status")
	}
	if ch.State() != StateError {
		t.Errorf("state = %s, want error", ch.State())
	}
}

func TestOpenTimedOut(t *testing.T) {
	backend := newChannelBackend(t)
	ch := NewChannel(Config{URL: backend.url(), SubscribeTimeout: 100 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		done <- ch.Open(context.Background(), "math-101", "alice")
	}()

	// Accept but never answer the subscribe.
	conn, _ := backend.accept()
	defer conn.Close()

	if err := <-done; err == nil {
		t.Fatal("expected timeout error")
	}
	if ch.State() != StateTimedOut {
		t.Errorf("state = %s, want timed_out", ch.State())
	}
}

func TestServerClosedReturnsToIdle(t *testing.T) {
	backend := newChannelBackend(t)
	ch := NewChannel(Config{URL: backend.url()})

	done := make(chan error, 1)
	go func() {
		done <- ch.Open(context.Background(), "math-101", "alice")
	}()

	conn, _ := backend.accept()
	conn.WriteJSON(&frame{Type: frameStatus, Status: StatusSubscribed})
	if err := <-done; err != nil {
		t.Fatalf("open: %v", err)
	}

	conn.WriteJSON(&frame{Type: frameStatus, Status: StatusClosed})

	deadline := time.Now().Add(5 * time.Second)
	for ch.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want idle after server close", ch.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPresenceSnapshotUpdatesParticipants(t *testing.T) {
	backend := newChannelBackend(t)
	ch := NewChannel(Config{URL: backend.url()})

	synced := make(chan []Participant, 1)
	ch.OnPresenceSync(func(list []Participant) {
		select {
		case synced <- list:
		default:
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- ch.Open(context.Background(), "math-101", "alice")
	}()

	conn, _ := backend.accept()
	conn.WriteJSON(&frame{Type: frameStatus, Status: StatusSubscribed})
	if err := <-done; err != nil {
		t.Fatalf("open: %v", err)
	}

	conn.WriteJSON(&frame{Type: framePresence, State: map[string][]PresenceMeta{
		"alice": {{UserID: "alice"}},
		"bob":   {{UserID: "bob"}},
	}})

	select {
	case list := <-synced:
		if len(list) != 2 {
			t.Errorf("sync delivered %d participants, want 2", len(list))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("presence sync never fired")
	}

	if got := len(ch.Participants()); got != 2 {
		t.Errorf("participants = %d, want 2", got)
	}

	ch.Close()
	if got := ch.Participants(); got == nil || len(got) != 0 {
		t.Errorf("participants after close = %v, want empty", got)
	}
}

func TestBroadcastRoundTrip(t *testing.T) {
	backend := newChannelBackend(t)
	ch := NewChannel(Config{URL: backend.url()})

	received := make(chan json.RawMessage, 1)
	ch.OnBroadcast("chat", func(payload json.RawMessage) {
		received <- payload
	})
	// A panicking handler must not break the others.
	ch.OnBroadcast("chat", func(json.RawMessage) {
		panic("boom")
	})

	done := make(chan error, 1)
	go func() {
		done <- ch.Open(context.Background(), "math-101", "alice")
	}()

	conn, _ := backend.accept()
	conn.WriteJSON(&frame{Type: frameStatus, Status: StatusSubscribed})
	if err := <-done; err != nil {
		t.Fatalf("open: %v", err)
	}

	if !ch.Send("chat", map[string]string{"text": "hi"}) {
		t.Error("send returned false on a connected channel")
	}

	conn.WriteJSON(&frame{Type: frameBroadcast, Event: "chat", Payload: json.RawMessage(`{"text":"yo"}`)})

	select {
	case payload := <-received:
		var body map[string]string
		if err := json.Unmarshal(payload, &body); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if body["text"] != "yo" {
			t.Errorf("payload = %v", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast never delivered")
	}

	ch.Close()
}

func TestSendWhenIdle(t *testing.T) {
	ch := NewChannel(Config{URL: "ws://127.0.0.1:1"})
	if ch.Send("chat", "hello") {
		t.Error("send succeeded on an idle channel")
	}
}

func TestCloseIdempotent(t *testing.T) {
	ch := NewChannel(Config{URL: "ws://127.0.0.1:1"})
	ch.Close()
	ch.Close()
	if ch.State() != StateIdle {
		t.Errorf("state = %s, want idle", ch.State())
	}
}
