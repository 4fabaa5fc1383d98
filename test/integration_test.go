package test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/classmesh/classroom-rtc/pkg/config"
	"github.com/classmesh/classroom-rtc/pkg/coordinator"
	"github.com/classmesh/classroom-rtc/pkg/identity"
	"github.com/classmesh/classroom-rtc/pkg/media"
	"github.com/classmesh/classroom-rtc/pkg/realtime"
	"github.com/classmesh/classroom-rtc/pkg/relay"
	"github.com/classmesh/classroom-rtc/pkg/rtc"
	"github.com/classmesh/classroom-rtc/pkg/signalserver"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// waitConnected drains the event channel until the peer connection
// reports connected or the timeout expires.
func waitConnected(t *testing.T, who string, events <-chan rtc.Event, timeout time.Duration) {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if cs, ok := ev.(rtc.ConnectionStateEvent); ok && cs.State == webrtc.PeerConnectionStateConnected {
				return
			}
		case <-deadline:
			t.Fatalf("%s: timeout waiting for connected state", who)
		}
	}
}

func startParticipant(t *testing.T, relayURL, roomID, id string, logger *slog.Logger) (*rtc.Session, *relay.Client) {
	t.Helper()

	rly := relay.NewClient(relay.Config{URL: relayURL, Logger: logger})
	rly.Connect()
	if !rly.IsOpen() {
		t.Fatalf("%s: relay did not open", id)
	}

	sess, err := rtc.NewSession(rtc.Config{
		RoomID:  roomID,
		LocalID: id,
		Relay:   rly,
		Source:  &media.SampleSource{},
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("%s: create session: %v", id, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := sess.StartLocalMedia(ctx, media.DefaultConstraints()); err != nil {
		t.Fatalf("%s: start local media: %v", id, err)
	}
	if err := sess.Join(ctx); err != nil {
		t.Fatalf("%s: join: %v", id, err)
	}

	return sess, rly
}

// TestTwoPartyCall drives two participants through the full flow: both
// connect to the relay, the second to join triggers the offer/answer
// exchange, and both peer connections reach the connected state.
func TestTwoPartyCall(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := testLogger()

	srv := signalserver.NewServer(logger)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("start signaling server: %v", err)
	}
	defer srv.Close()

	alice, aliceRelay := startParticipant(t, srv.URL(), "math-101", "alice", logger)
	defer func() {
		alice.Leave()
		aliceRelay.Close()
	}()

	bob, bobRelay := startParticipant(t, srv.URL(), "math-101", "bob", logger)
	defer func() {
		bob.Leave()
		bobRelay.Close()
	}()

	waitConnected(t, "alice", alice.Events(), 20*time.Second)
	waitConnected(t, "bob", bob.Events(), 20*time.Second)

	if got := alice.ConnectionState(); got != webrtc.PeerConnectionStateConnected {
		t.Errorf("alice connection state = %s, want connected", got)
	}
}

// TestTwoPartyLeave verifies that leaving propagates to the other side
// and that the local capture stream survives the leave.
func TestTwoPartyLeave(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := testLogger()

	srv := signalserver.NewServer(logger)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("start signaling server: %v", err)
	}
	defer srv.Close()

	alice, aliceRelay := startParticipant(t, srv.URL(), "math-102", "alice", logger)
	defer aliceRelay.Close()

	bob, bobRelay := startParticipant(t, srv.URL(), "math-102", "bob", logger)
	defer bobRelay.Close()

	waitConnected(t, "alice", alice.Events(), 20*time.Second)

	stream := bob.LocalStream()
	if stream == nil {
		t.Fatal("bob has no local stream")
	}

	bob.Leave()

	if bob.Started() {
		t.Error("bob still started after leave")
	}
	if bob.LocalStream() != stream {
		t.Error("leave must not drop the local capture stream")
	}
	if !stream.Active() {
		t.Error("local stream stopped by leave")
	}

	// Alice sees the departure.
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-alice.Events():
			if left, ok := ev.(rtc.ParticipantLeftEvent); ok {
				if left.ID != "bob" {
					t.Errorf("left participant = %s, want bob", left.ID)
				}
				alice.Leave()
				return
			}
		case <-deadline:
			t.Fatal("alice never saw bob leave")
		}
	}
}

// TestMeshSimultaneousJoin exercises offer glare: both participants join
// at the same time, both offer, and the polite/impolite roles resolve the
// collision so both ends still connect.
func TestMeshSimultaneousJoin(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := testLogger()

	srv := signalserver.NewServer(logger)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("start signaling server: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions := make([]*rtc.MeshSession, 0, 2)
	for _, id := range []string{"alice", "bob"} {
		rly := relay.NewClient(relay.Config{URL: srv.URL(), Logger: logger})
		rly.Connect()
		if !rly.IsOpen() {
			t.Fatalf("%s: relay did not open", id)
		}
		defer rly.Close()

		sess, err := rtc.NewMeshSession(rtc.MeshConfig{
			RoomID:  "mesh-101",
			LocalID: id,
			Relay:   rly,
			Source:  &media.SampleSource{},
			Logger:  logger,
		})
		if err != nil {
			t.Fatalf("%s: create mesh session: %v", id, err)
		}
		if _, err := sess.StartLocalMedia(ctx, media.DefaultConstraints()); err != nil {
			t.Fatalf("%s: start local media: %v", id, err)
		}
		defer sess.Leave()
		sessions = append(sessions, sess)
	}

	for _, sess := range sessions {
		sess := sess
		go sess.Join(ctx)
	}

	waitConnected(t, "alice", sessions[0].Events(), 20*time.Second)
	waitConnected(t, "bob", sessions[1].Events(), 20*time.Second)

	if got := len(sessions[0].Participants()); got != 1 {
		t.Errorf("alice peer count = %d, want 1", got)
	}
}

// TestPresenceSync runs two channels against the mock realtime backend
// and checks that both converge on the same two-entry participant list.
func TestPresenceSync(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := testLogger()

	mock, err := StartMockRealtime(0, logger)
	if err != nil {
		t.Fatalf("start mock realtime: %v", err)
	}
	defer mock.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	open := func(key string) *realtime.Channel {
		ch := realtime.NewChannel(realtime.Config{URL: mock.URL(), Logger: logger})
		if err := ch.Open(ctx, "science-1", key); err != nil {
			t.Fatalf("%s: open channel: %v", key, err)
		}
		return ch
	}

	alice := open("alice")
	defer alice.Close()
	bob := open("bob")
	defer bob.Close()

	topic := realtime.RoomTopic("science-1")
	if err := mock.WaitForPresence(topic, 2, 5*time.Second); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if len(alice.Participants()) == 2 && len(bob.Participants()) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("presence never converged: alice=%d bob=%d",
				len(alice.Participants()), len(bob.Participants()))
		}
		time.Sleep(50 * time.Millisecond)
	}

	bob.Close()

	deadline = time.Now().Add(5 * time.Second)
	for {
		if len(alice.Participants()) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("alice still sees %d participants after bob left", len(alice.Participants()))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TestCoordinatorLifecycle runs a full coordinator against both mock
// backends and checks the consolidated status surface.
func TestCoordinatorLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := testLogger()

	mock, err := StartMockRealtime(0, logger)
	if err != nil {
		t.Fatalf("start mock realtime: %v", err)
	}
	defer mock.Close()

	srv := signalserver.NewServer(logger)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("start signaling server: %v", err)
	}
	defer srv.Close()

	coord, err := coordinator.New(coordinator.Config{
		RoomID:   "history-7",
		Identity: identity.Static("teacher"),
		App: &config.Config{
			RealtimeURL: mock.URL(),
			RelayURL:    srv.URL(),
		},
		Source: &media.SampleSource{},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("create coordinator: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := coord.StartLocalMedia(ctx, media.DefaultConstraints()); err != nil {
		t.Fatalf("start local media: %v", err)
	}
	if err := coord.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	st := coord.Status()
	if st.Realtime != realtime.StateConnected {
		t.Errorf("realtime state = %s, want connected", st.Realtime)
	}
	if st.Relay != relay.StateOpen {
		t.Errorf("relay state = %s, want open", st.Relay)
	}
	if st.ParticipantID != "teacher" {
		t.Errorf("participant id = %s, want teacher", st.ParticipantID)
	}

	if len(coord.EventLog()) == 0 {
		t.Error("event log is empty after connect")
	}

	coord.Disconnect()
	coord.Disconnect() // idempotent

	if got := coord.Status().Relay; got != relay.StateClosed {
		t.Errorf("relay state after disconnect = %s, want closed", got)
	}
}

// TestCoordinatorUnconfigured checks the degraded path: with no backend
// URLs at all, connecting must not fail, and the status surfaces the
// not-configured relay and the channel error.
func TestCoordinatorUnconfigured(t *testing.T) {
	logger := testLogger()

	coord, err := coordinator.New(coordinator.Config{
		RoomID: "empty-room",
		App:    &config.Config{},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("create coordinator: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := coord.Connect(ctx); err != nil {
		t.Fatalf("connect with no backends: %v", err)
	}
	defer coord.Disconnect()

	st := coord.Status()
	if st.Relay != relay.StateNotConfigured {
		t.Errorf("relay state = %s, want not_configured", st.Relay)
	}
	if st.Realtime != realtime.StateError {
		t.Errorf("realtime state = %s, want error", st.Realtime)
	}
	if st.RealtimeError == "" {
		t.Error("realtime error is empty")
	}
}
