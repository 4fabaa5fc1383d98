package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/classmesh/classroom-rtc/pkg/coordinator"
	"github.com/classmesh/classroom-rtc/pkg/identity"
	"github.com/classmesh/classroom-rtc/pkg/logging"
	"github.com/classmesh/classroom-rtc/pkg/media"
	"github.com/classmesh/classroom-rtc/pkg/rtc"
)

var (
	flagJoinAs      string
	flagJoinMesh    bool
	flagJoinDevice  bool
	flagJoinNoMedia bool
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a classroom room as a participant",
	Long: `Join a classroom room: track presence over the realtime channel and
establish WebRTC media sessions with the other participants through the
signaling relay.

Examples:
  classroom-rtc join math-101 --relay-url ws://localhost:8787/ws
  classroom-rtc join math-101 --as alice --mesh
  classroom-rtc join math-101 --device`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(args[0])
	},
}

func joinRoom(roomID string) error {
	cfg := loadConfig()
	logger := logging.Setup(cfg.LogLevel)

	var ident identity.Provider
	if flagJoinAs != "" {
		ident = identity.Static(flagJoinAs)
	}

	var source media.Source
	switch {
	case flagJoinNoMedia:
		source = nil
	case flagJoinDevice:
		var err error
		source, err = media.NewDeviceSource(logger)
		if err != nil {
			return fmt.Errorf("open capture devices: %w", err)
		}
	default:
		source = &media.SampleSource{}
	}

	coord, err := coordinator.New(coordinator.Config{
		RoomID:   roomID,
		Identity: ident,
		App:      cfg,
		Source:   source,
		Mesh:     flagJoinMesh,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if source != nil {
		if _, err := coord.StartLocalMedia(ctx, media.DefaultConstraints()); err != nil {
			logger.Warn("local media unavailable, joining without tracks", "error", err)
		}
	}

	if err := coord.Connect(ctx); err != nil {
		return err
	}
	defer coord.Disconnect()

	logger.Info("joined room",
		"room", roomID,
		"participant", coord.ParticipantID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev := <-coord.Events():
			logEvent(logger, ev)
		case <-ticker.C:
			st := coord.Status()
			logger.Info("status",
				"realtime", st.Realtime,
				"relay", st.Relay,
				"peer", st.Peer,
				"participants", st.Participants)
		case <-sigCh:
			logger.Info("leaving room", "room", roomID)
			return nil
		}
	}
}

func logEvent(logger *slog.Logger, ev rtc.Event) {
	switch e := ev.(type) {
	case rtc.LocalStreamEvent:
		logger.Info("local media ready")
	case rtc.ParticipantJoinedEvent:
		logger.Info("participant joined", "id", e.ID)
	case rtc.ParticipantLeftEvent:
		logger.Info("participant left", "id", e.ID)
	case rtc.TrackAddedEvent:
		logger.Info("remote track", "participant", e.ParticipantID)
	case rtc.ErrorEvent:
		logger.Error("session error", "error", e.Err)
	case rtc.ConnectionStateEvent:
		logger.Info("connection state", "state", e.State.String())
	}
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVar(&flagJoinAs, "as", "", "Participant id (defaults to a generated guest id)")
	joinCmd.Flags().BoolVar(&flagJoinMesh, "mesh", false, "Use one peer connection per remote participant")
	joinCmd.Flags().BoolVar(&flagJoinDevice, "device", false, "Capture from the local camera and microphone")
	joinCmd.Flags().BoolVar(&flagJoinNoMedia, "no-media", false, "Join without publishing media")
}
