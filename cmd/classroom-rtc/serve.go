package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/classmesh/classroom-rtc/pkg/logging"
	"github.com/classmesh/classroom-rtc/pkg/signalserver"
)

var flagServeAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a standalone signaling relay server",
	Long: `Run the WebSocket signaling relay that join participants use to
exchange WebRTC offers, answers and ICE candidates. Intended for local
development and self-hosted deployments.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.Setup(flagLogLevel)

		srv := signalserver.NewServer(logger)
		if err := srv.Listen(flagServeAddr); err != nil {
			return err
		}
		defer srv.Close()

		logger.Info("signaling relay listening", "url", srv.URL())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutdown signal received")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&flagServeAddr, "addr", ":8787", "Listen address")
}
