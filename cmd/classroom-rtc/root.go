package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/classmesh/classroom-rtc/pkg/config"
)

var (
	flagRealtimeURL string
	flagRelayURL    string
	flagOrigin      string
	flagSTUN        string
	flagTURN        string
	flagTURNUser    string
	flagTURNPass    string
	flagLogLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "classroom-rtc",
	Short: "Classroom presence and video session tooling",
	Long: `classroom-rtc connects to a classroom room over two backends: a
realtime channel for presence tracking and a WebSocket relay for WebRTC
signaling. The join subcommand runs a full participant; the serve
subcommand runs a standalone signaling relay for development.`,
}

// Execute runs the root command. Called from main.
func Execute() {
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	return config.Load(config.Options{
		RealtimeURL: flagRealtimeURL,
		RelayURL:    flagRelayURL,
		Origin:      flagOrigin,
		STUNServer:  flagSTUN,
		TURNServer:  flagTURN,
		TURNUser:    flagTURNUser,
		TURNPass:    flagTURNPass,
		LogLevel:    flagLogLevel,
	})
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagRealtimeURL, "realtime-url", "", "Realtime channel WebSocket URL")
	pf.StringVar(&flagRelayURL, "relay-url", "", "Signaling relay WebSocket URL")
	pf.StringVar(&flagOrigin, "origin", "", "Application origin used to derive the relay URL")
	pf.StringVar(&flagSTUN, "stun", "", "Custom STUN server URL")
	pf.StringVar(&flagTURN, "turn", "", "Custom TURN server host")
	pf.StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	pf.StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
}
