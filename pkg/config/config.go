package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Default ICE configuration. Public STUN only: without a TURN server NAT
// traversal fails on restrictive networks, which is an accepted limitation
// of the classroom preview deployment.
const (
	DefaultSTUN = "stun:stun.l.google.com:19302"
)

// Config holds everything the realtime classroom subsystem needs to reach
// its two backends: the realtime presence channel and the signaling relay.
// Either endpoint may be absent; the owning component then degrades to a
// documented "not configured" state instead of failing at startup.
type Config struct {
	// RealtimeURL is the WebSocket endpoint of the realtime channel
	// backend (presence + broadcast). Empty means not configured.
	RealtimeURL string

	// RelayURL is the WebSocket endpoint of the signaling relay. Empty
	// means derive from Origin, or stay disconnected if that is empty too.
	RelayURL string

	// Origin is the HTTP(S) origin the relay URL is derived from when
	// RelayURL is unset.
	Origin string

	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string

	LogLevel string
}

// Options carries CLI flag overrides. Priority: flags > environment >
// defaults, the same layering Load applies field by field.
type Options struct {
	RealtimeURL string
	RelayURL    string
	Origin      string
	STUNServer  string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	LogLevel    string
}

func fromEnv(flagValue, envName, def string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(envName); v != "" {
		return v
	}
	return def
}

// Load reads configuration with flag > env > default priority.
func Load(opts Options) *Config {
	stun := fromEnv(opts.STUNServer, "CLASSROOM_STUN_SERVER", DefaultSTUN)

	return &Config{
		RealtimeURL: fromEnv(opts.RealtimeURL, "CLASSROOM_REALTIME_URL", ""),
		RelayURL:    fromEnv(opts.RelayURL, "CLASSROOM_RELAY_URL", ""),
		Origin:      fromEnv(opts.Origin, "CLASSROOM_ORIGIN", ""),
		STUNServers: []string{stun},
		TURNServer:  fromEnv(opts.TURNServer, "CLASSROOM_TURN_SERVER", ""),
		TURNUser:    fromEnv(opts.TURNUser, "CLASSROOM_TURN_USERNAME", ""),
		TURNPass:    fromEnv(opts.TURNPass, "CLASSROOM_TURN_PASSWORD", ""),
		LogLevel:    fromEnv(opts.LogLevel, "LOG_LEVEL", "info"),
	}
}

// RealtimeConfigured reports whether the realtime channel backend is
// reachable in principle.
func (c *Config) RealtimeConfigured() bool {
	return c.RealtimeURL != ""
}

// RelayEndpoint resolves the relay WebSocket URL: explicit URL first,
// otherwise derived from the origin. Empty result means the relay stays
// permanently disconnected.
func (c *Config) RelayEndpoint() string {
	if c.RelayURL != "" {
		return c.RelayURL
	}
	return DeriveRelayURL(c.Origin)
}

// DeriveRelayURL maps an HTTP(S) origin to its signaling socket URL:
// a secure page gets a secure socket scheme.
func DeriveRelayURL(origin string) string {
	if origin == "" {
		return ""
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return ""
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return ""
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// ICEServerURLs returns the STUN URLs plus TURN variants when a TURN
// server is configured.
func (c *Config) ICEServerURLs() ([]string, []string) {
	var turn []string
	if c.TURNServer != "" {
		turn = []string{
			fmt.Sprintf("turn:%s:3478?transport=udp", c.TURNServer),
			fmt.Sprintf("turn:%s:3478?transport=tcp", c.TURNServer),
		}
	}
	return c.STUNServers, turn
}
