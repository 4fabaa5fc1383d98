package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds the process logger from a level string. Unknown levels fall
// back to info so a typo in LOG_LEVEL never silences the process.
func New(level string) *slog.Logger {
	var l slog.Level

	switch strings.ToLower(level) {
	case "debug", "dev", "development":
		l = slog.LevelDebug
	case "info", "":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error", "prod", "production":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: l,
	}))
}

// Setup installs the logger built by New as the process default.
func Setup(level string) *slog.Logger {
	logger := New(level)
	slog.SetDefault(logger)
	return logger
}
