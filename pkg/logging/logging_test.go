package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestLevelParsing(t *testing.T) {
	cases := []struct {
		level   string
		debugOn bool
		warnOn  bool
	}{
		{"debug", true, true},
		{"dev", true, true},
		{"info", false, true},
		{"", false, true},
		{"warn", false, true},
		{"error", false, false},
		{"prod", false, false},
		{"garbage", false, true},
	}

	for _, c := range cases {
		logger := New(c.level)
		if got := logger.Enabled(context.Background(), slog.LevelDebug); got != c.debugOn {
			t.Errorf("level %q: debug enabled = %v, want %v", c.level, got, c.debugOn)
		}
		if got := logger.Enabled(context.Background(), slog.LevelWarn); got != c.warnOn {
			t.Errorf("level %q: warn enabled = %v, want %v", c.level, got, c.warnOn)
		}
	}
}

func TestSetupInstallsDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger := Setup("warn")
	if slog.Default() != logger {
		t.Error("setup did not install the default logger")
	}
}
