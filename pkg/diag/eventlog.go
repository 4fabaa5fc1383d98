// Package diag keeps a small in-memory log of recent subsystem events for
// the diagnostics panel. Entries are never persisted; the log is dropped
// with its owner.
package diag

import (
	"sync"
	"time"
)

const defaultLimit = 50

// Entry is one recorded event.
type Entry struct {
	At    time.Time      `json:"at"`
	Type  string         `json:"type"`
	Event string         `json:"event"`
	Info  map[string]any `json:"info,omitempty"`
}

// EventLog is a bounded, append-only event log. Snapshots are returned
// most-recent-first. Safe for concurrent use.
type EventLog struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
}

// NewEventLog creates a log bounded to limit entries; limit <= 0 uses the
// default.
func NewEventLog(limit int) *EventLog {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &EventLog{limit: limit}
}

// Record appends an event, evicting the oldest entry when full.
func (l *EventLog) Record(typ, event string, info map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, Entry{
		At:    time.Now(),
		Type:  typ,
		Event: event,
		Info:  info,
	})
	if len(l.entries) > l.limit {
		l.entries = l.entries[len(l.entries)-l.limit:]
	}
}

// Entries returns a most-recent-first snapshot.
func (l *EventLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

// Len reports the current number of retained entries.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
