package realtime

import (
	"testing"
	"time"
)

func TestFlattenPresenceOneRowPerEntry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	state := map[string][]PresenceMeta{
		"bob": {
			{UserID: "bob", JoinedAt: "2026-03-01T11:00:00Z"},
		},
		"alice": {
			{UserID: "alice", JoinedAt: "2026-03-01T10:00:00Z"},
			{UserID: "alice", JoinedAt: "2026-03-01T10:05:00Z"},
		},
	}

	list := flattenPresence(state, now)

	if len(list) != 3 {
		t.Fatalf("got %d participants, want 3", len(list))
	}

	// Keys are iterated sorted, so alice's two entries come first.
	if list[0].UserID != "alice" || list[1].UserID != "alice" || list[2].UserID != "bob" {
		t.Errorf("unexpected order: %v", list)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !list[0].JoinedAt.Equal(want) {
		t.Errorf("joined at = %v, want %v", list[0].JoinedAt, want)
	}
}

func TestFlattenPresenceBadTimestampFallsBackToNow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	state := map[string][]PresenceMeta{
		"alice": {
			{UserID: "alice", JoinedAt: "not-a-timestamp"},
			{UserID: "alice"},
		},
	}

	list := flattenPresence(state, now)
	if len(list) != 2 {
		t.Fatalf("got %d participants, want 2", len(list))
	}
	for i, p := range list {
		if !p.JoinedAt.Equal(now) {
			t.Errorf("entry %d joined at = %v, want now", i, p.JoinedAt)
		}
	}
}

func TestFlattenPresenceEmpty(t *testing.T) {
	list := flattenPresence(nil, time.Now())
	if list == nil {
		t.Fatal("list is nil, want empty slice")
	}
	if len(list) != 0 {
		t.Fatalf("got %d participants, want 0", len(list))
	}
}

func TestRoomTopic(t *testing.T) {
	if got := RoomTopic("math-101"); got != "room:math-101" {
		t.Errorf("RoomTopic = %q", got)
	}
}
