package identity

import (
	"strings"
	"testing"
)

func TestStatic(t *testing.T) {
	if got := Static("alice").ParticipantID(); got != "alice" {
		t.Errorf("id = %s", got)
	}
}

func TestGuestIDs(t *testing.T) {
	a := Guest().ParticipantID()
	b := Guest().ParticipantID()

	if !strings.HasPrefix(a, "guest-") {
		t.Errorf("guest id = %s", a)
	}
	if a == b {
		t.Error("two guests share an id")
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve(Static("bob")); got != "bob" {
		t.Errorf("resolved id = %s", got)
	}
	if got := Resolve(nil); !strings.HasPrefix(got, "guest-") {
		t.Errorf("nil provider resolved to %s", got)
	}
}
