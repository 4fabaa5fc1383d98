// Package identity resolves the stable participant identifier used as the
// presence key and the signaling sender id. A real deployment injects the
// id from the platform session; everything else gets a guest id.
package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// Provider supplies the participant identifier for one client.
type Provider interface {
	ParticipantID() string
}

// Static is a fixed participant id, typically the platform session's
// user id.
type Static string

func (s Static) ParticipantID() string { return string(s) }

// Guest synthesizes a random guest identity. Each call returns a new id.
func Guest() Static {
	return Static(fmt.Sprintf("guest-%s", uuid.NewString()[:8]))
}

// Resolve returns the provider's id, falling back to a fresh guest id
// when no provider is present.
func Resolve(p Provider) string {
	if p == nil {
		return Guest().ParticipantID()
	}
	return p.ParticipantID()
}
