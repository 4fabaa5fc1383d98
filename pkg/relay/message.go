package relay

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Message types carried over the signaling relay.
const (
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "ice-candidate"
)

// Message is the relay wire format. Messages are JSON-encoded; there is no
// protocol version field and no embedded authentication. The socket
// endpoint authenticates out of band.
type Message struct {
	Type      string                   `json:"type"`
	RoomID    string                   `json:"roomId"`
	From      string                   `json:"from"`
	To        string                   `json:"to,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Marshal serializes the message for transmission.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a relay message from wire bytes.
func Unmarshal(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
