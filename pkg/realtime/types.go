package realtime

import (
	"encoding/json"
	"time"
)

// Subscribe lifecycle statuses delivered by the backend.
const (
	StatusSubscribed   = "SUBSCRIBED"
	StatusChannelError = "CHANNEL_ERROR"
	StatusTimedOut     = "TIMED_OUT"
	StatusClosed       = "CLOSED"
)

// Frame types of the channel protocol. A channel conversation is:
// client sends "subscribe" for a topic, the backend answers with a
// "status" frame, the client publishes its presence with "track", and the
// backend pushes full "presence" snapshots plus any "broadcast" frames
// other clients send on the topic.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameStatus      = "status"
	frameTrack       = "track"
	framePresence    = "presence"
	frameBroadcast   = "broadcast"
)

// frame is the single wire envelope for all channel traffic.
type frame struct {
	Type    string                    `json:"type"`
	Topic   string                    `json:"topic,omitempty"`
	Key     string                    `json:"key,omitempty"`
	Status  string                    `json:"status,omitempty"`
	Meta    *PresenceMeta             `json:"meta,omitempty"`
	State   map[string][]PresenceMeta `json:"state,omitempty"`
	Event   string                    `json:"event,omitempty"`
	Payload json.RawMessage           `json:"payload,omitempty"`
}

// PresenceMeta is one presence metadata record. A presence key maps to a
// list of these, one per connection sharing the key (multiple tabs or
// devices).
type PresenceMeta struct {
	UserID   string `json:"user_id"`
	JoinedAt string `json:"joined_at,omitempty"`
}

// Participant is one row of the derived participant list.
type Participant struct {
	UserID   string
	JoinedAt time.Time
}

// RoomTopic builds the channel topic for a room id.
func RoomTopic(roomID string) string {
	return "room:" + roomID
}
