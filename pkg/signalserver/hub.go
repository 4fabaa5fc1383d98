// Package signalserver is a development signaling relay: it accepts
// WebSocket clients, groups them by room id, and rebroadcasts signaling
// messages to the other members of the room (or to one member when the
// message is targeted). It backs local development and the integration
// tests; production deployments point the relay client at a hosted
// endpoint instead.
package signalserver

import (
	"log/slog"

	"github.com/classmesh/classroom-rtc/pkg/relay"
)

// Hub owns all room and client state. A single goroutine (Run) processes
// every mutation, so no locks are needed.
type Hub struct {
	logger *slog.Logger

	rooms map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	forward    chan *inbound

	done chan struct{}
}

type inbound struct {
	client *Client
	msg    *relay.Message
}

// NewHub creates a hub; call Run in its own goroutine.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		forward:    make(chan *inbound),
		done:       make(chan struct{}),
	}
}

// Run processes hub traffic until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.logger.Debug("client registered", "addr", client.conn.RemoteAddr().String())

		case client := <-h.unregister:
			h.drop(client)

		case in := <-h.forward:
			h.route(in.client, in.msg)
		}
	}
}

// Stop terminates the Run loop.
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) route(client *Client, msg *relay.Message) {
	if msg.RoomID == "" {
		h.logger.Warn("dropping message without room id", "type", msg.Type)
		return
	}

	if msg.Type == relay.TypeJoin {
		h.join(client, msg)
		// fall through: the join announcement itself is also relayed
	}

	members, ok := h.rooms[msg.RoomID]
	if !ok {
		return
	}

	for member := range members {
		if member == client {
			continue
		}
		if msg.To != "" && member.participantID != msg.To {
			continue
		}
		member.deliver(msg)
	}
}

func (h *Hub) join(client *Client, msg *relay.Message) {
	// A client belongs to at most one room; a second join moves it.
	if client.roomID != "" && client.roomID != msg.RoomID {
		h.leaveRoom(client)
	}

	client.roomID = msg.RoomID
	client.participantID = msg.From

	members, ok := h.rooms[msg.RoomID]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[msg.RoomID] = members
	}
	members[client] = true

	h.logger.Info("participant joined room", "room", msg.RoomID, "participant", msg.From, "members", len(members))
}

func (h *Hub) drop(client *Client) {
	h.leaveRoom(client)
	close(client.send)
}

// leaveRoom removes the client and announces a leave on its behalf so
// peers notice dropped connections, not just explicit leaves.
func (h *Hub) leaveRoom(client *Client) {
	members, ok := h.rooms[client.roomID]
	if !ok {
		return
	}
	if !members[client] {
		return
	}
	delete(members, client)

	if len(members) == 0 {
		delete(h.rooms, client.roomID)
		h.logger.Info("room deleted", "room", client.roomID)
	} else if client.participantID != "" {
		leave := &relay.Message{
			Type:   relay.TypeLeave,
			RoomID: client.roomID,
			From:   client.participantID,
		}
		for member := range members {
			member.deliver(leave)
		}
	}

	h.logger.Info("participant left room", "room", client.roomID, "participant", client.participantID)
}
