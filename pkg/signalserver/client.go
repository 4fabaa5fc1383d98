package signalserver

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/classmesh/classroom-rtc/pkg/relay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP bodies fit comfortably.
	maxMessageSize = 64 * 1024
)

// Client wraps a single websocket connection to the signaling server.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	roomID        string
	participantID string

	send chan *relay.Message
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan *relay.Message, 32),
	}
}

// deliver queues a message for the client, dropping it when the client's
// writer is saturated; the relay contract is best effort.
func (c *Client) deliver(msg *relay.Message) {
	select {
	case c.send <- msg:
	default:
		c.hub.logger.Warn("dropping message for slow client", "room", c.roomID, "participant", c.participantID)
	}
}

// readPump pumps messages from the websocket connection to the hub. It
// is the connection's only reader.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg relay.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("client read error", "error", err)
			}
			return
		}

		c.hub.forward <- &inbound{client: c, msg: &msg}
	}
}

// writePump pumps messages from the hub to the websocket connection and
// sends periodic pings. It is the connection's only writer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
