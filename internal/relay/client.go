package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/confmesh/confmesh/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. 64 KB covers SDP bodies
	// with room to spare.
	maxMessageSize = 64 * 1024

	// outboundQueueSize bounds each connection's send queue. A slow
	// reader loses its oldest queued messages rather than blocking the
	// routing path of whoever is sending to it.
	outboundQueueSize = 256
)

// Client wraps a single websocket connection on the relay side. Each
// connection runs its own read and write pumps; all state shared with the
// hub flows through HandleMessage and HandleDisconnect.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	log  *slog.Logger

	send      chan *protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wires a freshly upgraded connection to the hub. The id is the
// connection id assigned at upgrade time; it stays stable for the life of
// the socket.
func NewClient(hub *Hub, conn *websocket.Conn, id string, log *slog.Logger) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		id:   id,
		log:  log.With("conn", id),
		send: make(chan *protocol.Envelope, outboundQueueSize),
		done: make(chan struct{}),
	}
}

// ID returns the connection id the relay assigned to this channel.
func (c *Client) ID() string { return c.id }

// Enqueue places env on the outbound queue without blocking. When the
// queue is full the oldest queued message is discarded to make room.
// Returns false once the connection is shutting down.
func (c *Client) Enqueue(env *protocol.Envelope) bool {
	for {
		select {
		case <-c.done:
			return false
		case c.send <- env:
			return true
		default:
		}
		// Queue full: drop the oldest entry and retry.
		select {
		case <-c.send:
		default:
		}
	}
}

// Close stops the write pump and closes the socket. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The relay runs ReadPump in a per-connection goroutine so there is at
// most one reader on a connection.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.HandleDisconnect(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("read error", "err", err)
			}
			return
		}
		c.hub.HandleMessage(c, &env)
	}
}

// WritePump pumps queued messages to the websocket connection and sends
// periodic pings. One goroutine per connection, the only writer.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Warn("write error", "err", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
