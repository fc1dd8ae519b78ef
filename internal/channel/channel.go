// Package channel implements the client side of the signaling transport:
// one ordered, bidirectional websocket to the relay.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/confmesh/confmesh/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ErrChannelClosed is returned by Send after Close.
var ErrChannelClosed = errors.New("signaling channel closed")

// Channel manages the websocket connection to the relay. Messages read
// off the socket preserve wire order on the Incoming stream; Send queues
// are flushed in call order by a single writer goroutine.
type Channel struct {
	serverURL string
	conn      *websocket.Conn
	incoming  chan *protocol.Envelope
	outgoing  chan *protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a channel for the given ws:// or wss:// URL.
func New(serverURL string) *Channel {
	return &Channel{
		serverURL: serverURL,
		incoming:  make(chan *protocol.Envelope, 32),
		outgoing:  make(chan *protocol.Envelope, 32),
		done:      make(chan struct{}),
	}
}

// Connect establishes the websocket connection and starts the pumps.
func (c *Channel) Connect(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return nil
}

func (c *Channel) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		select {
		case c.incoming <- &env:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
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

// Send queues one envelope for delivery. The per-channel writer preserves
// send order, which is what gives receivers their per-peer FIFO guarantee.
func (c *Channel) Send(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	case c.outgoing <- env:
		return nil
	}
}

// Incoming returns the ordered stream of messages from the relay. The
// channel is closed when the connection drops.
func (c *Channel) Incoming() <-chan *protocol.Envelope {
	return c.incoming
}

// Close shuts the connection down. Idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
