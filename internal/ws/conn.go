package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskhub/api/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Conn pairs one websocket with its outbound queue. The read loop is the only
// goroutine parsing client frames, which gives each connection's publishes a
// stable order; the write loop is the only goroutine touching the socket for
// writes.
type Conn struct {
	id        string
	identity  presence.Identity
	ws        *websocket.Conn
	send      chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, identity presence.Identity, socket *websocket.Conn) *Conn {
	return &Conn{
		id:       id,
		identity: identity,
		ws:       socket,
		send:     make(chan ServerMessage, sendBuffer),
		done:     make(chan struct{}),
	}
}

// enqueue never blocks: when the buffer is full the message is dropped and
// the client self-heals via its periodic edit-status re-fetch.
func (c *Conn) enqueue(msg ServerMessage) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Conn) readLoop(m *Manager, pongWait time.Duration) {
	defer m.disconnect(c)

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		m.handle(c, msg)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
