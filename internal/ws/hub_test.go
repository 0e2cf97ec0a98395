package ws

import (
	"testing"

	"taskhub/api/internal/presence"
)

func TestSendDropsWhenBufferFull(t *testing.T) {
	hub := NewHub()
	conn := newConn("conn-1", presence.Identity{UserID: "u-1"}, nil)
	hub.register(conn)

	for i := 0; i < sendBuffer+10; i++ {
		hub.Send("conn-1", ServerMessage{Type: msgEvent})
	}
	if got := len(conn.send); got != sendBuffer {
		t.Fatalf("queued = %d, want %d (overflow dropped)", got, sendBuffer)
	}
}

func TestSendToUnknownConnIsNoop(t *testing.T) {
	hub := NewHub()
	hub.Send("conn-missing", ServerMessage{Type: msgEvent})

	conn := newConn("conn-1", presence.Identity{UserID: "u-1"}, nil)
	hub.register(conn)
	hub.unregister("conn-1")
	hub.Send("conn-1", ServerMessage{Type: msgEvent})
	if len(conn.send) != 0 {
		t.Fatal("unregistered connection should not receive messages")
	}
}
