package ws

import "sync"

// Hub maps connection ids to live connections so publishers can address them
// without holding a reference. Membership (who watches what) lives in the
// presence registry; the hub only delivers.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connID)
}

// Send enqueues a message for one connection. Delivery is best effort: a slow
// consumer's full buffer drops the message rather than blocking the caller.
func (h *Hub) Send(connID string, msg ServerMessage) {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c != nil {
		c.enqueue(msg)
	}
}
