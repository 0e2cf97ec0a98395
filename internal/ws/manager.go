package ws

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"taskhub/api/internal/presence"
	"taskhub/api/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers enforce same-origin for the HTTP API via CORS; the socket
	// carries a bearer token instead, so the origin check stays permissive.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options tune the advisory layer's liveness behavior. Both windows are
// policy, not protocol: deployments pick the staleness they tolerate.
type Options struct {
	// EditorReapTimeout bounds how long a dead connection can keep an
	// advisory editor record alive.
	EditorReapTimeout time.Duration
	// HeartbeatTTL is the read deadline: a connection silent for longer
	// (no frames, no pongs) is treated as gone.
	HeartbeatTTL time.Duration
}

// Manager is the connection session manager: it binds authenticated
// identities to live connections, routes the socket RPC to the presence
// registry, fans events out to subscribers, and guarantees cleanup when a
// connection drops.
type Manager struct {
	hub      *Hub
	registry *presence.Registry
	opts     Options
}

func NewManager(hub *Hub, registry *presence.Registry, opts Options) *Manager {
	if opts.EditorReapTimeout <= 0 {
		opts.EditorReapTimeout = 90 * time.Second
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = 60 * time.Second
	}
	return &Manager{hub: hub, registry: registry, opts: opts}
}

// ServeConn upgrades the request and runs the connection until it drops. The
// caller has already authenticated the identity.
func (m *Manager) ServeConn(w http.ResponseWriter, r *http.Request, identity presence.Identity) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed (user=%s): %v", identity.UserID, err)
		return
	}

	conn := newConn(util.NewID("conn"), identity, socket)
	m.hub.register(conn)
	m.registry.Connect(conn.id, identity)

	go conn.writeLoop()
	conn.enqueue(ServerMessage{Type: msgWelcome})
	conn.readLoop(m, m.opts.HeartbeatTTL)
}

// Publish fans an event out to every connection subscribed to the resource
// at publish time. Fire and forget: slow subscribers drop, late subscribers
// never see it.
func (m *Manager) Publish(resourceID string, event *presence.Event) {
	if event == nil {
		return
	}
	msg := ServerMessage{Type: msgEvent, ResourceID: resourceID, Event: event}
	for _, connID := range m.registry.Subscribers(resourceID) {
		m.hub.Send(connID, msg)
	}
}

func (m *Manager) handle(c *Conn, msg ClientMessage) {
	switch msg.Type {
	case msgSubscribe:
		if msg.ResourceID == "" {
			c.enqueue(ServerMessage{Type: msgError, Error: "resourceId required"})
			return
		}
		m.registry.Subscribe(c.id, msg.ResourceID)
		c.enqueue(ServerMessage{Type: msgAck, ResourceID: msg.ResourceID})

	case msgUnsubscribe:
		m.registry.Unsubscribe(c.id, msg.ResourceID)
		c.enqueue(ServerMessage{Type: msgAck, ResourceID: msg.ResourceID})

	case msgJoinWorkspace:
		if msg.WorkspaceID == "" {
			c.enqueue(ServerMessage{Type: msgError, Error: "workspaceId required"})
			return
		}
		event := m.registry.JoinWorkspace(c.id, msg.WorkspaceID)
		m.Publish(msg.WorkspaceID, event)
		c.enqueue(ServerMessage{Type: msgRoster, WorkspaceID: msg.WorkspaceID, Roster: m.registry.Roster(msg.WorkspaceID)})

	case msgLeaveWorkspace:
		event := m.registry.LeaveWorkspace(c.id, msg.WorkspaceID)
		m.Publish(msg.WorkspaceID, event)
		c.enqueue(ServerMessage{Type: msgAck, WorkspaceID: msg.WorkspaceID})

	case msgEditStart:
		if msg.ResourceID == "" {
			c.enqueue(ServerMessage{Type: msgError, Error: "resourceId required"})
			return
		}
		m.Publish(msg.ResourceID, m.registry.StartEdit(c.id, msg.ResourceID))

	case msgEditEnd:
		m.Publish(msg.ResourceID, m.registry.EndEdit(c.id, msg.ResourceID))

	case msgHeartbeat:
		m.registry.Heartbeat(c.id)
		c.enqueue(ServerMessage{Type: msgAck})

	case msgGetEditStatus:
		status := m.registry.EditStatus(msg.ResourceID)
		c.enqueue(ServerMessage{Type: msgEditStatus, ResourceID: msg.ResourceID, Status: &status})

	default:
		c.enqueue(ServerMessage{Type: msgError, Error: "unknown message type"})
	}
}

// disconnect runs exactly once per connection: it clears presence state and
// publishes the synthetic events other subscribers need to converge.
func (m *Manager) disconnect(c *Conn) {
	c.closeOnce.Do(func() { m.teardown(c) })
}

func (m *Manager) teardown(c *Conn) {
	events := m.registry.Disconnect(c.id)
	m.hub.unregister(c.id)
	close(c.done)

	for _, event := range events {
		target := event.ResourceID
		if event.WorkspaceID != "" {
			target = event.WorkspaceID
		}
		m.Publish(target, event)
	}
}

// RunReaper periodically clears advisory editor records whose connections
// went silent without disconnecting, publishing synthetic edit_ended events.
// Blocks until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, event := range m.registry.ReapStale(m.opts.EditorReapTimeout) {
				m.Publish(event.ResourceID, event)
			}
		}
	}
}

// Registry exposes the presence registry for read-side HTTP endpoints
// (authoritative edit-status snapshots and workspace rosters).
func (m *Manager) Registry() *presence.Registry {
	return m.registry
}
