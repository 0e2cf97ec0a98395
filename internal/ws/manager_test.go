package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"taskhub/api/internal/presence"
)

func newTestServer(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()
	registry := presence.NewRegistry(presence.PrecedenceLast)
	manager := NewManager(NewHub(), registry, Options{
		EditorReapTimeout: 90 * time.Second,
		HeartbeatTTL:      5 * time.Second,
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		manager.ServeConn(w, r, presence.Identity{UserID: "u-" + user, DisplayName: user})
	}))
	t.Cleanup(server.Close)
	return manager, server
}

func dial(t *testing.T, server *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	var welcome ServerMessage
	if err := conn.ReadJSON(&welcome); err != nil || welcome.Type != msgWelcome {
		t.Fatalf("welcome = %+v, err = %v", welcome, err)
	}
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) ServerMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read (waiting for %s): %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestEditStartFansOutToSubscribers(t *testing.T) {
	_, server := newTestServer(t)
	editor := dial(t, server, "alice")
	watcher := dial(t, server, "bob")

	send(t, watcher, ClientMessage{Type: msgSubscribe, ResourceID: "item-12"})
	readUntil(t, watcher, msgAck)

	send(t, editor, ClientMessage{Type: msgEditStart, ResourceID: "item-12"})

	msg := readUntil(t, watcher, msgEvent)
	if msg.Event == nil || msg.Event.Type != presence.EventEditStarted || msg.Event.UserID != "u-alice" {
		t.Fatalf("event = %+v, want edit_started by u-alice", msg.Event)
	}
}

func TestEventsArriveInPublishOrder(t *testing.T) {
	_, server := newTestServer(t)
	editor := dial(t, server, "alice")
	watcher := dial(t, server, "bob")

	send(t, watcher, ClientMessage{Type: msgSubscribe, ResourceID: "task-7"})
	readUntil(t, watcher, msgAck)

	const rounds = 5
	for i := 0; i < rounds; i++ {
		send(t, editor, ClientMessage{Type: msgEditStart, ResourceID: "task-7"})
		send(t, editor, ClientMessage{Type: msgEditEnd, ResourceID: "task-7"})
	}

	want := []presence.EventType{presence.EventEditStarted, presence.EventEditEnded}
	for i := 0; i < rounds*2; i++ {
		msg := readUntil(t, watcher, msgEvent)
		if msg.Event.Type != want[i%2] {
			t.Fatalf("event %d = %s, want %s", i, msg.Event.Type, want[i%2])
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	_, server := newTestServer(t)
	editor := dial(t, server, "alice")
	watcher := dial(t, server, "bob")

	send(t, watcher, ClientMessage{Type: msgSubscribe, ResourceID: "item-12"})
	readUntil(t, watcher, msgAck)
	send(t, watcher, ClientMessage{Type: msgUnsubscribe, ResourceID: "item-12"})
	readUntil(t, watcher, msgAck)

	send(t, editor, ClientMessage{Type: msgEditStart, ResourceID: "item-12"})
	// An edit-status probe is answered in-order after any stray event would
	// have been delivered.
	send(t, watcher, ClientMessage{Type: msgGetEditStatus, ResourceID: "item-12"})

	deadline := time.Now().Add(3 * time.Second)
	_ = watcher.SetReadDeadline(deadline)
	for {
		var msg ServerMessage
		if err := watcher.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == msgEvent {
			t.Fatalf("received event after unsubscribe: %+v", msg.Event)
		}
		if msg.Type == msgEditStatus {
			if !msg.Status.IsEditing {
				t.Fatal("authoritative edit status should still report the editor")
			}
			return
		}
	}
}

func TestDisconnectPublishesSyntheticEditEnded(t *testing.T) {
	_, server := newTestServer(t)
	editor := dial(t, server, "alice")
	watcher := dial(t, server, "bob")

	send(t, watcher, ClientMessage{Type: msgSubscribe, ResourceID: "item-12"})
	readUntil(t, watcher, msgAck)

	send(t, editor, ClientMessage{Type: msgEditStart, ResourceID: "item-12"})
	started := readUntil(t, watcher, msgEvent)
	if started.Event.Type != presence.EventEditStarted {
		t.Fatalf("event = %s, want edit_started", started.Event.Type)
	}

	// Drop the editor without an edit_end.
	_ = editor.Close()

	ended := readUntil(t, watcher, msgEvent)
	if ended.Event.Type != presence.EventEditEnded || ended.Event.ResourceID != "item-12" {
		t.Fatalf("event = %+v, want synthetic edit_ended for item-12", ended.Event)
	}
}

func TestWorkspaceRosterLifecycle(t *testing.T) {
	manager, server := newTestServer(t)
	first := dial(t, server, "alice")
	second := dial(t, server, "bob")

	send(t, second, ClientMessage{Type: msgSubscribe, ResourceID: "ws-1"})
	readUntil(t, second, msgAck)
	send(t, second, ClientMessage{Type: msgJoinWorkspace, WorkspaceID: "ws-1"})
	readUntil(t, second, msgRoster)

	send(t, first, ClientMessage{Type: msgJoinWorkspace, WorkspaceID: "ws-1"})
	roster := readUntil(t, first, msgRoster)
	if len(roster.Roster) != 2 {
		t.Fatalf("roster = %+v, want 2 members", roster.Roster)
	}

	joined := readUntil(t, second, msgEvent)
	if joined.Event.Type != presence.EventJoined || joined.Event.UserID != "u-alice" {
		t.Fatalf("event = %+v, want alice joined", joined.Event)
	}

	_ = first.Close()
	left := readUntil(t, second, msgEvent)
	if left.Event.Type != presence.EventLeft || left.Event.UserID != "u-alice" {
		t.Fatalf("event = %+v, want alice left", left.Event)
	}

	waitFor(t, func() bool { return len(manager.Registry().Roster("ws-1")) == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
