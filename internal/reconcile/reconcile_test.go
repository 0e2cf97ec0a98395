package reconcile

import (
	"testing"
	"time"

	"taskhub/api/internal/occ"
	"taskhub/api/internal/presence"
	"taskhub/api/internal/store"
)

func editEvent(eventType presence.EventType, resourceID, userID string) *presence.Event {
	return &presence.Event{
		Type:       eventType,
		ResourceID: resourceID,
		UserID:     userID,
		UserName:   "User " + userID,
		Timestamp:  time.Now(),
	}
}

func TestSnapshotThenEvents(t *testing.T) {
	tr := NewTracker("u-self")
	tr.Track("item-1")
	tr.ApplySnapshot("item-1", presence.EditStatus{})

	if state, _ := tr.State("item-1"); state != StateIdle {
		t.Fatalf("state = %s, want idle", state)
	}

	tr.ApplyEvent(editEvent(presence.EventEditStarted, "item-1", "u-other"))
	state, editor := tr.State("item-1")
	if state != StateEditingByOther || editor == nil || editor.UserID != "u-other" {
		t.Fatalf("state = %s editor = %+v, want editing_by_other u-other", state, editor)
	}

	tr.ApplyEvent(editEvent(presence.EventEditEnded, "item-1", "u-other"))
	if state, _ := tr.State("item-1"); state != StateIdle {
		t.Fatalf("state = %s, want idle after edit_ended", state)
	}
}

func TestSelfEventsReadAsEditingBySelf(t *testing.T) {
	tr := NewTracker("u-self")
	tr.Track("task-1")
	tr.ApplySnapshot("task-1", presence.EditStatus{})

	tr.ApplyEvent(editEvent(presence.EventEditStarted, "task-1", "u-self"))
	if state, _ := tr.State("task-1"); state != StateEditingBySelf {
		t.Fatalf("state = %s, want editing_by_self", state)
	}
}

func TestEventsBufferedUntilSnapshot(t *testing.T) {
	tr := NewTracker("u-self")
	tr.Track("item-1")

	// The stream starts delivering before the fetch resolves.
	tr.ApplyEvent(editEvent(presence.EventEditStarted, "item-1", "u-a"))
	tr.ApplyEvent(editEvent(presence.EventEditEnded, "item-1", "u-a"))
	tr.ApplyEvent(editEvent(presence.EventEditStarted, "item-1", "u-b"))

	if state, _ := tr.State("item-1"); state != StateIdle {
		t.Fatalf("state = %s before snapshot, want idle", state)
	}

	// Stale snapshot: it predates all three buffered events.
	tr.ApplySnapshot("item-1", presence.EditStatus{})
	state, editor := tr.State("item-1")
	if state != StateEditingByOther || editor.UserID != "u-b" {
		t.Fatalf("state = %s editor = %+v, want u-b editing after replay", state, editor)
	}
}

func TestSnapshotAndFirstEventDescribeSameTransition(t *testing.T) {
	tr := NewTracker("u-self")
	tr.Track("item-1")

	tr.ApplyEvent(editEvent(presence.EventEditStarted, "item-1", "u-other"))
	tr.ApplySnapshot("item-1", presence.EditStatus{
		IsEditing: true,
		Editor:    &presence.Editor{UserID: "u-other", DisplayName: "Other"},
	})

	state, editor := tr.State("item-1")
	if state != StateEditingByOther || editor.UserID != "u-other" {
		t.Fatalf("state = %s editor = %+v, double apply should be harmless", state, editor)
	}
}

func TestEventsForOtherResourcesIgnored(t *testing.T) {
	tr := NewTracker("u-self")
	tr.Track("item-1")
	tr.ApplySnapshot("item-1", presence.EditStatus{})

	tr.ApplyEvent(editEvent(presence.EventEditStarted, "item-2", "u-other"))
	if state, _ := tr.State("item-1"); state != StateIdle {
		t.Fatalf("state = %s, event for item-2 must not leak into item-1", state)
	}
	if state, _ := tr.State("item-2"); state != StateIdle {
		t.Fatalf("state = %s, untracked resource must read idle", state)
	}
}

func TestPresenceEventsDoNotChangeEditState(t *testing.T) {
	tr := NewTracker("u-self")
	tr.Track("ws-1")
	tr.ApplySnapshot("ws-1", presence.EditStatus{
		IsEditing: true,
		Editor:    &presence.Editor{UserID: "u-other", DisplayName: "Other"},
	})

	tr.ApplyEvent(editEvent(presence.EventLeft, "ws-1", "u-other"))
	if state, _ := tr.State("ws-1"); state != StateEditingByOther {
		t.Fatal("joined/left events must not touch edit status")
	}
}

func TestDisconnectResetsEverything(t *testing.T) {
	tr := NewTracker("u-self")
	tr.Track("item-1")
	tr.Track("item-2")
	tr.ApplySnapshot("item-1", presence.EditStatus{
		IsEditing: true,
		Editor:    &presence.Editor{UserID: "u-other", DisplayName: "Other"},
	})
	tr.ApplySnapshot("item-2", presence.EditStatus{})

	tr.Disconnect()

	for _, id := range []string{"item-1", "item-2"} {
		if state, editor := tr.State(id); state != StateIdle || editor != nil {
			t.Fatalf("%s: state = %s editor = %+v after disconnect, want idle", id, state, editor)
		}
	}

	// Trust is not restored until a fresh snapshot: post-disconnect events
	// buffer instead of applying.
	tr.ApplyEvent(editEvent(presence.EventEditStarted, "item-1", "u-other"))
	if state, _ := tr.State("item-1"); state != StateIdle {
		t.Fatal("events before re-fetch must not apply")
	}
	tr.ApplySnapshot("item-1", presence.EditStatus{})
	if state, _ := tr.State("item-1"); state != StateEditingByOther {
		t.Fatal("buffered event should replay after the re-fetch")
	}
}

func TestPromptForVersionConflict(t *testing.T) {
	conflict := &occ.Conflict{
		Identity: occ.Identity{Kind: occ.KindTask, ID: "task-1"},
		Latest:   &occ.Latest{Task: &store.Task{ID: "task-1", Title: "Fresh", Version: 7}},
	}

	prompt := PromptFor(conflict)
	if prompt.Deleted {
		t.Fatal("plain version conflict must not read as deleted")
	}
	if prompt.OverwriteVersion != 7 {
		t.Fatalf("OverwriteVersion = %d, want 7", prompt.OverwriteVersion)
	}
	if prompt.Latest.Task.Title != "Fresh" {
		t.Fatal("prompt must carry the fresh snapshot for merging")
	}
}

func TestPromptForConcurrentDelete(t *testing.T) {
	conflict := &occ.Conflict{
		Identity: occ.Identity{Kind: occ.KindItem, ID: "item-9"},
		Deleted:  true,
	}

	prompt := PromptFor(conflict)
	if !prompt.Deleted || prompt.Latest != nil || prompt.OverwriteVersion != 0 {
		t.Fatalf("prompt = %+v, want deleted with no snapshot", prompt)
	}
}
