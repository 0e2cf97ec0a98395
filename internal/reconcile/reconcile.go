// Package reconcile derives a per-resource edit-status view from two sources
// that race: an initial authoritative fetch and the advisory event stream.
// The view is advisory only. Write safety always comes from version checking.
package reconcile

import (
	"sync"

	"taskhub/api/internal/presence"
)

// State is the derived advisory view for one resource.
type State string

const (
	StateIdle           State = "idle"
	StateEditingBySelf  State = "editing_by_self"
	StateEditingByOther State = "editing_by_other"
)

// maxPending bounds the per-resource event buffer while the initial fetch is
// in flight. Overflow drops the oldest entries; last-event-wins makes the
// newest the only one that matters.
const maxPending = 64

type resourceState struct {
	fetched bool
	state   State
	editor  *presence.Editor
	pending []*presence.Event
}

// Tracker maintains the advisory view for every resource the user is
// currently looking at. Safe for concurrent use: the event stream and the
// fetch response typically arrive on different goroutines.
type Tracker struct {
	selfUserID string

	mu        sync.Mutex
	resources map[string]*resourceState
}

func NewTracker(selfUserID string) *Tracker {
	return &Tracker{
		selfUserID: selfUserID,
		resources:  make(map[string]*resourceState),
	}
}

// Track starts following a resource. Events received from now on are
// buffered until ApplySnapshot delivers the authoritative baseline.
func (t *Tracker) Track(resourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.resources[resourceID]; !ok {
		t.resources[resourceID] = &resourceState{state: StateIdle}
	}
}

// Untrack stops following a resource and discards its state.
func (t *Tracker) Untrack(resourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.resources, resourceID)
}

// ApplySnapshot installs the fetched authoritative status, then replays any
// events that arrived while the fetch was in flight. Replayed events win over
// the snapshot: they are newer, even when the snapshot and the first event
// describe the same transition.
func (t *Tracker) ApplySnapshot(resourceID string, status presence.EditStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs, ok := t.resources[resourceID]
	if !ok {
		return
	}
	rs.fetched = true
	if status.IsEditing && status.Editor != nil {
		rs.state = t.stateFor(status.Editor.UserID)
		rs.editor = status.Editor
	} else {
		rs.state = StateIdle
		rs.editor = nil
	}

	for _, event := range rs.pending {
		t.applyLocked(rs, event)
	}
	rs.pending = nil
}

// ApplyEvent feeds one streamed advisory event into the machine. Events for
// resources not being tracked, and event types that do not change edit
// status, are ignored.
func (t *Tracker) ApplyEvent(event *presence.Event) {
	if event == nil {
		return
	}
	if event.Type != presence.EventEditStarted && event.Type != presence.EventEditEnded {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rs, ok := t.resources[event.ResourceID]
	if !ok {
		return
	}
	if !rs.fetched {
		if len(rs.pending) == maxPending {
			rs.pending = rs.pending[1:]
		}
		rs.pending = append(rs.pending, event)
		return
	}
	t.applyLocked(rs, event)
}

func (t *Tracker) applyLocked(rs *resourceState, event *presence.Event) {
	switch event.Type {
	case presence.EventEditStarted:
		rs.state = t.stateFor(event.UserID)
		rs.editor = &presence.Editor{UserID: event.UserID, DisplayName: event.UserName}
	case presence.EventEditEnded:
		rs.state = StateIdle
		rs.editor = nil
	}
}

func (t *Tracker) stateFor(userID string) State {
	if userID == t.selfUserID {
		return StateEditingBySelf
	}
	return StateEditingByOther
}

// State reports the current view for a resource. Untracked resources read as
// idle.
func (t *Tracker) State(resourceID string) (State, *presence.Editor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.resources[resourceID]
	if !ok {
		return StateIdle, nil
	}
	return rs.state, rs.editor
}

// Disconnect resets every tracked resource to idle and back to the
// pre-fetch phase. After the transport drops, the stream can no longer be
// trusted; the caller must re-subscribe and re-fetch each snapshot.
func (t *Tracker) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rs := range t.resources {
		rs.fetched = false
		rs.state = StateIdle
		rs.editor = nil
		rs.pending = nil
	}
}
