// Package presence tracks who is connected, what they watch, and what they
// claim to be editing. All state lives in memory and is rebuilt from the set
// of live connections; nothing here is a source of truth for authorization or
// data integrity.
package presence

import (
	"sync"
	"time"
)

// Precedence decides which connection owns the advisory editor slot when two
// declare an edit on the same resource.
type Precedence string

const (
	// PrecedenceLast lets a newer edit_start replace the declared editor.
	PrecedenceLast Precedence = "last"
	// PrecedenceFirst keeps the declared editor until edit_end or reap.
	PrecedenceFirst Precedence = "first"
)

func NormalizePrecedence(value string) Precedence {
	if Precedence(value) == PrecedenceFirst {
		return PrecedenceFirst
	}
	return PrecedenceLast
}

type editorRecord struct {
	connID   string
	identity Identity
	since    time.Time
	lastSeen time.Time
}

type rosterEntry struct {
	identity Identity
	conns    map[string]struct{}
}

// Registry is the in-memory presence store. One instance is owned by the
// connection session manager; every method is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	precedence Precedence

	conns          map[string]Identity            // connID -> identity
	subsByConn     map[string]map[string]struct{} // connID -> resourceIDs
	subsByResource map[string]map[string]struct{} // resourceID -> connIDs
	editors        map[string]*editorRecord       // resourceID -> declared editor
	rosters        map[string]map[string]*rosterEntry // workspaceID -> userID -> entry
	connWorkspaces map[string]map[string]struct{} // connID -> workspaceIDs

	now func() time.Time
}

func NewRegistry(precedence Precedence) *Registry {
	return &Registry{
		precedence:     precedence,
		conns:          make(map[string]Identity),
		subsByConn:     make(map[string]map[string]struct{}),
		subsByResource: make(map[string]map[string]struct{}),
		editors:        make(map[string]*editorRecord),
		rosters:        make(map[string]map[string]*rosterEntry),
		connWorkspaces: make(map[string]map[string]struct{}),
		now:            time.Now,
	}
}

// Connect registers a live connection for an identity. Reconnecting under a
// new connection id starts from a clean slate: old subscriptions are not
// resumed.
func (r *Registry) Connect(connID string, identity Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = identity
	r.subsByConn[connID] = make(map[string]struct{})
	r.connWorkspaces[connID] = make(map[string]struct{})
}

// Subscribe adds the connection to a resource's fan-out set. Events published
// before the subscription are never replayed.
func (r *Registry) Subscribe(connID, resourceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return false
	}
	r.subsByConn[connID][resourceID] = struct{}{}
	if r.subsByResource[resourceID] == nil {
		r.subsByResource[resourceID] = make(map[string]struct{})
	}
	r.subsByResource[resourceID][connID] = struct{}{}
	return true
}

// Unsubscribe is effective immediately: publishes that start after it returns
// will not include the connection.
func (r *Registry) Unsubscribe(connID, resourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeSubscription(connID, resourceID)
}

func (r *Registry) removeSubscription(connID, resourceID string) {
	if subs, ok := r.subsByConn[connID]; ok {
		delete(subs, resourceID)
	}
	if conns, ok := r.subsByResource[resourceID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.subsByResource, resourceID)
		}
	}
}

// Subscribers snapshots the fan-out set for a resource at publish time.
func (r *Registry) Subscribers(resourceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.subsByResource[resourceID]
	ids := make([]string, 0, len(conns))
	for connID := range conns {
		ids = append(ids, connID)
	}
	return ids
}

// JoinWorkspace adds the connection to a workspace roster. The returned event
// is non-nil only when this is the identity's first live connection in the
// workspace.
func (r *Registry) JoinWorkspace(connID, workspaceID string) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.conns[connID]
	if !ok {
		return nil
	}
	r.connWorkspaces[connID][workspaceID] = struct{}{}
	roster := r.rosters[workspaceID]
	if roster == nil {
		roster = make(map[string]*rosterEntry)
		r.rosters[workspaceID] = roster
	}
	entry := roster[identity.UserID]
	if entry == nil {
		entry = &rosterEntry{identity: identity, conns: make(map[string]struct{})}
		roster[identity.UserID] = entry
	}
	first := len(entry.conns) == 0
	entry.conns[connID] = struct{}{}
	if !first {
		return nil
	}
	event := r.eventFor(EventJoined, workspaceID, identity)
	event.WorkspaceID = workspaceID
	return event
}

// LeaveWorkspace removes the connection from a roster. The returned event is
// non-nil only when the identity has no remaining connections there.
func (r *Registry) LeaveWorkspace(connID, workspaceID string) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveWorkspace(connID, workspaceID)
}

func (r *Registry) leaveWorkspace(connID, workspaceID string) *Event {
	identity, ok := r.conns[connID]
	if !ok {
		return nil
	}
	delete(r.connWorkspaces[connID], workspaceID)
	roster := r.rosters[workspaceID]
	if roster == nil {
		return nil
	}
	entry := roster[identity.UserID]
	if entry == nil {
		return nil
	}
	delete(entry.conns, connID)
	if len(entry.conns) > 0 {
		return nil
	}
	delete(roster, identity.UserID)
	if len(roster) == 0 {
		delete(r.rosters, workspaceID)
	}
	event := r.eventFor(EventLeft, workspaceID, identity)
	event.WorkspaceID = workspaceID
	return event
}

// Roster lists the identities currently present in a workspace.
func (r *Registry) Roster(workspaceID string) []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roster := r.rosters[workspaceID]
	identities := make([]Identity, 0, len(roster))
	for _, entry := range roster {
		identities = append(identities, entry.identity)
	}
	return identities
}

// StartEdit declares an advisory edit. The event is always returned for
// fan-out (two users may both announce an edit; version checking remains the
// safety net), while the recorded editor follows the configured precedence.
func (r *Registry) StartEdit(connID, resourceID string) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.conns[connID]
	if !ok {
		return nil
	}
	now := r.now()
	current := r.editors[resourceID]
	if current == nil || current.connID == connID || r.precedence == PrecedenceLast {
		r.editors[resourceID] = &editorRecord{connID: connID, identity: identity, since: now, lastSeen: now}
	}
	return r.eventFor(EventEditStarted, resourceID, identity)
}

// EndEdit withdraws an advisory edit. The editor record is cleared only when
// the caller is the declared editor, but the event still fans out so clients
// converge on last-event-wins.
func (r *Registry) EndEdit(connID, resourceID string) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.conns[connID]
	if !ok {
		return nil
	}
	if current := r.editors[resourceID]; current != nil && current.connID == connID {
		delete(r.editors, resourceID)
	}
	return r.eventFor(EventEditEnded, resourceID, identity)
}

// Heartbeat refreshes the liveness of every editor record owned by the
// connection, deferring the reaper.
func (r *Registry) Heartbeat(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, record := range r.editors {
		if record.connID == connID {
			record.lastSeen = now
		}
	}
}

// EditStatus is the authoritative snapshot clients fetch before applying the
// event stream.
func (r *Registry) EditStatus(resourceID string) EditStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record := r.editors[resourceID]
	if record == nil {
		return EditStatus{}
	}
	return EditStatus{
		IsEditing: true,
		Editor:    &Editor{UserID: record.identity.UserID, DisplayName: record.identity.DisplayName},
	}
}

// Disconnect tears down everything the connection owned and returns the
// synthetic events the session manager must publish: edit_ended for every
// resource the connection was editing, then left for every workspace roster
// where the identity has no remaining connections.
func (r *Registry) Disconnect(connID string) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.conns[connID]
	if !ok {
		return nil
	}

	events := make([]*Event, 0)
	for resourceID, record := range r.editors {
		if record.connID != connID {
			continue
		}
		delete(r.editors, resourceID)
		events = append(events, r.eventFor(EventEditEnded, resourceID, identity))
	}

	for resourceID := range r.subsByConn[connID] {
		r.removeSubscription(connID, resourceID)
	}
	delete(r.subsByConn, connID)

	for workspaceID := range r.connWorkspaces[connID] {
		if event := r.leaveWorkspace(connID, workspaceID); event != nil {
			events = append(events, event)
		}
	}
	delete(r.connWorkspaces, connID)
	delete(r.conns, connID)
	return events
}

// ReapStale clears editor records whose connection has been silent longer
// than timeout and returns the synthetic edit_ended events to publish. This
// bounds how long a stale "X is editing" banner can mislead other users when
// a connection dies without a proper close.
func (r *Registry) ReapStale(timeout time.Duration) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-timeout)
	events := make([]*Event, 0)
	for resourceID, record := range r.editors {
		if record.lastSeen.After(cutoff) {
			continue
		}
		delete(r.editors, resourceID)
		events = append(events, r.eventFor(EventEditEnded, resourceID, record.identity))
	}
	return events
}

func (r *Registry) eventFor(eventType EventType, resourceID string, identity Identity) *Event {
	return &Event{
		Type:       eventType,
		ResourceID: resourceID,
		UserID:     identity.UserID,
		UserName:   identity.DisplayName,
		AvatarURL:  identity.AvatarURL,
		Timestamp:  r.now(),
	}
}
