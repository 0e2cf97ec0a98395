// Package occ implements the optimistic mutation gate used on every mutable
// entity. Callers read an entity together with its version token, submit a
// mutation carrying that token, and the gate either commits (returning the new
// token) or rejects with a conflict that carries the fresh server state.
// Conflicts are never retried or merged here; resolution belongs to the
// caller, because merge semantics differ per entity kind.
package occ

import (
	"context"
	"errors"
	"fmt"

	"taskhub/api/internal/store"
)

// Kind enumerates the entity kinds enrolled in optimistic concurrency
// control. The set is closed: enrolling a kind is a code change, never
// inferred from data.
type Kind string

const (
	KindWorkspace Kind = "workspace"
	KindItem      Kind = "item"
	KindTask      Kind = "task"
	KindComment   Kind = "comment"
)

func (k Kind) Valid() bool {
	switch k {
	case KindWorkspace, KindItem, KindTask, KindComment:
		return true
	}
	return false
}

// Identity names exactly one row of an enrolled kind.
type Identity struct {
	Kind Kind
	ID   string
}

func (id Identity) String() string {
	return string(id.Kind) + "/" + id.ID
}

// ErrMissingVersion reports a mutation submitted without an expected version
// for an enrolled kind. This is a programming error on the caller's side and
// fails before any transaction starts.
var ErrMissingVersion = errors.New("expected version required for versioned entity")

// Latest is a closed tagged union of fresh entity snapshots: exactly one
// pointer is set, matching the conflict's kind, and it is shaped exactly like
// an unconflicted read of that entity.
type Latest struct {
	Workspace *store.Workspace
	Item      *store.Item
	Task      *store.Task
	Comment   *store.Comment
}

// Version returns the version token of whichever variant is set.
func (l Latest) Version() int64 {
	switch {
	case l.Workspace != nil:
		return l.Workspace.Version
	case l.Item != nil:
		return l.Item.Version
	case l.Task != nil:
		return l.Task.Version
	case l.Comment != nil:
		return l.Comment.Version
	}
	return 0
}

// Conflict is returned when a conditional write is rejected. Deleted
// distinguishes "someone changed it" (Latest set) from "someone deleted it"
// (Latest nil): the former is recoverable by merging or overwriting on top of
// Latest, the latter only by abandoning the edit.
type Conflict struct {
	Identity Identity
	Deleted  bool
	Latest   *Latest
}

func (c *Conflict) Error() string {
	if c.Deleted {
		return fmt.Sprintf("conflict: %s was deleted concurrently", c.Identity)
	}
	return fmt.Sprintf("conflict: %s changed concurrently", c.Identity)
}

// Snapshots fetches the fresh state of an identity for conflict envelopes.
// Implementations must read only; they never mutate or retry.
type Snapshots interface {
	Snapshot(ctx context.Context, id Identity) (*Latest, error)
}

// Gate validates and applies conditional writes. It owns no storage; the
// write itself is a closure over the store's conditional statement, and the
// gate's job is the fail-fast version check and the translation of store
// sentinels into conflict envelopes bearing a fresh snapshot.
type Gate struct {
	snapshots Snapshots
}

func NewGate(snapshots Snapshots) *Gate {
	return &Gate{snapshots: snapshots}
}

// Apply runs a conditional write for id. expectedVersion must be the token a
// prior read produced; write performs the store's atomic compare-and-write
// and returns the new version. On a version mismatch the fresh entity is
// fetched and returned inside *Conflict; on a concurrent delete the conflict
// carries Deleted=true and no snapshot.
func (g *Gate) Apply(ctx context.Context, id Identity, expectedVersion int64, write func(ctx context.Context) (int64, error)) (int64, error) {
	if !id.Kind.Valid() {
		return 0, fmt.Errorf("unknown entity kind %q", id.Kind)
	}
	if expectedVersion <= 0 {
		return 0, fmt.Errorf("%s: %w", id, ErrMissingVersion)
	}

	newVersion, err := write(ctx)
	if err == nil {
		return newVersion, nil
	}

	switch {
	case errors.Is(err, store.ErrVersionMismatch):
		latest, snapErr := g.snapshots.Snapshot(ctx, id)
		if errors.Is(snapErr, store.ErrNotFound) {
			// Lost a second race: the row vanished after the mismatch.
			return 0, &Conflict{Identity: id, Deleted: true}
		}
		if snapErr != nil {
			return 0, fmt.Errorf("fetch conflict snapshot for %s: %w", id, snapErr)
		}
		return 0, &Conflict{Identity: id, Latest: latest}
	case errors.Is(err, store.ErrNotFound):
		return 0, &Conflict{Identity: id, Deleted: true}
	}
	return 0, err
}
