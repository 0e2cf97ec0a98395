package presence

import "time"

// EventType names the ephemeral lifecycle events fanned out to subscribers.
type EventType string

const (
	EventJoined      EventType = "joined"
	EventLeft        EventType = "left"
	EventEditStarted EventType = "edit_started"
	EventEditEnded   EventType = "edit_ended"
)

// Event is an advisory lifecycle notification. Events are never persisted:
// they are emitted to currently-connected subscribers and forgotten.
type Event struct {
	Type        EventType `json:"type"`
	ResourceID  string    `json:"resourceId"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Identity is the logical user behind one or more live connections.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Editor identifies who currently declares an edit on a resource.
type Editor struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// EditStatus is the advisory "someone is editing" view for one resource.
// It informs, it never locks: write safety comes from version checking alone.
type EditStatus struct {
	IsEditing bool    `json:"isEditing"`
	Editor    *Editor `json:"editor,omitempty"`
}
