package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	AvatarURL             string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Workspace is the tenant root. Version is the optimistic concurrency token:
// written only by the store, compared only for equality by callers.
type Workspace struct {
	ID        string
	Name      string
	Slug      string
	Settings  string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Item is a board/list inside a workspace, grouping tasks.
type Item struct {
	ID          string
	WorkspaceID string
	Title       string
	Description string
	Status      string
	SortOrder   int
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Task struct {
	ID          string
	ItemID      string
	WorkspaceID string
	Title       string
	Body        string
	Status      string
	AssigneeID  *string
	DueAt       *time.Time
	Version     int64
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Comment struct {
	ID          string
	TaskID      string
	WorkspaceID string
	AuthorID    string
	Body        string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
