package store

import "time"

type User struct {
	ID           string
	Username     string
	PasswordHash string
	// InviteToken is a stable random UUID handed out so collaborators can be
	// added without revealing the username.
	InviteToken string
	AvatarKey   string
	CreatedAt   time.Time
}

type Document struct {
	ID        string
	OwnerID   string
	Title     string
	Content   string
	Language  string
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Collaborator is one explicit permission record: (document, user, level).
type Collaborator struct {
	DocumentID string
	UserID     string
	Level      string
	CreatedAt  time.Time
}

// CollaboratorInfo is a collaborator joined with the user's handle.
type CollaboratorInfo struct {
	UserID   string
	Username string
	Level    string
}

type Task struct {
	ID          string
	DocumentID  string
	Title       string
	Description string
	Deadline    *time.Time
	Assignee    string
	Completed   bool
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Comment struct {
	ID              string
	DocumentID      string
	Author          string
	Content         string
	ParentCommentID *string
	LikedBy         []string
	CreatedAt       time.Time
}

type ActionLog struct {
	ID         int64
	Username   string
	Action     string
	Details    string
	DocumentID string
	CreatedAt  time.Time
}

// Outbox statuses. Failed rows stay pending and keep their attempt count so
// the worker retries them on the next tick.
const (
	OutboxPending = "pending"
	OutboxDone    = "done"
)

// Outbox kinds drained by the search projection worker.
const (
	OutboxSearchUpsert = "search_upsert"
	OutboxSearchDelete = "search_delete"
)

type OutboxEntry struct {
	ID         int64
	Kind       string
	DocumentID string
	Status     string
	Attempts   int
	LastError  string
	CreatedAt  time.Time
}
