// Package audit records who did what to which document. Entries are
// best-effort: a failed write is logged and dropped, never surfaced to the
// caller.
package audit

import (
	"context"
	"time"

	"codepad/api/internal/logger"
	"codepad/api/internal/store"
)

// Action is a closed set of auditable operations. Handlers pass one of these
// constants; free-form strings are not accepted so the log stays queryable.
type Action string

const (
	ActionDocumentCreate   Action = "document.create"
	ActionDocumentUpdate   Action = "document.update"
	ActionDocumentDelete   Action = "document.delete"
	ActionTaskCreate       Action = "task.create"
	ActionTaskUpdate       Action = "task.update"
	ActionTaskDelete       Action = "task.delete"
	ActionCommentCreate    Action = "comment.create"
	ActionCommentDelete    Action = "comment.delete"
	ActionCommentLike      Action = "comment.like"
	ActionCommentUnlike    Action = "comment.unlike"
	ActionPermissionGrant  Action = "permission.grant"
	ActionPermissionRevoke Action = "permission.revoke"
)

// Sink receives audit entries.
type Sink interface {
	Record(ctx context.Context, username string, action Action, documentID, details string)
}

type logStore interface {
	InsertActionLog(ctx context.Context, entry store.ActionLog) error
}

// PostgresSink writes entries to the action_logs table.
type PostgresSink struct {
	store logStore
}

func NewPostgresSink(s logStore) *PostgresSink {
	return &PostgresSink{store: s}
}

func (p *PostgresSink) Record(ctx context.Context, username string, action Action, documentID, details string) {
	entry := store.ActionLog{
		Username:   username,
		Action:     string(action),
		Details:    details,
		DocumentID: documentID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.store.InsertActionLog(ctx, entry); err != nil {
		logger.Sugar.Warnw("audit write failed",
			"user", username, "action", action, "document", documentID, "error", err)
	}
}

// NopSink discards everything. Used in tests.
type NopSink struct{}

func (NopSink) Record(context.Context, string, Action, string, string) {}
