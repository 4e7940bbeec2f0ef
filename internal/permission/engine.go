package permission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"codepad/api/internal/store"
)

// CollaboratorStore is the slice of the primary store the engine needs.
// Concurrent grant/revoke on the same (document, user) pair serialize on the
// storage layer's row constraints; the engine holds no locks of its own.
type CollaboratorStore interface {
	InsertCollaborator(ctx context.Context, c store.Collaborator) error
	DeleteCollaborator(ctx context.Context, documentID, userID string) error
	GetCollaboratorLevel(ctx context.Context, documentID, userID string) (string, error)
	ListCollaborators(ctx context.Context, documentID string) ([]store.CollaboratorInfo, error)
}

// Engine answers permission questions for (document, user) pairs.
//
// DefaultViewer preserves the legacy policy: a user with no explicit record is
// an implicit Viewer, which makes CanView unconditionally true for any
// authenticated user. Turning it off denies non-collaborators instead.
type Engine struct {
	store         CollaboratorStore
	defaultViewer bool
}

func NewEngine(s CollaboratorStore, defaultViewer bool) *Engine {
	return &Engine{store: s, defaultViewer: defaultViewer}
}

// DefaultViewer reports whether users without a record are implicit viewers.
func (e *Engine) DefaultViewer() bool {
	return e.defaultViewer
}

// Initialize creates the Owner record for a freshly created document.
// Idempotent: a second call for the same document is a no-op.
func (e *Engine) Initialize(ctx context.Context, doc store.Document) error {
	err := e.store.InsertCollaborator(ctx, store.Collaborator{
		DocumentID: doc.ID,
		UserID:     doc.OwnerID,
		Level:      string(Owner),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	return err
}

// Grant adds targetUserID as a collaborator. Only the Owner may grant;
// granting to an existing collaborator is a conflict.
func (e *Engine) Grant(ctx context.Context, doc store.Document, actingUserID, targetUserID string, level Level) error {
	if !Valid(level) {
		return fmt.Errorf("unknown level %q", level)
	}
	actingLevel, err := e.LevelOf(ctx, doc, actingUserID)
	if err != nil {
		return err
	}
	if actingLevel != Owner {
		return ErrForbidden
	}

	err = e.store.InsertCollaborator(ctx, store.Collaborator{
		DocumentID: doc.ID,
		UserID:     targetUserID,
		Level:      string(level),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return ErrConflict
	}
	return err
}

// Revoke removes the target's record. Only the Owner may revoke; revoking a
// user with no record is a no-op, not an error.
func (e *Engine) Revoke(ctx context.Context, doc store.Document, actingUserID, targetUserID string) error {
	actingLevel, err := e.LevelOf(ctx, doc, actingUserID)
	if err != nil {
		return err
	}
	if actingLevel != Owner {
		return ErrForbidden
	}
	return e.store.DeleteCollaborator(ctx, doc.ID, targetUserID)
}

// LevelOf resolves the user's level: the document owner is always Owner, then
// the explicit record, then the default policy.
func (e *Engine) LevelOf(ctx context.Context, doc store.Document, userID string) (Level, error) {
	if userID == doc.OwnerID {
		return Owner, nil
	}
	level, err := e.store.GetCollaboratorLevel(ctx, doc.ID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		if e.defaultViewer {
			return Viewer, nil
		}
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup collaborator level: %w", err)
	}
	return Normalize(level), nil
}

func (e *Engine) CanEdit(ctx context.Context, doc store.Document, userID string) (bool, error) {
	level, err := e.LevelOf(ctx, doc, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return AtLeast(level, Editor), nil
}

func (e *Engine) CanView(ctx context.Context, doc store.Document, userID string) (bool, error) {
	_, err := e.LevelOf(ctx, doc, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) ListCollaborators(ctx context.Context, doc store.Document) ([]store.CollaboratorInfo, error) {
	return e.store.ListCollaborators(ctx, doc.ID)
}
