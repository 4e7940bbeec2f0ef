package app

import (
	"context"
	"strings"

	"codepad/api/internal/audit"
	"codepad/api/internal/logger"
	"codepad/api/internal/permission"
	"codepad/api/internal/store"
)

type GrantInput struct {
	// Exactly one of Username or InviteToken identifies the target user.
	Username    string `json:"username"`
	InviteToken string `json:"inviteToken"`
	Level       string `json:"level"`
	// NotifyEmail optionally sends an invite mail to this address.
	NotifyEmail string `json:"notifyEmail,omitempty"`
}

// GrantCollaborator adds a user to a document at the given level. Only the
// owner may grant; the target is resolved by username or by invite token so
// a handle never has to be shared out of band.
func (s *Service) GrantCollaborator(ctx context.Context, sess Session, documentID string, input GrantInput) (store.CollaboratorInfo, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.CollaboratorInfo{}, err
	}

	// Validate the raw string; normalizing first would turn garbage into
	// Viewer and grant silently.
	level := permission.Level(strings.ToLower(strings.TrimSpace(input.Level)))
	if !permission.Valid(level) || level == permission.Owner {
		return store.CollaboratorInfo{}, domainError(422, "VALIDATION_ERROR", "level must be editor or viewer", nil)
	}

	target, err := s.resolveTarget(ctx, input)
	if err != nil {
		return store.CollaboratorInfo{}, err
	}
	if target.ID == doc.OwnerID {
		return store.CollaboratorInfo{}, permission.ErrConflict
	}

	if err := s.permissions.Grant(ctx, doc, sess.UserID, target.ID, level); err != nil {
		return store.CollaboratorInfo{}, err
	}

	s.audit.Record(ctx, sess.UserName, audit.ActionPermissionGrant, documentID, target.Username+":"+string(level))

	if input.NotifyEmail != "" && s.mailer != nil && s.mailer.IsConfigured() {
		if err := s.mailer.SendInviteEmail(input.NotifyEmail, sess.UserName, doc.Title, string(level)); err != nil {
			logger.Sugar.Warnw("invite mail failed", "document", documentID, "error", err)
		}
	}

	return store.CollaboratorInfo{
		UserID:   target.ID,
		Username: target.Username,
		Level:    string(level),
	}, nil
}

func (s *Service) resolveTarget(ctx context.Context, input GrantInput) (store.User, error) {
	switch {
	case strings.TrimSpace(input.Username) != "":
		return s.store.GetUserByUsername(ctx, input.Username)
	case strings.TrimSpace(input.InviteToken) != "":
		return s.store.GetUserByInviteToken(ctx, input.InviteToken)
	default:
		return store.User{}, domainError(422, "VALIDATION_ERROR", "username or inviteToken is required", nil)
	}
}

// RevokeCollaborator removes a user's record. Owner only; revoking someone
// who was never granted is a no-op.
func (s *Service) RevokeCollaborator(ctx context.Context, sess Session, documentID, targetUserID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if targetUserID == doc.OwnerID {
		return domainError(422, "VALIDATION_ERROR", "the owner cannot be revoked", nil)
	}
	if err := s.permissions.Revoke(ctx, doc, sess.UserID, targetUserID); err != nil {
		return err
	}
	s.audit.Record(ctx, sess.UserName, audit.ActionPermissionRevoke, documentID, targetUserID)
	return nil
}

func (s *Service) ListCollaborators(ctx context.Context, sess Session, documentID string) ([]store.CollaboratorInfo, error) {
	doc, err := s.GetDocument(ctx, sess, documentID)
	if err != nil {
		return nil, err
	}
	return s.permissions.ListCollaborators(ctx, doc)
}
