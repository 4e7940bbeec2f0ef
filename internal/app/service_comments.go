package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"codepad/api/internal/audit"
	"codepad/api/internal/event"
	"codepad/api/internal/logger"
	"codepad/api/internal/permission"
	"codepad/api/internal/store"
	"codepad/api/internal/util"
)

type CommentInput struct {
	Content         string  `json:"content"`
	ParentCommentID *string `json:"parentCommentId,omitempty"`
}

// commentEventData is the payload carried by comment notifications.
type commentEventData struct {
	CommentID  string `json:"commentId"`
	DocumentID string `json:"documentId"`
	Author     string `json:"author"`
}

func (s *Service) CreateComment(ctx context.Context, sess Session, documentID string, input CommentInput) (store.Comment, error) {
	if strings.TrimSpace(input.Content) == "" {
		return store.Comment{}, domainError(422, "VALIDATION_ERROR", "content is required", nil)
	}

	if _, err := s.GetDocument(ctx, sess, documentID); err != nil {
		return store.Comment{}, err
	}

	if input.ParentCommentID != nil {
		parent, err := s.store.GetComment(ctx, *input.ParentCommentID)
		if err != nil {
			return store.Comment{}, err
		}
		if parent.DocumentID != documentID {
			return store.Comment{}, domainError(422, "VALIDATION_ERROR", "parent comment belongs to a different document", nil)
		}
	}

	comment := store.Comment{
		ID:              util.NewID("cmt"),
		DocumentID:      documentID,
		Author:          sess.UserName,
		Content:         input.Content,
		ParentCommentID: input.ParentCommentID,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}

	s.audit.Record(ctx, sess.UserName, audit.ActionCommentCreate, documentID, comment.ID)
	s.publishCommentEvent(ctx, event.ActionCreate, sess.UserName, "", comment)
	return comment, nil
}

func (s *Service) ListComments(ctx context.Context, sess Session, documentID string) ([]store.Comment, error) {
	if _, err := s.GetDocument(ctx, sess, documentID); err != nil {
		return nil, err
	}
	return s.store.ListCommentsByDocument(ctx, documentID)
}

func (s *Service) ListReplies(ctx context.Context, sess Session, parentCommentID string) ([]store.Comment, error) {
	parent, err := s.store.GetComment(ctx, parentCommentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetDocument(ctx, sess, parent.DocumentID); err != nil {
		return nil, err
	}
	return s.store.ListReplies(ctx, parentCommentID)
}

// DeleteComment removes a comment. Allowed for the comment's author and the
// document owner.
func (s *Service) DeleteComment(ctx context.Context, sess Session, commentID string) error {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if comment.Author != sess.UserName {
		doc, err := s.store.GetDocument(ctx, comment.DocumentID)
		if err != nil {
			return err
		}
		if err := s.requireOwner(ctx, doc, sess.UserID); err != nil {
			return err
		}
	}

	if err := s.store.DeleteComment(ctx, commentID); err != nil {
		return err
	}

	s.audit.Record(ctx, sess.UserName, audit.ActionCommentDelete, comment.DocumentID, commentID)
	s.publishCommentEvent(ctx, event.ActionDelete, sess.UserName, "", comment)
	return nil
}

// LikeComment records a like and notifies the comment's author privately.
// Liking twice is a conflict.
func (s *Service) LikeComment(ctx context.Context, sess Session, commentID string) error {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if _, err := s.GetDocument(ctx, sess, comment.DocumentID); err != nil {
		return err
	}

	if err := s.store.AddCommentLike(ctx, commentID, sess.UserName); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return permission.ErrConflict
		}
		return err
	}

	s.audit.Record(ctx, sess.UserName, audit.ActionCommentLike, comment.DocumentID, commentID)

	// Like notifications go to the author's private channel, not the public
	// one. The author's user id is the routing target.
	author, err := s.store.GetUserByUsername(ctx, comment.Author)
	if err != nil {
		logger.Sugar.Warnw("like notification skipped, author lookup failed", "author", comment.Author, "error", err)
		return nil
	}
	s.publishCommentEvent(ctx, event.ActionLike, sess.UserName, author.ID, comment)
	return nil
}

// UnlikeComment removes a like. Removing a like that does not exist is not
// found.
func (s *Service) UnlikeComment(ctx context.Context, sess Session, commentID string) error {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if err := s.store.RemoveCommentLike(ctx, commentID, sess.UserName); err != nil {
		return err
	}
	s.audit.Record(ctx, sess.UserName, audit.ActionCommentUnlike, comment.DocumentID, commentID)
	return nil
}

func (s *Service) publishCommentEvent(ctx context.Context, action event.Action, sender, targetUserID string, comment store.Comment) {
	ev, err := event.New(event.TypeComment, action, commentEventData{
		CommentID:  comment.ID,
		DocumentID: comment.DocumentID,
		Author:     comment.Author,
	}, sender)
	if err != nil {
		logger.Sugar.Errorw("build comment event", "comment", comment.ID, "error", err)
		return
	}
	ev.TargetUserID = targetUserID
	s.publish(ctx, ev)
}
