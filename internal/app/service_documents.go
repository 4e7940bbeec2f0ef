package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"codepad/api/internal/audit"
	"codepad/api/internal/permission"
	"codepad/api/internal/store"
	"codepad/api/internal/util"
)

type DocumentInput struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Language string   `json:"language"`
	Tags     []string `json:"tags"`
}

func (s *Service) CreateDocument(ctx context.Context, sess Session, input DocumentInput) (store.Document, error) {
	if strings.TrimSpace(input.Title) == "" {
		return store.Document{}, domainError(422, "VALIDATION_ERROR", "title is required", nil)
	}

	now := time.Now().UTC()
	doc := store.Document{
		ID:        util.NewID("doc"),
		OwnerID:   sess.UserID,
		Title:     input.Title,
		Content:   input.Content,
		Language:  input.Language,
		Tags:      input.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// One transaction: the document row, the owner's permission record and
	// the search outbox entry commit or roll back together.
	if err := s.store.CreateDocument(ctx, doc, string(permission.Owner)); err != nil {
		return store.Document{}, fmt.Errorf("create document: %w", err)
	}

	s.audit.Record(ctx, sess.UserName, audit.ActionDocumentCreate, doc.ID, doc.Title)
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, sess Session, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	ok, err := s.permissions.CanView(ctx, doc, sess.UserID)
	if err != nil {
		return store.Document{}, err
	}
	if !ok {
		return store.Document{}, permission.ErrForbidden
	}
	return doc, nil
}

// ListDocuments returns the documents the user owns or collaborates on. With
// the default-viewer policy every document is visible, so it lists all.
func (s *Service) ListDocuments(ctx context.Context, sess Session) ([]store.Document, error) {
	if s.permissions.DefaultViewer() {
		return s.store.ListDocuments(ctx)
	}
	return s.store.ListDocumentsForUser(ctx, sess.UserID)
}

func (s *Service) UpdateDocument(ctx context.Context, sess Session, documentID string, input DocumentInput) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	ok, err := s.permissions.CanEdit(ctx, doc, sess.UserID)
	if err != nil {
		return store.Document{}, err
	}
	if !ok {
		return store.Document{}, permission.ErrForbidden
	}

	if strings.TrimSpace(input.Title) != "" {
		doc.Title = input.Title
	}
	doc.Content = input.Content
	if input.Language != "" {
		doc.Language = input.Language
	}
	if input.Tags != nil {
		doc.Tags = input.Tags
	}
	doc.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}

	s.audit.Record(ctx, sess.UserName, audit.ActionDocumentUpdate, doc.ID, doc.Title)
	return doc, nil
}

func (s *Service) DeleteDocument(ctx context.Context, sess Session, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	level, err := s.permissions.LevelOf(ctx, doc, sess.UserID)
	if err != nil {
		return err
	}
	if level != permission.Owner {
		return permission.ErrForbidden
	}

	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("delete document: %w", err)
	}

	s.audit.Record(ctx, sess.UserName, audit.ActionDocumentDelete, documentID, doc.Title)
	return nil
}
