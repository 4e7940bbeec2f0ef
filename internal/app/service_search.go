package app

import (
	"context"

	"codepad/api/internal/search"
	"codepad/api/internal/store"
)

// SearchDocuments runs a full-text query against the projection. Search is
// read-only and eventually consistent; a recent write may not be visible yet.
func (s *Service) SearchDocuments(ctx context.Context, sess Session, q search.Query) ([]search.Result, error) {
	if s.searcher == nil {
		return nil, domainError(503, "SEARCH_UNAVAILABLE", "Search is not available", nil)
	}
	results, err := s.searcher.Search(q)
	if err != nil {
		return nil, domainError(503, "SEARCH_UNAVAILABLE", "Search is not available", nil)
	}

	// Filter hits the caller cannot view. With the default-viewer policy
	// nothing is filtered; with it off, results leak nothing.
	if s.permissions.DefaultViewer() {
		return results, nil
	}
	visible := make([]search.Result, 0, len(results))
	for _, r := range results {
		doc, err := s.store.GetDocument(ctx, r.ID)
		if err != nil {
			continue
		}
		ok, err := s.permissions.CanView(ctx, doc, sess.UserID)
		if err != nil || !ok {
			continue
		}
		visible = append(visible, r)
	}
	return visible, nil
}

// DocumentActivity returns the audit trail for a document.
func (s *Service) DocumentActivity(ctx context.Context, sess Session, documentID string, limit int) ([]store.ActionLog, error) {
	if _, err := s.GetDocument(ctx, sess, documentID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListActionLogByDocument(ctx, documentID, limit)
}
