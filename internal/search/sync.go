package search

import (
	"context"
	"fmt"

	"codepad/api/internal/logger"
	"codepad/api/internal/store"
)

// DocumentLister is the slice of the primary store the full rebuild needs.
type DocumentLister interface {
	ListDocuments(ctx context.Context) ([]store.Document, error)
}

// Sync converts committed documents into projections and keeps the index in
// step with the primary store. Index failures surface as errors so the
// outbox worker can retry; they never affect the primary commit, which has
// already happened by the time Sync runs.
type Sync struct {
	indexer Indexer
	primary DocumentLister
}

func NewSync(indexer Indexer, primary DocumentLister) *Sync {
	return &Sync{indexer: indexer, primary: primary}
}

// SyncDocument upserts the projection for the document's current state.
func (s *Sync) SyncDocument(_ context.Context, doc store.Document) error {
	if s.indexer == nil {
		return nil
	}
	if err := s.indexer.UpsertDocument(ProjectionOf(doc)); err != nil {
		return fmt.Errorf("upsert projection %s: %w", doc.ID, err)
	}
	return nil
}

// DeleteFromIndex removes the projection for a deleted document.
func (s *Sync) DeleteFromIndex(_ context.Context, documentID string) error {
	if s.indexer == nil {
		return nil
	}
	if err := s.indexer.DeleteDocument(documentID); err != nil {
		return fmt.Errorf("delete projection %s: %w", documentID, err)
	}
	return nil
}

// SyncAll rebuilds the entire index from the primary store. Used for
// recovery and backfill; also run at bootstrap.
func (s *Sync) SyncAll(ctx context.Context) error {
	if s.indexer == nil || !s.indexer.Healthy() {
		return nil
	}
	docs, err := s.primary.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("load documents for rebuild: %w", err)
	}

	projections := make([]Projection, 0, len(docs))
	for _, doc := range docs {
		projections = append(projections, ProjectionOf(doc))
	}
	if err := s.indexer.UpsertDocuments(projections); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	logger.Sugar.Infow("search index rebuilt", "documents", len(projections))
	return nil
}
