// Package outbox drains the durable search-projection outbox. Mutations
// write an outbox row in the same transaction as the primary change; this
// worker applies pending rows to the index asynchronously and retries
// failures on later ticks, so index availability never gates a commit.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"codepad/api/internal/logger"
	"codepad/api/internal/store"
)

// Store is the slice of the primary store the worker needs.
type Store interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]store.OutboxEntry, error)
	MarkOutboxDone(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, reason string) error
	GetDocument(ctx context.Context, id string) (store.Document, error)
}

// Projector is the index side: the search sync service.
type Projector interface {
	SyncDocument(ctx context.Context, doc store.Document) error
	DeleteFromIndex(ctx context.Context, documentID string) error
}

type Worker struct {
	store     Store
	projector Projector
	interval  time.Duration
	batchSize int
}

func NewWorker(s Store, p Projector, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Worker{store: s, projector: p, interval: interval, batchSize: 50}
}

// Run polls until ctx is canceled. Entries are processed in id order so a
// delete enqueued after an upsert of the same document is applied after it.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain processes one batch of pending entries. Exported so bootstrap and
// tests can run a pass synchronously.
func (w *Worker) Drain(ctx context.Context) {
	entries, err := w.store.ListPendingOutbox(ctx, w.batchSize)
	if err != nil {
		logger.Sugar.Warnw("outbox poll failed", "error", err)
		return
	}

	for _, entry := range entries {
		if err := w.apply(ctx, entry); err != nil {
			logger.Sugar.Warnw("outbox entry failed, will retry",
				"id", entry.ID, "kind", entry.Kind, "document", entry.DocumentID,
				"attempts", entry.Attempts+1, "error", err)
			if markErr := w.store.MarkOutboxFailed(ctx, entry.ID, err.Error()); markErr != nil {
				logger.Sugar.Errorw("outbox mark failed", "id", entry.ID, "error", markErr)
			}
			// Stop the batch on first failure to preserve per-document
			// ordering across retries.
			return
		}
		if err := w.store.MarkOutboxDone(ctx, entry.ID); err != nil {
			logger.Sugar.Errorw("outbox mark done", "id", entry.ID, "error", err)
			return
		}
	}
}

func (w *Worker) apply(ctx context.Context, entry store.OutboxEntry) error {
	switch entry.Kind {
	case store.OutboxSearchDelete:
		return w.projector.DeleteFromIndex(ctx, entry.DocumentID)
	case store.OutboxSearchUpsert:
		doc, err := w.store.GetDocument(ctx, entry.DocumentID)
		if errors.Is(err, sql.ErrNoRows) {
			// The document can be gone when a delete landed after this
			// upsert was enqueued; the pending delete entry will remove
			// the projection.
			logger.Sugar.Debugw("outbox upsert skipped, document gone", "document", entry.DocumentID)
			return nil
		}
		if err != nil {
			// Transient store failure: keep the entry pending for retry.
			return fmt.Errorf("load document %s: %w", entry.DocumentID, err)
		}
		return w.projector.SyncDocument(ctx, doc)
	default:
		logger.Sugar.Warnw("unknown outbox kind, dropping", "kind", entry.Kind, "id", entry.ID)
		return nil
	}
}
