// Package search keeps a denormalized, full-text-searchable projection of
// documents in Meilisearch. The projection is eventually consistent with the
// primary store and never authoritative.
package search

import (
	"time"

	"codepad/api/internal/store"
)

// Projection is the denormalized copy of a document held in the index.
type Projection struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProjectionOf builds the index entry from the current document state.
func ProjectionOf(doc store.Document) Projection {
	return Projection{
		ID:        doc.ID,
		Title:     doc.Title,
		Content:   doc.Content,
		Language:  doc.Language,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

// Query describes a search request against the projection.
type Query struct {
	Keyword  string
	Language string // empty = all languages
	Limit    int
}

// Result is a single hit with match highlighting applied to title/content.
type Result struct {
	Projection
	TitleSnippet   string `json:"titleSnippet,omitempty"`
	ContentSnippet string `json:"contentSnippet,omitempty"`
}

// Indexer is the index side of the sync contract.
type Indexer interface {
	UpsertDocument(p Projection) error
	UpsertDocuments(ps []Projection) error
	DeleteDocument(id string) error
	Healthy() bool
}

// Searcher executes full-text queries against the projection.
type Searcher interface {
	Search(q Query) ([]Result, error)
}
