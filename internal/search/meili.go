package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"codepad/api/internal/logger"
)

const idxDocuments = "codepad_documents"

// Meili implements Indexer and Searcher against Meilisearch. An unreachable
// index flips the health flag and degrades search; it never takes the
// service down.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates the client and configures the documents index. The
// background health loop reconfigures the index when Meilisearch recovers.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Sugar.Warnw("meilisearch unavailable, search degraded", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxDocuments,
		PrimaryKey: "id",
	}); err != nil {
		logger.Sugar.Debugw("create index (may already exist)", "index", idxDocuments, "error", err)
	}

	index := m.client.Index(idxDocuments)
	filterable := []interface{}{"language"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		logger.Sugar.Warnw("update filterable attributes", "error", err)
	}
	searchable := []string{"title", "content"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		logger.Sugar.Warnw("update searchable attributes", "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				logger.Sugar.Infow("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// UpsertDocument adds or replaces one projection, keyed by document id.
func (m *Meili) UpsertDocument(p Projection) error {
	_, err := m.client.Index(idxDocuments).AddDocuments([]Projection{p}, nil)
	return err
}

// UpsertDocuments bulk-indexes projections (full rebuild path).
func (m *Meili) UpsertDocuments(ps []Projection) error {
	if len(ps) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDocuments).AddDocuments(ps, nil)
	return err
}

// DeleteDocument removes the projection for a deleted document.
func (m *Meili) DeleteDocument(id string) error {
	_, err := m.client.Index(idxDocuments).DeleteDocument(id, nil)
	return err
}

// GetProjection fetches one projection by document id.
func (m *Meili) GetProjection(id string) (Projection, error) {
	var p Projection
	if err := m.client.Index(idxDocuments).GetDocument(id, nil, &p); err != nil {
		return Projection{}, fmt.Errorf("get projection %s: %w", id, err)
	}
	return p, nil
}

// Search runs a keyword and/or language query against the projection.
func (m *Meili) Search(q Query) ([]Result, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	req := &meili.SearchRequest{
		Limit:                 limit,
		AttributesToHighlight: []string{"title", "content"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.Language != "" {
		req.Filter = []string{fmt.Sprintf("language = %q", q.Language)}
	}

	resp, err := m.client.Index(idxDocuments).Search(q.Keyword, req)
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, nil
}

func hitToResult(hit meili.Hit) Result {
	var r Result
	r.ID = decodeString(hit, "id")
	r.Title = decodeString(hit, "title")
	r.Content = decodeString(hit, "content")
	r.Language = decodeString(hit, "language")
	r.TitleSnippet = decodeFormattedString(hit, "title")
	r.ContentSnippet = decodeFormattedString(hit, "content")
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}
