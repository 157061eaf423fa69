package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"

	"github.com/ppallis/conclave/internal/store"
)

// SearchResult is one scored hit from the knowledge index. Scores are
// normalized to (0, 1] relative to the best hit of the same search.
type SearchResult struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Path     string         `json:"path,omitempty"`
	Content  string         `json:"content"`
	Type     string         `json:"type,omitempty"`
	Date     time.Time      `json:"date,omitempty"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Searcher is the seam between the retriever and the underlying index.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, filters map[string]any) ([]SearchResult, error)
}

// DateRange bounds a date filter. A zero From or To leaves that side open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Index is a bleve full-text index dual-written with the sqlite documents
// table. The sqlite row is the durable copy; the index can be rebuilt from
// it with Reindex.
type Index struct {
	idx bleve.Index
	st  *store.Store
}

// Open opens the index at path, creating it with the document mapping when
// it does not exist yet.
func Open(path string, st *store.Store) (*Index, error) {
	var idx bleve.Index
	var err error
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		idx, err = bleve.New(path, buildIndexMapping())
	} else {
		idx, err = bleve.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("open knowledge index: %w", err)
	}
	return &Index{idx: idx, st: st}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	keywordField := bleve.NewKeywordFieldMapping()
	dateField := bleve.NewDateTimeFieldMapping()

	docMapping.AddFieldMappingsAt("name", textField)
	docMapping.AddFieldMappingsAt("path", textField)
	docMapping.AddFieldMappingsAt("content", textField)
	docMapping.AddFieldMappingsAt("type", keywordField)
	docMapping.AddFieldMappingsAt("date", dateField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = docMapping
	m.DefaultAnalyzer = standard.Name
	return m
}

func indexEntry(d *store.Document) map[string]any {
	entry := map[string]any{
		"name":    d.Name,
		"path":    d.Path,
		"content": d.Content,
		"type":    d.Type,
	}
	if d.Date != nil {
		entry["date"] = *d.Date
	}
	if len(d.Metadata) > 0 {
		entry["metadata"] = string(d.Metadata)
	}
	return entry
}

// Ingest stores the document and indexes it. The sqlite row is written
// first so a crash between the two writes loses only the index entry,
// which Reindex recovers.
func (x *Index) Ingest(ctx context.Context, doc *store.Document) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if err := x.st.SaveDocument(doc); err != nil {
		return fmt.Errorf("persist document: %w", err)
	}
	if err := x.idx.Index(doc.ID, indexEntry(doc)); err != nil {
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}
	return nil
}

// Remove deletes the document from both the store and the index.
func (x *Index) Remove(ctx context.Context, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := x.st.DeleteDocument(id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if err := x.idx.Delete(id); err != nil {
		return fmt.Errorf("deindex document %s: %w", id, err)
	}
	return nil
}

// Reindex rebuilds the search index from the documents table and returns
// the number of documents indexed.
func (x *Index) Reindex(ctx context.Context) (int, error) {
	n, err := x.st.CountDocuments()
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	docs, err := x.st.ListDocuments("", n)
	if err != nil {
		return 0, fmt.Errorf("load documents: %w", err)
	}

	batch := x.idx.NewBatch()
	for i := range docs {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		if err := batch.Index(docs[i].ID, indexEntry(&docs[i])); err != nil {
			return 0, fmt.Errorf("batch document %s: %w", docs[i].ID, err)
		}
	}
	if err := x.idx.Batch(batch); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return len(docs), nil
}

// Search runs a full-text query. Supported filters: "type" (exact match)
// and "date" (DateRange).
func (x *Index) Search(ctx context.Context, queryStr string, topK int, filters map[string]any) ([]SearchResult, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	req := bleve.NewSearchRequest(buildSearchQuery(queryStr, filters))
	req.Size = topK
	req.Fields = []string{"*"}

	result, err := x.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return hitsToResults(result), nil
}

func buildSearchQuery(queryStr string, filters map[string]any) query.Query {
	var queries []query.Query

	if queryStr != "" {
		queries = append(queries, bleve.NewMatchQuery(queryStr))
	}
	if t, ok := filters["type"].(string); ok && t != "" {
		tq := bleve.NewTermQuery(t)
		tq.SetField("type")
		queries = append(queries, tq)
	}
	if r, ok := filters["date"].(DateRange); ok && !(r.From.IsZero() && r.To.IsZero()) {
		dq := bleve.NewDateRangeQuery(r.From, r.To)
		dq.SetField("date")
		queries = append(queries, dq)
	}

	if len(queries) == 0 {
		return bleve.NewMatchAllQuery()
	}
	if len(queries) == 1 {
		return queries[0]
	}
	boolQuery := bleve.NewBooleanQuery()
	for _, q := range queries {
		boolQuery.AddMust(q)
	}
	return boolQuery
}

func hitsToResults(res *bleve.SearchResult) []SearchResult {
	if res == nil || len(res.Hits) == 0 {
		return nil
	}
	out := make([]SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r := SearchResult{
			ID:      hit.ID,
			Name:    stringField(hit.Fields, "name"),
			Path:    stringField(hit.Fields, "path"),
			Content: stringField(hit.Fields, "content"),
			Type:    stringField(hit.Fields, "type"),
			Date:    timeField(hit.Fields, "date"),
			Score:   hit.Score,
		}
		if res.MaxScore > 0 {
			r.Score = hit.Score / res.MaxScore
		}
		if raw := stringField(hit.Fields, "metadata"); raw != "" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(raw), &meta); err == nil {
				r.Metadata = meta
			}
		}
		out = append(out, r)
	}
	return out
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func timeField(fields map[string]any, key string) time.Time {
	switch v := fields[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// DocCount returns the number of indexed documents.
func (x *Index) DocCount() (uint64, error) {
	return x.idx.DocCount()
}

func (x *Index) Close() error {
	return x.idx.Close()
}
