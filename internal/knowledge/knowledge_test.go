package knowledge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ppallis/conclave/internal/config"
	"github.com/ppallis/conclave/internal/events"
	"github.com/ppallis/conclave/internal/inference"
	"github.com/ppallis/conclave/internal/store"
)

type fakeSearcher struct {
	mu          sync.Mutex
	results     []SearchResult
	err         error
	calls       int
	lastQuery   string
	lastTopK    int
	lastFilters map[string]any
}

func (f *fakeSearcher) Search(ctx context.Context, query string, topK int, filters map[string]any) ([]SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastQuery = query
	f.lastTopK = topK
	f.lastFilters = filters
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func newTestRetriever(s Searcher) *Retriever {
	return NewRetriever(s, config.KnowledgeConfig{TopK: 3, MinScore: 0.4}, events.New(64))
}

func scored(id string, score float64) SearchResult {
	return SearchResult{ID: id, Name: id, Content: "content of " + id, Score: score}
}

func TestSearchFiltersAndTruncates(t *testing.T) {
	fake := &fakeSearcher{results: []SearchResult{
		scored("a", 0.2),
		scored("b", 1.0),
		scored("c", 0.55),
		scored("d", 0.39),
		scored("e", 0.8),
		scored("f", 0.41),
	}}
	r := newTestRetriever(fake)

	results, err := r.Search(context.Background(), "anything", Options{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != "b" || results[1].ID != "e" || results[2].ID != "c" {
		t.Errorf("unexpected order: %s, %s, %s", results[0].ID, results[1].ID, results[2].ID)
	}
	if fake.lastTopK != 6 {
		t.Errorf("expected over-fetch of 6, got %d", fake.lastTopK)
	}
}

func TestSearchOptionOverrides(t *testing.T) {
	fake := &fakeSearcher{results: []SearchResult{
		scored("a", 0.9), scored("b", 0.3), scored("c", 0.25),
	}}
	r := newTestRetriever(fake)

	results, err := r.Search(context.Background(), "q", Options{TopK: 10, MinScore: 0.2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("expected 3 results with relaxed floor, got %d", len(results))
	}
	if fake.lastTopK != 20 {
		t.Errorf("expected over-fetch of 20, got %d", fake.lastTopK)
	}
}

func TestSearchWithContextDerivesFilters(t *testing.T) {
	fake := &fakeSearcher{}
	r := newTestRetriever(fake)

	_, err := r.SearchWithContext(context.Background(), "budget report", map[string]any{
		"document_type": "report",
		"date_range":    map[string]any{"from": "2025-01-01", "to": "2025-03-31"},
		"irrelevant":    42,
	})
	if err != nil {
		t.Fatalf("search with context: %v", err)
	}
	if fake.lastFilters["type"] != "report" {
		t.Errorf("expected type filter, got %v", fake.lastFilters)
	}
	dr, ok := fake.lastFilters["date"].(DateRange)
	if !ok {
		t.Fatalf("expected date range filter, got %v", fake.lastFilters["date"])
	}
	if dr.From.IsZero() || dr.To.IsZero() {
		t.Errorf("expected bounded date range, got %+v", dr)
	}

	// No usable context keys means no filters at all
	_, _ = r.SearchWithContext(context.Background(), "plain", map[string]any{"foo": "bar"})
	if fake.lastFilters != nil {
		t.Errorf("expected nil filters, got %v", fake.lastFilters)
	}
}

func TestMultiQuerySearchIsolatesFailures(t *testing.T) {
	fake := &fakeSearcher{results: []SearchResult{scored("a", 0.9)}}
	r := newTestRetriever(fake)

	out := r.MultiQuerySearch(context.Background(), []string{"one", "two"}, 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out))
	}
	if len(out["one"]) != 1 || len(out["two"]) != 1 {
		t.Errorf("expected hits for both queries: %v", out)
	}

	failing := &fakeSearcher{err: errors.New("index corrupt")}
	r = newTestRetriever(failing)
	out = r.MultiQuerySearch(context.Background(), []string{"one", "two"}, 2)
	for q, res := range out {
		if res == nil {
			t.Errorf("query %s: expected empty slice, got nil", q)
		}
		if len(res) != 0 {
			t.Errorf("query %s: expected no results, got %d", q, len(res))
		}
	}
}

func TestFindSimilarExcludesSource(t *testing.T) {
	fake := &fakeSearcher{results: []SearchResult{
		scored("self", 1.0),
		scored("close", 0.7),
		scored("far", 0.5),
	}}
	r := newTestRetriever(fake)

	results, err := r.FindSimilar(context.Background(), scored("self", 1.0), 5)
	if err != nil {
		t.Fatalf("find similar: %v", err)
	}
	for _, res := range results {
		if res.ID == "self" {
			t.Error("source document leaked into results")
		}
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}
}

func TestFindSimilarTextFallback(t *testing.T) {
	fake := &fakeSearcher{}
	r := newTestRetriever(fake)

	_, err := r.FindSimilar(context.Background(), SearchResult{ID: "x", Name: "handbook"}, 3)
	if err != nil {
		t.Fatalf("find similar: %v", err)
	}
	if fake.lastQuery != "handbook" {
		t.Errorf("expected name fallback, searched for %q", fake.lastQuery)
	}

	_, err = r.FindSimilar(context.Background(), SearchResult{ID: "y"}, 3)
	if err == nil {
		t.Error("expected error for document with no text")
	}
}

func TestRerank(t *testing.T) {
	r := newTestRetriever(&fakeSearcher{})
	results := []SearchResult{scored("a", 0.9), scored("b", 0.8), scored("c", 0.7)}

	// No reranker set keeps the order
	got := r.Rerank(context.Background(), "q", results)
	if got[0].ID != "a" {
		t.Errorf("expected untouched order, got %s first", got[0].ID)
	}

	r.SetReranker(inference.Func(func(ctx context.Context, req inference.Request) (*inference.Response, error) {
		return &inference.Response{Text: "[2, 0, 1]"}, nil
	}))
	got = r.Rerank(context.Background(), "q", results)
	if got[0].ID != "c" || got[1].ID != "a" || got[2].ID != "b" {
		t.Errorf("unexpected rerank order: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}

	// Inference failure keeps the original order
	r.SetReranker(inference.Func(func(ctx context.Context, req inference.Request) (*inference.Response, error) {
		return nil, errors.New("model offline")
	}))
	got = r.Rerank(context.Background(), "q", results)
	if got[0].ID != "a" || got[2].ID != "c" {
		t.Error("expected original order after inference failure")
	}

	// Garbage output keeps the original order
	r.SetReranker(inference.Func(func(ctx context.Context, req inference.Request) (*inference.Response, error) {
		return &inference.Response{Text: "definitely not JSON"}, nil
	}))
	got = r.Rerank(context.Background(), "q", results)
	if got[0].ID != "a" {
		t.Error("expected original order after malformed response")
	}

	// Partial order appends forgotten documents at the tail
	r.SetReranker(inference.Func(func(ctx context.Context, req inference.Request) (*inference.Response, error) {
		return &inference.Response{Text: "ranking: [1]"}, nil
	}))
	got = r.Rerank(context.Background(), "q", results)
	if got[0].ID != "b" || got[1].ID != "a" || got[2].ID != "c" {
		t.Errorf("unexpected partial order: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
}

type fakeOracle struct {
	results []SearchResult
	err     error
	calls   int
}

func (o *fakeOracle) Ask(ctx context.Context, query string, queryContext map[string]any) ([]SearchResult, error) {
	o.calls++
	return o.results, o.err
}

func TestSearchWithOracle(t *testing.T) {
	local := &fakeSearcher{results: []SearchResult{scored("local", 0.9)}}
	r := newTestRetriever(local)

	// Without an oracle the local index answers
	results, err := r.SearchWithOracle(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("search with oracle: %v", err)
	}
	if len(results) != 1 || results[0].ID != "local" {
		t.Errorf("expected local result, got %v", results)
	}

	// A healthy oracle wins
	oracle := &fakeOracle{results: []SearchResult{scored("oracle", 1.0)}}
	r.SetOracle(oracle)
	results, err = r.SearchWithOracle(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("search with oracle: %v", err)
	}
	if len(results) != 1 || results[0].ID != "oracle" {
		t.Errorf("expected oracle result, got %v", results)
	}

	// Oracle failure falls back to the local index without surfacing the error
	r.SetOracle(&fakeOracle{err: errors.New("worker busy")})
	results, err = r.SearchWithOracle(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("expected silent fallback, got %v", err)
	}
	if len(results) != 1 || results[0].ID != "local" {
		t.Errorf("expected local fallback result, got %v", results)
	}

	// An empty oracle answer also falls back
	r.SetOracle(&fakeOracle{})
	results, _ = r.SearchWithOracle(context.Background(), "q", nil)
	if len(results) != 1 || results[0].ID != "local" {
		t.Errorf("expected local fallback for empty oracle answer, got %v", results)
	}
}

func newTestIndex(t *testing.T) (*Index, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	idx, err := Open(filepath.Join(dir, "index.bleve"), st)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx, st
}

func TestIndexIngestAndSearch(t *testing.T) {
	idx, st := newTestIndex(t)
	ctx := context.Background()

	date := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	docs := []*store.Document{
		{ID: "d1", Name: "q1-revenue", Content: "Quarterly revenue grew twelve percent", Type: "report", Date: &date},
		{ID: "d2", Name: "meeting-notes", Content: "Notes from the quarterly planning meeting", Type: "note"},
		{ID: "d3", Name: "recipe", Content: "How to bake sourdough bread", Type: "note"},
	}
	for _, d := range docs {
		if err := idx.Ingest(ctx, d); err != nil {
			t.Fatalf("ingest %s: %v", d.ID, err)
		}
	}

	// Dual write: rows persisted alongside index entries
	n, err := st.CountDocuments()
	if err != nil {
		t.Fatalf("count documents: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 stored documents, got %d", n)
	}
	count, err := idx.DocCount()
	if err != nil {
		t.Fatalf("doc count: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 indexed documents, got %d", count)
	}

	results, err := idx.Search(ctx, "quarterly revenue", 5, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected hits for quarterly revenue")
	}
	if results[0].ID != "d1" {
		t.Errorf("expected d1 as best hit, got %s", results[0].ID)
	}
	if results[0].Score != 1.0 {
		t.Errorf("expected normalized best score 1.0, got %f", results[0].Score)
	}
	for _, res := range results {
		if res.Score <= 0 || res.Score > 1 {
			t.Errorf("score out of (0,1]: %f for %s", res.Score, res.ID)
		}
	}

	// Type filter narrows results
	results, err = idx.Search(ctx, "quarterly", 5, map[string]any{"type": "report"})
	if err != nil {
		t.Fatalf("filtered search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "d1" {
		t.Errorf("expected only the report, got %v", results)
	}
}

func TestIndexRemove(t *testing.T) {
	idx, st := newTestIndex(t)
	ctx := context.Background()

	doc := &store.Document{ID: "gone", Name: "ephemeral", Content: "soon to vanish"}
	if err := idx.Ingest(ctx, doc); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := idx.Remove(ctx, "gone"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	row, _ := st.GetDocument("gone")
	if row != nil {
		t.Error("expected store row deleted")
	}
	count, _ := idx.DocCount()
	if count != 0 {
		t.Errorf("expected empty index, got %d", count)
	}
}

func TestIndexReindexFromStore(t *testing.T) {
	idx, st := newTestIndex(t)
	ctx := context.Background()

	// Rows written behind the index's back, as after a crash mid-ingest
	for i := 0; i < 4; i++ {
		if err := st.SaveDocument(&store.Document{
			ID:      fmt.Sprintf("r%d", i),
			Name:    fmt.Sprintf("orphan-%d", i),
			Content: "recoverable content about orchestration",
		}); err != nil {
			t.Fatalf("save document: %v", err)
		}
	}

	n, err := idx.Reindex(ctx)
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 reindexed documents, got %d", n)
	}

	results, err := idx.Search(ctx, "orchestration", 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 4 {
		t.Errorf("expected 4 hits after reindex, got %d", len(results))
	}
}
