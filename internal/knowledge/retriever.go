package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ppallis/conclave/internal/config"
	"github.com/ppallis/conclave/internal/events"
	"github.com/ppallis/conclave/internal/inference"
)

const (
	DefaultTopK     = 5
	DefaultMinScore = 0.4
)

// Options tune a single search. Zero values fall back to the retriever's
// configured defaults.
type Options struct {
	TopK     int
	MinScore float64
}

// Oracle answers knowledge queries through a more capable channel than the
// local index, typically a knowledge worker reached via the swarm.
type Oracle interface {
	Ask(ctx context.Context, query string, queryContext map[string]any) ([]SearchResult, error)
}

// Retriever wraps a Searcher with score filtering, context-derived filters,
// fan-out helpers and the oracle fallback.
type Retriever struct {
	searcher Searcher
	topK     int
	minScore float64
	events   *events.Log

	mu       sync.RWMutex
	oracle   Oracle
	reranker inference.Client
}

func NewRetriever(searcher Searcher, cfg config.KnowledgeConfig, eventLog *events.Log) *Retriever {
	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	minScore := cfg.MinScore
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	return &Retriever{
		searcher: searcher,
		topK:     topK,
		minScore: minScore,
		events:   eventLog,
	}
}

// SetOracle installs the oracle. Passing nil removes it.
func (r *Retriever) SetOracle(o Oracle) {
	r.mu.Lock()
	r.oracle = o
	r.mu.Unlock()
}

// SetReranker installs the inference client used by Rerank. Passing nil
// disables reranking.
func (r *Retriever) SetReranker(c inference.Client) {
	r.mu.Lock()
	r.reranker = c
	r.mu.Unlock()
}

func (r *Retriever) Search(ctx context.Context, query string, opts Options) ([]SearchResult, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = r.topK
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = r.minScore
	}
	return r.search(ctx, query, topK, minScore, nil)
}

// SearchWithContext derives index filters from the query context:
// "document_type" becomes a type filter, "date_range" a date filter.
// Unknown context keys are ignored.
func (r *Retriever) SearchWithContext(ctx context.Context, query string, queryContext map[string]any) ([]SearchResult, error) {
	filters := map[string]any{}
	if t, ok := queryContext["document_type"].(string); ok && t != "" {
		filters["type"] = t
	}
	if dr, ok := dateRangeFrom(queryContext["date_range"]); ok {
		filters["date"] = dr
	}
	if len(filters) == 0 {
		filters = nil
	}
	return r.search(ctx, query, r.topK, r.minScore, filters)
}

// MultiQuerySearch fans out over the queries concurrently. A failed query
// yields an empty result list, never an error for the whole batch.
func (r *Retriever) MultiQuerySearch(ctx context.Context, queries []string, topK int) map[string][]SearchResult {
	if topK <= 0 {
		topK = r.topK
	}

	results := make([][]SearchResult, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			res, err := r.search(ctx, q, topK, r.minScore, nil)
			if err != nil {
				slog.Warn("multi-query search failed", "query", q, "error", err)
				return
			}
			results[i] = res
		}(i, q)
	}
	wg.Wait()

	out := make(map[string][]SearchResult, len(queries))
	for i, q := range queries {
		if results[i] == nil {
			results[i] = []SearchResult{}
		}
		out[q] = results[i]
	}
	return out
}

// FindSimilar searches for documents resembling doc, using its content as
// the query text and falling back to name then path when empty. The source
// document never appears in the results.
func (r *Retriever) FindSimilar(ctx context.Context, doc SearchResult, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = r.topK
	}
	text := doc.Content
	if text == "" {
		text = doc.Name
	}
	if text == "" {
		text = doc.Path
	}
	if text == "" {
		return nil, fmt.Errorf("document %s has no searchable text", doc.ID)
	}

	// One extra slot because the source document usually matches itself.
	raw, err := r.searcher.Search(ctx, text, 2*(topK+1), nil)
	if err != nil {
		return nil, fmt.Errorf("similar search: %w", err)
	}
	results := make([]SearchResult, 0, len(raw))
	for _, res := range raw {
		if res.ID == doc.ID || res.Score < r.minScore {
			continue
		}
		results = append(results, res)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	r.record(text, len(results))
	return results, nil
}

// Rerank asks the configured inference client to reorder results by
// relevance to the query. On any failure the original order is kept.
func (r *Retriever) Rerank(ctx context.Context, query string, results []SearchResult) []SearchResult {
	r.mu.RLock()
	client := r.reranker
	r.mu.RUnlock()
	if client == nil || len(results) < 2 {
		return results
	}

	var b strings.Builder
	for i, res := range results {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i, res.Name, snippet(res.Content, 200))
	}
	resp, err := client.Infer(ctx, inference.Request{
		System:      rerankPrompt,
		Prompt:      fmt.Sprintf("Query: %s\n\nDocuments:\n%s", query, b.String()),
		Temperature: 0.1,
	})
	if err != nil {
		slog.Warn("rerank inference failed, keeping index order", "error", err)
		return results
	}

	order, err := parseRerankOrder(resp.Text, len(results))
	if err != nil {
		slog.Warn("rerank response unusable, keeping index order", "error", err)
		return results
	}
	out := make([]SearchResult, 0, len(results))
	for _, idx := range order {
		out = append(out, results[idx])
	}
	return out
}

// SearchWithOracle consults the oracle first. When the oracle is unset,
// fails, or finds nothing, the local index answers instead; oracle failures
// never reach the caller.
func (r *Retriever) SearchWithOracle(ctx context.Context, query string, queryContext map[string]any) ([]SearchResult, error) {
	r.mu.RLock()
	oracle := r.oracle
	r.mu.RUnlock()

	if oracle != nil {
		results, err := oracle.Ask(ctx, query, queryContext)
		if err == nil && len(results) > 0 {
			r.record(query, len(results))
			return results, nil
		}
		if err != nil {
			slog.Warn("oracle unavailable, falling back to local search", "error", err)
		}
	}
	return r.SearchWithContext(ctx, query, queryContext)
}

func (r *Retriever) search(ctx context.Context, query string, topK int, minScore float64, filters map[string]any) ([]SearchResult, error) {
	// Over-fetch so the score floor does not starve the result set.
	raw, err := r.searcher.Search(ctx, query, 2*topK, filters)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	results := make([]SearchResult, 0, len(raw))
	for _, res := range raw {
		if res.Score >= minScore {
			results = append(results, res)
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	r.record(query, len(results))
	return results, nil
}

func (r *Retriever) record(query string, hits int) {
	if r.events == nil {
		return
	}
	r.events.Append(events.Event{
		Type: events.SearchPerformed,
		Data: map[string]any{"query": snippet(query, 120), "hits": hits},
	})
}

const rerankPrompt = `You re-rank search results. Given a query and a numbered list of documents, reply with a JSON array of document numbers ordered from most to least relevant. Reply with the array only.`

func parseRerankOrder(text string, n int) ([]int, error) {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}
	var order []int
	if err := json.Unmarshal([]byte(text[start:end+1]), &order); err != nil {
		return nil, fmt.Errorf("parse order: %w", err)
	}

	seen := make(map[int]bool, n)
	valid := make([]int, 0, n)
	for _, idx := range order {
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		valid = append(valid, idx)
	}
	// Anything the model forgot keeps its original position at the tail.
	for i := 0; i < n; i++ {
		if !seen[i] {
			valid = append(valid, i)
		}
	}
	return valid, nil
}

func dateRangeFrom(v any) (DateRange, bool) {
	switch dr := v.(type) {
	case DateRange:
		return dr, !(dr.From.IsZero() && dr.To.IsZero())
	case map[string]any:
		var out DateRange
		if s, ok := dr["from"].(string); ok {
			if t, ok := parseDate(s); ok {
				out.From = t
			}
		}
		if s, ok := dr["to"].(string); ok {
			if t, ok := parseDate(s); ok {
				out.To = t
			}
		}
		return out, !(out.From.IsZero() && out.To.IsZero())
	}
	return DateRange{}, false
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
