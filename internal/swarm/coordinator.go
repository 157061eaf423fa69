// Package swarm holds the root orchestration loop: classify a query into
// capabilities, fan requests out to the workers holding them, and fold the
// answers back into one response.
package swarm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/ppallis/conclave/internal/cache"
	"github.com/ppallis/conclave/internal/dispatch"
	"github.com/ppallis/conclave/internal/events"
	"github.com/ppallis/conclave/internal/inference"
	"github.com/ppallis/conclave/internal/knowledge"
	"github.com/ppallis/conclave/internal/natsbus"
	"github.com/ppallis/conclave/internal/protocol"
	"github.com/ppallis/conclave/internal/registry"
	"github.com/ppallis/conclave/internal/store"
)

// Caps on the merged result lists. Workers repeat each other, so anything
// past these is noise.
const (
	maxSources = 10
	maxActions = 10
	maxRisks   = 5
)

// Result is the coordinator's final word on a query.
type Result struct {
	Query        string        `json:"query"`
	Answer       string        `json:"answer"`
	Capabilities []string      `json:"capabilities,omitempty"`
	Workers      []string      `json:"workers,omitempty"`
	Sources      []string      `json:"sources,omitempty"`
	Actions      []string      `json:"actions,omitempty"`
	Risks        []string      `json:"risks,omitempty"`
	CacheHit     bool          `json:"cache_hit"`
	Elapsed      time.Duration `json:"elapsed"`
}

// workerResponse pairs a worker's id with the content it answered, in the
// order responses arrived.
type workerResponse struct {
	Worker  string         `json:"worker"`
	Content map[string]any `json:"content"`
}

// Coordinator plays the root persona. It answers queries by consulting the
// roster's specialists through the dispatcher and synthesizing their replies.
type Coordinator struct {
	client     *natsbus.Client
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	infer      inference.Client
	results    *cache.Cache[*Result]
	store      *store.Store
	events     *events.Log

	sub *nats.Subscription
}

func New(client *natsbus.Client, reg *registry.Registry, disp *dispatch.Dispatcher, infer inference.Client, results *cache.Cache[*Result], st *store.Store, eventLog *events.Log) *Coordinator {
	return &Coordinator{
		client:     client,
		registry:   reg,
		dispatcher: disp,
		infer:      infer,
		results:    results,
		store:      st,
		events:     eventLog,
	}
}

// Answer resolves a query through the swarm. Identical queries within the
// cache TTL are answered from the result cache; concurrent duplicates share
// one run. A cached result comes back with CacheHit set on a copy, so the
// stored entry stays pristine.
func (c *Coordinator) Answer(ctx context.Context, query string) (*Result, error) {
	return c.AnswerWith(ctx, query, nil)
}

// AnswerWith pins the query to the given capabilities instead of classifying
// it. The scheduler uses this for capability-pinned scheduled queries. Pinned
// and unpinned runs of the same query cache separately.
func (c *Coordinator) AnswerWith(ctx context.Context, query string, capabilities []string) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("empty query")
	}
	result, hit, err := c.results.GetOrCompute(ctx, queryKey(query, capabilities), func(ctx context.Context) (*Result, error) {
		return c.answer(ctx, query, capabilities)
	})
	if err != nil {
		return nil, err
	}
	if hit {
		c.record(events.CacheHit, "", map[string]any{"query": clip(query, 120)})
		cached := *result
		cached.CacheHit = true
		return &cached, nil
	}
	return result, nil
}

// queryKey normalizes a query and its capability pins into a cache key.
func queryKey(query string, capabilities []string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(query))))
	for _, capability := range capabilities {
		h.Write([]byte{'|'})
		h.Write([]byte(strings.ToLower(strings.TrimSpace(capability))))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Coordinator) answer(ctx context.Context, query string, pinned []string) (*Result, error) {
	started := time.Now()
	runID := uuid.New().String()

	caps := c.capabilities(ctx, query, pinned)
	c.record(events.QueryStarted, runID, map[string]any{"query": clip(query, 120), "capabilities": caps})
	c.saveRun(&store.Run{
		ID:           runID,
		Query:        query,
		Status:       "running",
		Capabilities: rawJSON(caps),
		StartedAt:    started,
	})

	responses := c.fanOut(ctx, runID, query, caps)

	var result *Result
	if len(responses) == 0 {
		// Nobody useful to ask, or everybody failed. The root answers alone.
		answer, err := c.rootAnswer(ctx, query)
		if err != nil {
			c.failRun(runID, err)
			c.record(events.QueryCompleted, runID, map[string]any{"status": "failed", "error": err.Error()})
			return nil, fmt.Errorf("answer %q: %w", clip(query, 60), err)
		}
		result = &Result{Query: query, Answer: answer}
	} else {
		result = c.synthesize(ctx, query, responses)
	}
	result.Capabilities = caps
	result.Elapsed = time.Since(started)

	c.saveRun(&store.Run{
		ID:           runID,
		Query:        query,
		Status:       "completed",
		Capabilities: rawJSON(caps),
		Responses:    rawJSON(responses),
		Answer:       result.Answer,
		StartedAt:    started,
	})
	c.record(events.QueryCompleted, runID, map[string]any{
		"workers": result.Workers,
		"elapsed": result.Elapsed.String(),
	})
	return result, nil
}

// fanOut sends one capability-routed request per classified capability and
// collects whatever comes back. Failed or error-enveloped branches are
// logged and skipped; partial coverage beats no answer.
func (c *Coordinator) fanOut(ctx context.Context, runID, query string, caps []string) []workerResponse {
	type branch struct {
		resp *protocol.Envelope
		err  error
	}
	results := make([]branch, len(caps))

	var wg sync.WaitGroup
	for i, capability := range caps {
		wg.Add(1)
		go func(i int, capability string) {
			defer wg.Done()
			env, err := protocol.NewRequest(registry.RootID, "", requestContent(capability, query))
			if err != nil {
				results[i] = branch{err: err}
				return
			}
			resp, err := c.dispatcher.RequestCapability(ctx, capability, env)
			results[i] = branch{resp: resp, err: err}
		}(i, capability)
	}
	wg.Wait()

	var responses []workerResponse
	for i, b := range results {
		switch {
		case b.err != nil:
			slog.Warn("capability branch failed", "capability", caps[i], "run_id", runID, "error", b.err)
		case b.resp.IsError():
			slog.Warn("capability branch errored", "capability", caps[i], "run_id", runID,
				"worker", b.resp.Sender, "code", b.resp.ErrorCode())
		default:
			responses = append(responses, workerResponse{Worker: b.resp.Sender, Content: b.resp.Content})
		}
	}
	return responses
}

// requestContent shapes the fan-out payload so knowledge workers route it to
// the right intent handler.
func requestContent(capability, query string) map[string]any {
	switch capability {
	case "verification":
		return map[string]any{"query_type": "verify", "claim": query}
	case "search", "retrieval", "memory", "context":
		return map[string]any{"query_type": "query", "question": query}
	default:
		return map[string]any{"question": query}
	}
}

// synthesize merges worker responses and asks the root model for one coherent
// answer. If synthesis inference fails, the pre-merged worker answers are
// returned as-is rather than failing the whole query.
func (c *Coordinator) synthesize(ctx context.Context, query string, responses []workerResponse) *Result {
	result := &Result{
		Query:   query,
		Workers: workerNames(responses),
	}
	result.Sources = mergeList(responses, []string{"sources"}, maxSources)
	result.Actions = mergeList(responses, []string{"actions", "recommendations"}, maxActions)
	result.Risks = mergeList(responses, []string{"risks", "warnings"}, maxRisks)

	var b strings.Builder
	for _, r := range responses {
		if text := answerText(r.Content); text != "" {
			fmt.Fprintf(&b, "[%s] %s\n\n", r.Worker, text)
		}
	}
	if b.Len() == 0 {
		result.Answer = fmt.Sprintf("Consulted %s but none produced a usable answer.",
			strings.Join(result.Workers, ", "))
		return result
	}

	meta := c.rootMeta()
	resp, err := c.infer.Infer(ctx, inference.Request{
		System: rootSystem(meta),
		Prompt: fmt.Sprintf("Question: %s\n\nSpecialist answers:\n%s\nCombine these into a single coherent answer. Resolve any disagreement between specialists explicitly.",
			query, b.String()),
		Model:       meta.Model,
		Temperature: 0.7,
	})
	if err != nil {
		// The merged specialist answers still address the question.
		slog.Warn("synthesis failed, returning merged answers", "error", err)
		result.Answer = strings.TrimSpace(b.String())
		return result
	}
	result.Answer = strings.TrimSpace(resp.Text)
	return result
}

// rootAnswer asks the root model directly, without specialist input.
func (c *Coordinator) rootAnswer(ctx context.Context, query string) (string, error) {
	meta := c.rootMeta()
	temperature := meta.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}
	resp, err := c.infer.Infer(ctx, inference.Request{
		System:      rootSystem(meta),
		Prompt:      query,
		Model:       meta.Model,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("root inference: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (c *Coordinator) rootMeta() registry.Metadata {
	if meta, ok := c.registry.Get(registry.RootID); ok {
		return meta
	}
	return registry.Metadata{ID: registry.RootID, Temperature: 0.7}
}

func rootSystem(meta registry.Metadata) string {
	if meta.Description != "" {
		return "You are " + meta.Description + "."
	}
	return "You are the orchestrator of a swarm of specialist agents."
}

// Ask lets the knowledge retriever escalate a local-index miss to a
// retrieval worker. It satisfies knowledge.Oracle.
func (c *Coordinator) Ask(ctx context.Context, query string, queryContext map[string]any) ([]knowledge.SearchResult, error) {
	content := map[string]any{"query_type": "semantic_search", "query": query}
	if len(queryContext) > 0 {
		content["filters"] = queryContext
	}
	env, err := protocol.NewRequest(registry.RootID, "", content)
	if err != nil {
		return nil, err
	}
	resp, err := c.dispatcher.RequestCapability(ctx, "retrieval", env)
	if err != nil {
		return nil, fmt.Errorf("oracle request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("oracle %s: %v", resp.ErrorCode(), resp.Content["error"])
	}
	raw, err := json.Marshal(resp.Content["results"])
	if err != nil {
		return nil, fmt.Errorf("oracle payload: %w", err)
	}
	var results []knowledge.SearchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("oracle payload: %w", err)
	}
	return results, nil
}

type queryPayload struct {
	Query        string   `json:"query"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Serve answers queries arriving on the query subject, which is how the CLI
// reaches a running swarm. Coordinators share a queue group so a query is
// answered once even with several instances up.
func (c *Coordinator) Serve(ctx context.Context) error {
	sub, err := c.client.QueueSubscribe(natsbus.TopicQuery, "coordinator", func(msg *nats.Msg) {
		go c.handleQuery(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe query subject: %w", err)
	}
	c.sub = sub
	slog.Info("coordinator serving", "subject", natsbus.TopicQuery)
	return nil
}

// Stop unsubscribes from the query subject. In-flight answers keep the
// context Serve was given.
func (c *Coordinator) Stop() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
		c.sub = nil
	}
}

func (c *Coordinator) handleQuery(ctx context.Context, msg *nats.Msg) {
	var payload queryPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Query == "" {
		// Plain-text queries are accepted too.
		payload.Query = string(msg.Data)
	}
	result, err := c.AnswerWith(ctx, payload.Query, payload.Capabilities)
	if err != nil {
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		_ = msg.Respond(data)
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		slog.Error("encode result", "error", err)
		return
	}
	_ = msg.Respond(data)
}

// workerNames lists the distinct workers that contributed, in response order.
func workerNames(responses []workerResponse) []string {
	seen := make(map[string]bool, len(responses))
	var names []string
	for _, r := range responses {
		if r.Worker == "" || seen[r.Worker] {
			continue
		}
		seen[r.Worker] = true
		names = append(names, r.Worker)
	}
	return names
}

// answerText pulls the free-text portion of a worker response.
func answerText(content map[string]any) string {
	for _, key := range []string{"answer", "context", "verification"} {
		if s, ok := content[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// mergeList gathers the named list fields across responses, deduplicated
// case-insensitively with first spelling and order preserved, truncated to
// limit.
func mergeList(responses []workerResponse, keys []string, limit int) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, r := range responses {
		for _, key := range keys {
			for _, item := range stringList(r.Content[key]) {
				item = strings.TrimSpace(item)
				lower := strings.ToLower(item)
				if item == "" || seen[lower] {
					continue
				}
				seen[lower] = true
				merged = append(merged, item)
				if len(merged) == limit {
					return merged
				}
			}
		}
	}
	return merged
}

// stringList coerces a decoded JSON value into a string slice.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func rawJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func (c *Coordinator) saveRun(r *store.Run) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveRun(r); err != nil {
		slog.Warn("save run failed", "run_id", r.ID, "error", err)
	}
}

func (c *Coordinator) failRun(runID string, cause error) {
	if c.store == nil {
		return
	}
	if err := c.store.UpdateRun(runID, "failed", cause.Error(), nil); err != nil {
		slog.Warn("save run failed", "run_id", runID, "error", err)
	}
}

func (c *Coordinator) record(eventType, taskID string, data map[string]any) {
	if c.events == nil {
		return
	}
	c.events.Append(events.Event{Type: eventType, TaskID: taskID, Data: data})
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
