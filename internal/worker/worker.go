package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/ppallis/conclave/internal/events"
	"github.com/ppallis/conclave/internal/inference"
	"github.com/ppallis/conclave/internal/knowledge"
	"github.com/ppallis/conclave/internal/natsbus"
	"github.com/ppallis/conclave/internal/protocol"
	"github.com/ppallis/conclave/internal/registry"
)

// Handler processes one request envelope and returns the response content.
type Handler func(ctx context.Context, env *protocol.Envelope) (map[string]any, error)

// Worker is a single swarm persona: an intent table over an inference
// client, optionally backed by the knowledge retriever. Requests it cannot
// match fall through to the default handler, which answers with the
// persona's own voice; the caller always gets a response envelope.
type Worker struct {
	meta      registry.Metadata
	client    *natsbus.Client
	infer     inference.Client
	retriever *knowledge.Retriever
	events    *events.Log

	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler

	subs []*nats.Subscription
}

func New(meta registry.Metadata, client *natsbus.Client, infer inference.Client, eventLog *events.Log) *Worker {
	w := &Worker{
		meta:     meta,
		client:   client,
		infer:    infer,
		events:   eventLog,
		handlers: make(map[string]Handler),
	}
	w.fallback = w.answerWithInference
	return w
}

// WithKnowledge wires the retriever and registers the knowledge intents.
func (w *Worker) WithKnowledge(r *knowledge.Retriever) *Worker {
	w.retriever = r
	w.Register("query", w.handleQuery)
	w.Register("semantic_search", w.handleSemanticSearch)
	w.Register("verify", w.handleVerify)
	w.Register("retrieve_context", w.handleRetrieveContext)
	return w
}

func (w *Worker) ID() string {
	return w.meta.ID
}

func (w *Worker) Meta() registry.Metadata {
	return w.meta
}

// Register binds a handler to an intent tag, replacing any previous one.
func (w *Worker) Register(intent string, h Handler) {
	w.mu.Lock()
	w.handlers[intent] = h
	w.mu.Unlock()
}

// SetFallback replaces the default handler used for unmatched intents.
func (w *Worker) SetFallback(h Handler) {
	w.mu.Lock()
	w.fallback = h
	w.mu.Unlock()
}

// HandleEnvelope dispatches env by intent and always returns a response
// envelope correlated to it. A tag nobody registered goes to the default
// handler; handler failures become error responses, never dropped requests.
func (w *Worker) HandleEnvelope(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	intent := env.Intent()

	w.mu.RLock()
	h, ok := w.handlers[intent]
	fallback := w.fallback
	w.mu.RUnlock()

	if !ok {
		if intent != "" {
			w.record(events.UnknownIntent, env.ID, map[string]any{"intent": intent})
		}
		h = fallback
	}

	content, err := h(ctx, env)
	if err != nil {
		return protocol.NewErrorResponse(env, protocol.CodeFor(err), err.Error())
	}
	return protocol.NewResponse(env, content)
}

// Serve subscribes the worker to its request subject and the broadcast
// subject. Each request runs in its own goroutine and replies on the
// request's reply subject.
func (w *Worker) Serve(ctx context.Context) error {
	reqSub, err := w.client.Subscribe(natsbus.TopicWorkerRequest(w.meta.ID), func(msg *nats.Msg) {
		go w.handleRequest(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe requests: %w", err)
	}

	bcastSub, err := w.client.Subscribe(natsbus.TopicBroadcast, func(msg *nats.Msg) {
		go w.handleBroadcast(ctx, msg.Data)
	})
	if err != nil {
		_ = reqSub.Unsubscribe()
		return fmt.Errorf("subscribe broadcast: %w", err)
	}

	w.subs = append(w.subs, reqSub, bcastSub)
	w.record(events.WorkerRegistered, "", map[string]any{"tier": w.meta.Tier})
	slog.Info("worker serving", "worker", w.meta.ID, "tier", w.meta.Tier)
	return nil
}

// Stop drops the worker's subscriptions. In-flight requests finish on
// their own goroutines.
func (w *Worker) Stop() {
	for _, sub := range w.subs {
		_ = sub.Unsubscribe()
	}
	w.subs = nil
}

func (w *Worker) handleRequest(ctx context.Context, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("undecodable request", "worker", w.meta.ID, "error", err)
		return
	}

	if w.meta.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.meta.Timeout)
		defer cancel()
	}

	resp := w.HandleEnvelope(ctx, env)
	if err := w.client.PublishEnvelope(natsbus.TopicReply(env.ID), resp); err != nil {
		slog.Warn("reply publish failed", "worker", w.meta.ID, "request", env.ID, "error", err)
	}
}

// handleBroadcast runs a matching handler for its side effects. Broadcasts
// are never replied to and unmatched ones are informational only.
func (w *Worker) handleBroadcast(ctx context.Context, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("undecodable broadcast", "worker", w.meta.ID, "error", err)
		return
	}
	if env.Sender == w.meta.ID {
		return
	}

	w.mu.RLock()
	h, ok := w.handlers[env.Intent()]
	w.mu.RUnlock()
	if !ok {
		return
	}
	if _, err := h(ctx, env); err != nil {
		slog.Debug("broadcast handler failed", "worker", w.meta.ID, "intent", env.Intent(), "error", err)
	}
}

// answerWithInference is the default handler: the persona answers the
// request text directly, factual temperature unless the persona overrides.
func (w *Worker) answerWithInference(ctx context.Context, env *protocol.Envelope) (map[string]any, error) {
	question := textContent(env.Content)
	if question == "" {
		return nil, fmt.Errorf("%w: request carries no text", protocol.ErrInvalidEnvelope)
	}

	resp, err := w.infer.Infer(ctx, inference.Request{
		System:      w.systemPrompt(),
		Prompt:      question,
		Model:       w.meta.Model,
		Temperature: w.temperature(0.2),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrUpstreamFailure, err)
	}
	return map[string]any{
		"answer":   resp.Text,
		"agent_id": w.meta.ID,
	}, nil
}

func (w *Worker) handleQuery(ctx context.Context, env *protocol.Envelope) (map[string]any, error) {
	question := textContent(env.Content)
	if question == "" {
		return nil, fmt.Errorf("%w: query without a question", protocol.ErrInvalidEnvelope)
	}
	topK := intValue(env.Content, "top_k", 10)

	results, err := w.retriever.Search(ctx, question, knowledge.Options{TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}

	answer, err := w.composeAnswer(ctx, question, results)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"answer":       answer,
		"agent_id":     w.meta.ID,
		"sources":      sourceNames(results),
		"source_count": len(results),
	}, nil
}

func (w *Worker) handleSemanticSearch(ctx context.Context, env *protocol.Envelope) (map[string]any, error) {
	query := stringValue(env.Content, "query")
	if query == "" {
		return nil, fmt.Errorf("%w: semantic_search without a query", protocol.ErrInvalidEnvelope)
	}
	topK := intValue(env.Content, "top_k", 20)

	var results []knowledge.SearchResult
	var err error
	if filters, ok := env.Content["filters"].(map[string]any); ok && len(filters) > 0 {
		results, err = w.retriever.SearchWithContext(ctx, query, filters)
	} else {
		results, err = w.retriever.Search(ctx, query, knowledge.Options{TopK: topK})
	}
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	results = w.retriever.Rerank(ctx, query, results)

	return map[string]any{
		"results":      resultMaps(results),
		"result_count": len(results),
	}, nil
}

func (w *Worker) handleVerify(ctx context.Context, env *protocol.Envelope) (map[string]any, error) {
	claim := stringValue(env.Content, "claim")
	if claim == "" {
		claim = textContent(env.Content)
	}
	if claim == "" {
		return nil, fmt.Errorf("%w: verify without a claim", protocol.ErrInvalidEnvelope)
	}

	evidence, err := w.retriever.Search(ctx, claim, knowledge.Options{TopK: 15})
	if err != nil {
		return nil, fmt.Errorf("evidence search: %w", err)
	}

	var b strings.Builder
	for i, res := range evidence {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, res.Name, clip(res.Content, 500))
	}
	resp, err := w.infer.Infer(ctx, inference.Request{
		System: w.systemPrompt(),
		Prompt: fmt.Sprintf("Claim: %s\n\nEvidence:\n%s\nAssess whether the evidence supports or contradicts the claim. Start your reply with exactly one word: supported, contradicted, or unverified. Then explain.",
			claim, b.String()),
		Model:       w.meta.Model,
		Temperature: w.temperature(0.1),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrUpstreamFailure, err)
	}

	return map[string]any{
		"verdict":        verdictOf(resp.Text),
		"verification":   resp.Text,
		"evidence_count": len(evidence),
	}, nil
}

func (w *Worker) handleRetrieveContext(ctx context.Context, env *protocol.Envelope) (map[string]any, error) {
	topic := stringValue(env.Content, "topic")
	if topic == "" {
		topic = textContent(env.Content)
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: retrieve_context without a topic", protocol.ErrInvalidEnvelope)
	}
	depth := stringValue(env.Content, "depth")
	topK, ok := depthTopK[depth]
	if !ok {
		depth = "medium"
		topK = depthTopK[depth]
	}

	results, err := w.retriever.Search(ctx, topic, knowledge.Options{TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("context search: %w", err)
	}

	var b strings.Builder
	for i, res := range results {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, res.Name, clip(res.Content, 500))
	}
	resp, err := w.infer.Infer(ctx, inference.Request{
		System: w.systemPrompt(),
		Prompt: fmt.Sprintf("Topic: %s\n\nDocuments:\n%s\nSummarize what the documents say about the topic, covering the key concepts and how they relate.",
			topic, b.String()),
		Model:       w.meta.Model,
		Temperature: w.temperature(0.2),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrUpstreamFailure, err)
	}

	return map[string]any{
		"context":      resp.Text,
		"depth":        depth,
		"source_count": len(results),
	}, nil
}

// depthTopK maps a retrieve_context depth to how many documents back it.
var depthTopK = map[string]int{
	"shallow": 5,
	"medium":  15,
	"deep":    30,
}

func (w *Worker) composeAnswer(ctx context.Context, question string, results []knowledge.SearchResult) (string, error) {
	prompt := question
	if len(results) > 0 {
		var b strings.Builder
		for i, res := range results {
			fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, res.Name, clip(res.Content, 500))
		}
		prompt = fmt.Sprintf("Question: %s\n\nRetrieved documents:\n%s\nAnswer the question using the documents above and cite document numbers.",
			question, b.String())
	}

	resp, err := w.infer.Infer(ctx, inference.Request{
		System:      w.systemPrompt(),
		Prompt:      prompt,
		Model:       w.meta.Model,
		Temperature: w.temperature(0.2),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrUpstreamFailure, err)
	}
	return resp.Text, nil
}

func (w *Worker) systemPrompt() string {
	desc := w.meta.Description
	if desc == "" {
		desc = "a specialist in " + strings.Join(w.meta.Capabilities, ", ")
	}
	return fmt.Sprintf("You are %s, %s. Answer concisely. Say so plainly when you do not know.", w.meta.ID, desc)
}

func (w *Worker) temperature(def float64) float64 {
	if w.meta.Temperature > 0 {
		return w.meta.Temperature
	}
	return def
}

func (w *Worker) record(eventType, taskID string, data map[string]any) {
	if w.events == nil {
		return
	}
	w.events.Append(events.Event{
		Type:    eventType,
		AgentID: w.meta.ID,
		TaskID:  taskID,
		Data:    data,
	})
}

// textContent pulls the free-text payload out of a request, trying the
// conventional keys in order.
func textContent(content map[string]any) string {
	for _, key := range []string{"question", "query", "task", "topic", "text"} {
		if s, ok := content[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringValue(content map[string]any, key string) string {
	s, _ := content[key].(string)
	return s
}

// intValue reads a positive integer that may arrive as a JSON float64.
func intValue(content map[string]any, key string, def int) int {
	switch v := content[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return def
}

func verdictOf(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "unverified"
	}
	switch first := strings.ToLower(strings.Trim(fields[0], ".,:")); first {
	case "supported", "contradicted", "unverified":
		return first
	}
	return "unverified"
}

func sourceNames(results []knowledge.SearchResult) []string {
	names := make([]string, 0, len(results))
	for _, res := range results {
		names = append(names, res.Name)
	}
	return names
}

func resultMaps(results []knowledge.SearchResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]any{
			"id":      res.ID,
			"name":    res.Name,
			"path":    res.Path,
			"type":    res.Type,
			"score":   res.Score,
			"content": clip(res.Content, 500),
		})
	}
	return out
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
