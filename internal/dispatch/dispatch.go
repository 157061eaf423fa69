package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ppallis/conclave/internal/config"
	"github.com/ppallis/conclave/internal/events"
	"github.com/ppallis/conclave/internal/natsbus"
	"github.com/ppallis/conclave/internal/protocol"
	"github.com/ppallis/conclave/internal/registry"
	"github.com/ppallis/conclave/internal/store"
)

// ErrNoCapacity means no worker holding the required capability is under its
// concurrency limit right now.
var ErrNoCapacity = errors.New("no worker with spare capacity")

// States of an outstanding request. Escalated is transient: a timed-out
// entry re-enters Pending the moment its next hop is issued.
const (
	StatePending   = "pending"
	StateCompleted = "completed"
	StateTimedOut  = "timed_out"
	StateEscalated = "escalated"
	StateCancelled = "cancelled"
)

// pendingRequest tracks one logical collaboration across its escalation
// hops. Every hop envelope id maps back to the same entry; originalID is
// what the caller correlates on.
type pendingRequest struct {
	originalID string
	ids        []string
	env        *protocol.Envelope
	worker     string
	hop        int
	state      string
	done       chan *protocol.Envelope
	timer      *time.Timer
}

// PendingInfo is a point-in-time view of one outstanding request.
type PendingInfo struct {
	ID       string        `json:"id"`
	Worker   string        `json:"worker"`
	Hop      int           `json:"hop"`
	State    string        `json:"state"`
	Age      time.Duration `json:"age"`
	Priority string        `json:"priority"`
}

// Dispatcher routes request envelopes to workers and shepherds each one to a
// terminal state. Callers always get exactly one final response: the
// worker's reply, an escalated worker's reply, or a synthetic error.
type Dispatcher struct {
	client   *natsbus.Client
	registry *registry.Registry
	store    *store.Store
	events   *events.Log

	defaultTimeout time.Duration
	maxDepth       int

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	inflight map[string]int

	sub *nats.Subscription
}

func New(client *natsbus.Client, reg *registry.Registry, st *store.Store, eventLog *events.Log, cfg config.SwarmConfig) *Dispatcher {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	depth := cfg.MaxDepth
	if depth <= 0 {
		depth = 3
	}
	return &Dispatcher{
		client:         client,
		registry:       reg,
		store:          st,
		events:         eventLog,
		defaultTimeout: timeout,
		maxDepth:       depth,
		pending:        make(map[string]*pendingRequest),
		inflight:       make(map[string]int),
	}
}

// Start subscribes the dispatcher to the shared reply subject. All worker
// replies funnel through one wildcard subscription.
func (d *Dispatcher) Start() error {
	sub, err := d.client.Subscribe(natsbus.TopicReplyAll, func(msg *nats.Msg) {
		d.handleReply(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe replies: %w", err)
	}
	d.sub = sub
	return nil
}

// Stop cancels outstanding requests and drops the reply subscription.
func (d *Dispatcher) Stop() {
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
		d.sub = nil
	}
	d.CancelPending("dispatcher stopped")
}

// Request dispatches env to its recipient and blocks until a terminal
// response arrives or ctx is cancelled. Timeouts come back as synthetic
// error envelopes, not Go errors. A recipient at its concurrency limit
// fails immediately with ErrWorkerBusy; nothing is ever queued on a busy
// worker's behalf.
func (d *Dispatcher) Request(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	if env.Type != protocol.TypeRequest || env.Recipient == "" {
		return nil, fmt.Errorf("%w: dispatch needs an addressed request", protocol.ErrInvalidEnvelope)
	}

	d.mu.Lock()
	if d.atLimitLocked(env.Recipient) {
		d.mu.Unlock()
		d.record(events.WorkerBusy, env.Recipient, env.ID, nil)
		return nil, fmt.Errorf("%s: %w", env.Recipient, protocol.ErrWorkerBusy)
	}
	d.inflight[env.Recipient]++
	entry := &pendingRequest{
		originalID: env.ID,
		ids:        []string{env.ID},
		env:        env,
		worker:     env.Recipient,
		state:      StatePending,
		done:       make(chan *protocol.Envelope, 1),
	}
	d.pending[env.ID] = entry
	entry.timer = time.AfterFunc(d.timeoutFor(env.Recipient), func() { d.onTimeout(env.ID) })
	d.mu.Unlock()

	d.archive(env)
	d.record(events.TaskDispatched, env.Recipient, env.ID, map[string]any{"priority": env.Priority.String()})

	if err := d.client.PublishEnvelope(natsbus.TopicWorkerRequest(env.Recipient), env); err != nil {
		d.drop(entry)
		return nil, fmt.Errorf("publish request: %w", err)
	}

	select {
	case resp := <-entry.done:
		return resp, nil
	case <-ctx.Done():
		d.cancelEntry(entry, "caller gave up")
		return nil, ctx.Err()
	}
}

// RequestCapability routes env to the cheapest worker advertising the
// capability: lowest tier first, under its concurrency limit. The recipient
// is stamped before send.
func (d *Dispatcher) RequestCapability(ctx context.Context, capability string, env *protocol.Envelope) (*protocol.Envelope, error) {
	d.mu.Lock()
	var target string
	for _, m := range d.registry.ByCapability(capability) {
		if !d.atLimitLocked(m.ID) {
			target = m.ID
			break
		}
	}
	d.mu.Unlock()

	if target == "" {
		return nil, fmt.Errorf("%s: %w", capability, ErrNoCapacity)
	}
	return d.Request(ctx, env.WithRecipient(target))
}

// Broadcast publishes env to every worker, fire and forget.
func (d *Dispatcher) Broadcast(env *protocol.Envelope) error {
	d.archive(env)
	if err := d.client.PublishEnvelope(natsbus.TopicBroadcast, env); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	d.record(events.BroadcastSent, env.Sender, env.ID, nil)
	return nil
}

// CancelPending terminates every outstanding request with a synthetic
// cancelled response. Returns how many were cancelled.
func (d *Dispatcher) CancelPending(reason string) int {
	d.mu.Lock()
	var cancelled []*pendingRequest
	for id, entry := range d.pending {
		if id != entry.env.ID || entry.state != StatePending {
			continue
		}
		entry.timer.Stop()
		entry.state = StateCancelled
		d.releaseLocked(entry.worker)
		cancelled = append(cancelled, entry)
	}
	for _, entry := range cancelled {
		for _, id := range entry.ids {
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()

	for _, entry := range cancelled {
		synth := protocol.NewErrorResponse(entry.env, protocol.CodeCancelled, reason)
		synth.InResponseTo = entry.originalID
		d.archive(synth)
		d.record(events.TaskCancelled, entry.worker, entry.originalID, map[string]any{"reason": reason})
		entry.done <- synth
	}
	return len(cancelled)
}

// Pending returns a snapshot of the outstanding requests.
func (d *Dispatcher) Pending() []PendingInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().UTC()
	var infos []PendingInfo
	for id, entry := range d.pending {
		if id != entry.env.ID {
			continue
		}
		infos = append(infos, PendingInfo{
			ID:       entry.originalID,
			Worker:   entry.worker,
			Hop:      entry.hop,
			State:    entry.state,
			Age:      now.Sub(entry.env.CreatedAt),
			Priority: entry.env.Priority.String(),
		})
	}
	return infos
}

// PendingCount returns the number of outstanding requests.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, entry := range d.pending {
		if id == entry.env.ID {
			n++
		}
	}
	return n
}

// InFlight returns how many requests worker id currently holds.
func (d *Dispatcher) InFlight(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight[id]
}

// handleReply correlates a worker reply with its pending entry. Replies to
// requests already in a terminal state are discarded with an event; the
// delivered response is re-correlated to the original request id so the
// caller never sees hop bookkeeping.
func (d *Dispatcher) handleReply(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("undecodable reply", "error", err)
		return
	}
	d.archive(env)

	d.mu.Lock()
	entry, ok := d.pending[env.InResponseTo]
	if !ok || entry.state != StatePending {
		d.mu.Unlock()
		d.record(events.LateResponse, env.Sender, env.InResponseTo, nil)
		slog.Debug("late response discarded", "sender", env.Sender, "request", env.InResponseTo)
		return
	}
	entry.timer.Stop()
	entry.state = StateCompleted
	d.releaseLocked(entry.worker)
	for _, id := range entry.ids {
		delete(d.pending, id)
	}
	d.mu.Unlock()

	env.InResponseTo = entry.originalID
	d.record(events.TaskCompleted, env.Sender, entry.originalID, map[string]any{"error": env.IsError()})
	entry.done <- env
}

// onTimeout fires when a hop's window closes. If the hop budget and the
// failed worker's escalation chain allow, the request is re-issued to the
// next target under its limit and stays pending; otherwise the caller gets
// a synthetic terminal error.
func (d *Dispatcher) onTimeout(hopID string) {
	d.mu.Lock()
	entry, ok := d.pending[hopID]
	if !ok || entry.state != StatePending || entry.env.ID != hopID {
		d.mu.Unlock()
		return
	}
	failed := entry.worker
	lastHop := entry.hop
	d.releaseLocked(failed)

	nextHop := entry.hop + 1
	var target string
	if nextHop <= d.maxDepth {
		for _, m := range d.registry.EscalationTargets(failed) {
			if !d.atLimitLocked(m.ID) {
				target = m.ID
				break
			}
		}
	}

	if target == "" {
		entry.state = StateTimedOut
		for _, id := range entry.ids {
			delete(d.pending, id)
		}
		d.mu.Unlock()

		code := protocol.CodeTimeout
		msg := fmt.Sprintf("%s did not respond in time", failed)
		if nextHop > d.maxDepth {
			code = protocol.CodeEscalationExhausted
			msg = fmt.Sprintf("escalation exhausted after %d hops, last worker %s", lastHop, failed)
		}
		synth := protocol.NewErrorResponse(entry.env, code, msg)
		synth.InResponseTo = entry.originalID
		d.archive(synth)
		d.record(events.TaskTimedOut, failed, entry.originalID, map[string]any{"hops": lastHop, "code": code})
		entry.done <- synth
		return
	}

	reissue := entry.env.WithRecipient(target).WithHops(nextHop)
	entry.env = reissue
	entry.worker = target
	entry.hop = nextHop
	entry.state = StatePending
	entry.ids = append(entry.ids, reissue.ID)
	d.pending[reissue.ID] = entry
	d.inflight[target]++
	entry.timer = time.AfterFunc(d.timeoutFor(target), func() { d.onTimeout(reissue.ID) })
	d.mu.Unlock()

	d.archive(reissue)
	d.record(events.TaskEscalated, failed, entry.originalID, map[string]any{"to": target, "hop": nextHop})
	slog.Info("request escalated", "from", failed, "to", target, "hop", nextHop, "request", entry.originalID)

	if err := d.client.PublishEnvelope(natsbus.TopicWorkerRequest(target), reissue); err != nil {
		slog.Warn("escalation publish failed", "to", target, "error", err)
		d.failEntry(reissue.ID, protocol.CodeUpstreamFailure, fmt.Sprintf("escalation to %s failed: %v", target, err))
	}
}

// cancelEntry terminates one entry after its caller stopped waiting.
func (d *Dispatcher) cancelEntry(entry *pendingRequest, reason string) {
	d.mu.Lock()
	if _, ok := d.pending[entry.env.ID]; !ok || entry.state != StatePending {
		d.mu.Unlock()
		return
	}
	entry.timer.Stop()
	entry.state = StateCancelled
	d.releaseLocked(entry.worker)
	for _, id := range entry.ids {
		delete(d.pending, id)
	}
	d.mu.Unlock()

	synth := protocol.NewErrorResponse(entry.env, protocol.CodeCancelled, reason)
	synth.InResponseTo = entry.originalID
	d.archive(synth)
	d.record(events.TaskCancelled, entry.worker, entry.originalID, map[string]any{"reason": reason})
}

// failEntry terminates one entry with a synthetic error by hop id.
func (d *Dispatcher) failEntry(hopID, code, message string) {
	d.mu.Lock()
	entry, ok := d.pending[hopID]
	if !ok || entry.state != StatePending || entry.env.ID != hopID {
		d.mu.Unlock()
		return
	}
	entry.timer.Stop()
	entry.state = StateTimedOut
	d.releaseLocked(entry.worker)
	for _, id := range entry.ids {
		delete(d.pending, id)
	}
	d.mu.Unlock()

	synth := protocol.NewErrorResponse(entry.env, code, message)
	synth.InResponseTo = entry.originalID
	d.archive(synth)
	d.record(events.TaskTimedOut, entry.worker, entry.originalID, map[string]any{"code": code})
	entry.done <- synth
}

// drop rolls back a dispatch whose publish never left the process.
func (d *Dispatcher) drop(entry *pendingRequest) {
	d.mu.Lock()
	if _, ok := d.pending[entry.env.ID]; !ok {
		d.mu.Unlock()
		return
	}
	entry.timer.Stop()
	d.releaseLocked(entry.worker)
	for _, id := range entry.ids {
		delete(d.pending, id)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) atLimitLocked(id string) bool {
	meta, ok := d.registry.Get(id)
	if !ok || meta.MaxConcurrent <= 0 {
		return false
	}
	return d.inflight[id] >= meta.MaxConcurrent
}

func (d *Dispatcher) releaseLocked(id string) {
	if n := d.inflight[id]; n > 1 {
		d.inflight[id] = n - 1
	} else {
		delete(d.inflight, id)
	}
}

func (d *Dispatcher) timeoutFor(id string) time.Duration {
	if meta, ok := d.registry.Get(id); ok && meta.Timeout > 0 {
		return meta.Timeout
	}
	return d.defaultTimeout
}

func (d *Dispatcher) archive(env *protocol.Envelope) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveEnvelope(env); err != nil {
		slog.Warn("archive failed", "envelope", env.ID, "error", err)
	}
}

func (d *Dispatcher) record(eventType, agentID, taskID string, data map[string]any) {
	if d.events == nil {
		return
	}
	d.events.Append(events.Event{
		Type:    eventType,
		AgentID: agentID,
		TaskID:  taskID,
		Data:    data,
	})
}
