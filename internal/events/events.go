package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types emitted across the swarm.
const (
	WorkerRegistered = "worker_registered"
	TaskDispatched   = "task_dispatched"
	TaskCompleted    = "task_completed"
	TaskTimedOut     = "task_timed_out"
	TaskEscalated    = "task_escalated"
	TaskCancelled    = "task_cancelled"
	WorkerBusy       = "worker_busy"
	LateResponse     = "late_response"
	UnknownIntent    = "unknown_intent"
	BroadcastSent    = "broadcast_sent"
	CacheHit         = "cache_hit"
	QueryStarted     = "query_started"
	QueryCompleted   = "query_completed"
	SearchPerformed  = "search_performed"
	ScheduleFired    = "schedule_fired"
)

// Event is a single entry in the swarm activity log. An empty AgentID means
// the orchestrating root itself acted.
type Event struct {
	Type      string         `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Log is a bounded in-memory activity log. When full, the oldest entry is
// overwritten. At most one subscriber observes appends synchronously; a
// failing subscriber never disturbs the append itself.
type Log struct {
	mu         sync.Mutex
	buf        []Event
	head       int
	size       int
	subscriber func(Event)
}

const DefaultCapacity = 10000

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]Event, capacity)}
}

// SetSubscriber installs fn as the single synchronous observer. Passing nil
// removes it.
func (l *Log) SetSubscriber(fn func(Event)) {
	l.mu.Lock()
	l.subscriber = fn
	l.mu.Unlock()
}

// Append records an event, stamping it with the current UTC time if unset.
func (l *Log) Append(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	if l.size < len(l.buf) {
		l.buf[(l.head+l.size)%len(l.buf)] = e
		l.size++
	} else {
		l.buf[l.head] = e
		l.head = (l.head + 1) % len(l.buf)
	}
	fn := l.subscriber
	l.mu.Unlock()

	if fn != nil {
		notify(fn, e)
	}
}

func notify(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "type", e.Type, "panic", r)
		}
	}()
	fn(e)
}

// Snapshot returns the retained events in chronological order. The returned
// slice is a copy.
func (l *Log) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(l.head+i)%len(l.buf)]
	}
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

func (l *Log) Capacity() int {
	return len(l.buf)
}
