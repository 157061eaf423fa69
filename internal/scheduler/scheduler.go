// Package scheduler fires scheduled queries through the coordinator on a
// poll loop.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/ppallis/conclave/internal/config"
	"github.com/ppallis/conclave/internal/events"
	"github.com/ppallis/conclave/internal/schedule"
	"github.com/ppallis/conclave/internal/store"
	"github.com/ppallis/conclave/internal/swarm"
)

const DefaultPollInterval = 30 * time.Second

// Answerer is the slice of the coordinator the scheduler drives.
type Answerer interface {
	AnswerWith(ctx context.Context, query string, capabilities []string) (*swarm.Result, error)
}

type Scheduler struct {
	store        *store.Store
	answerer     Answerer
	events       *events.Log
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(st *store.Store, answerer Answerer, eventLog *events.Log, cfg config.SchedulerConfig) *Scheduler {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{
		store:        st,
		answerer:     answerer,
		events:       eventLog,
		pollInterval: interval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// Start runs the poll loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.DueQueries(time.Now())
	if err != nil {
		slog.Error("due queries lookup failed", "error", err)
		return
	}
	for _, q := range due {
		s.execute(ctx, q)
	}
}

func (s *Scheduler) execute(ctx context.Context, q store.ScheduledQuery) {
	slog.Info("scheduled query firing", "id", q.ID, "name", q.Name)

	var pinned []string
	if q.Capability != "" {
		pinned = []string{q.Capability}
	}
	_, err := s.answerer.AnswerWith(ctx, q.Query, pinned)

	lastStatus := "success"
	var lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled query failed", "id", q.ID, "error", err)
	}

	nextRun := schedule.NextRun(q.Schedule)
	if err := s.store.UpdateQueryRun(q.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("update scheduled query failed", "id", q.ID, "error", err)
	}

	s.record(events.ScheduleFired, q.ID, map[string]any{"name": q.Name, "status": lastStatus})

	// One-off schedules have no next run and retire after firing.
	if nextRun == nil {
		slog.Info("schedule exhausted, completing query", "id", q.ID, "name", q.Name)
		if err := s.store.UpdateQueryStatus(q.ID, "completed"); err != nil {
			slog.Error("complete scheduled query failed", "id", q.ID, "error", err)
		}
	}
}

func (s *Scheduler) record(eventType, taskID string, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Append(events.Event{Type: eventType, TaskID: taskID, Data: data})
}
