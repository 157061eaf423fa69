// Package schedule parses and evaluates the schedule column of scheduled
// queries. A schedule is stored as JSON and comes in three kinds: a cron
// expression (gronx syntax, presets like @daily included), a fixed interval,
// or a one-shot time.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

// Spec is the parsed form of a schedule column.
type Spec struct {
	Kind       string `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	AtMs       int64  `json:"at_ms,omitempty"`
}

func Parse(raw string) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return &s, nil
}

// Normalize turns user input into the stored JSON form. It accepts the JSON
// form itself, a plain cron expression, or a preset like @hourly, @daily or
// @weekly, in any case.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Spec
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.validate(); err != nil {
			return "", err
		}
		return raw, nil
	}

	expr := raw
	if strings.HasPrefix(expr, "@") {
		expr = strings.ToLower(expr)
	}
	if !gronx.New().IsValid(expr) {
		return "", fmt.Errorf("invalid schedule %q: not JSON, cron or preset", raw)
	}
	data, err := json.Marshal(Spec{Kind: KindCron, CronExpr: expr})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Spec) validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// NextRun computes when the schedule fires next. Nil means never again: the
// schedule is invalid or exhausted, like a once schedule already in the past.
func NextRun(raw string) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}

	var next time.Time
	switch s.Kind {
	case KindCron:
		tick, err := gronx.NextTick(s.CronExpr, false)
		if err != nil {
			return nil
		}
		next = tick
	case KindInterval:
		next = time.Now().Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case KindOnce:
		at := time.UnixMilli(s.AtMs)
		if !at.After(time.Now()) {
			return nil
		}
		next = at
	default:
		return nil
	}
	return &next
}

// Describe renders a schedule for listings.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}
	switch s.Kind {
	case KindCron:
		return s.CronExpr
	case KindInterval:
		return "every " + (time.Duration(s.IntervalMs) * time.Millisecond).String()
	case KindOnce:
		return "once at " + time.UnixMilli(s.AtMs).Format("2006-01-02 15:04")
	default:
		return raw
	}
}
