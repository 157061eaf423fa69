package schedule

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	s, err := Parse(`{"kind":"cron","cron_expr":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Kind != KindCron || s.CronExpr != "0 9 * * *" {
		t.Fatalf("unexpected spec %+v", s)
	}
}

func TestParseInterval(t *testing.T) {
	s, err := Parse(`{"kind":"interval","interval_ms":60000}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Kind != KindInterval || s.IntervalMs != 60000 {
		t.Fatalf("unexpected spec %+v", s)
	}
}

func TestNormalizePlainCron(t *testing.T) {
	out, err := Normalize("0 9 * * *")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	s, err := Parse(out)
	if err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if s.Kind != KindCron || s.CronExpr != "0 9 * * *" {
		t.Fatalf("unexpected spec %+v", s)
	}
}

func TestNormalizePresets(t *testing.T) {
	for _, preset := range []string{"@hourly", "@Daily", "@WEEKLY", "@monthly"} {
		out, err := Normalize(preset)
		if err != nil {
			t.Fatalf("normalize %s: %v", preset, err)
		}
		s, err := Parse(out)
		if err != nil {
			t.Fatalf("result not valid JSON: %v", err)
		}
		if s.Kind != KindCron {
			t.Fatalf("preset %s: unexpected kind %s", preset, s.Kind)
		}
		if want := strings.ToLower(preset); s.CronExpr != want {
			t.Fatalf("preset %s: expected %s, got %s", preset, want, s.CronExpr)
		}
	}
}

func TestNormalizePassthroughJSON(t *testing.T) {
	for _, input := range []string{
		`{"kind":"cron","cron_expr":"0 9 * * *"}`,
		`{"kind":"interval","interval_ms":300000}`,
	} {
		out, err := Normalize(input)
		if err != nil {
			t.Fatalf("normalize %s: %v", input, err)
		}
		if out != input {
			t.Fatalf("expected passthrough, got %s", out)
		}
	}
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	for _, input := range []string{
		"not a cron",
		`{"kind":"cron","cron_expr":"bad"}`,
		`{"kind":"interval","interval_ms":0}`,
		`{"kind":"once","at_ms":-5}`,
		`{"kind":"bogus"}`,
	} {
		if _, err := Normalize(input); err == nil {
			t.Errorf("expected error for %s", input)
		}
	}
}

func TestNormalizeTrimsWhitespace(t *testing.T) {
	out, err := Normalize("  */5 * * * *  ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	s, err := Parse(out)
	if err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if s.CronExpr != "*/5 * * * *" {
		t.Fatalf("expected trimmed cron, got %q", s.CronExpr)
	}
}

func TestNextRunCron(t *testing.T) {
	next := NextRun(`{"kind":"cron","cron_expr":"* * * * *"}`)
	if next == nil {
		t.Fatal("expected next run")
	}
	if next.Before(time.Now()) {
		t.Error("next run should be in the future")
	}
}

func TestNextRunInterval(t *testing.T) {
	next := NextRun(`{"kind":"interval","interval_ms":60000}`)
	if next == nil {
		t.Fatal("expected next run")
	}
	diff := next.Sub(time.Now().Add(60 * time.Second))
	if diff > time.Second || diff < -time.Second {
		t.Errorf("expected next run ~60s out, diff %v", diff)
	}
}

func TestNextRunOnce(t *testing.T) {
	future := time.Now().Add(time.Hour).UnixMilli()
	if next := NextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, future)); next == nil {
		t.Fatal("expected next run for future once schedule")
	}

	past := time.Now().Add(-time.Hour).UnixMilli()
	if next := NextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, past)); next != nil {
		t.Error("expected nil for exhausted once schedule")
	}
}

func TestNextRunInvalid(t *testing.T) {
	if next := NextRun("invalid json"); next != nil {
		t.Error("expected nil for invalid schedule")
	}
	if next := NextRun(`{"kind":"unknown"}`); next != nil {
		t.Error("expected nil for unknown kind")
	}
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"kind":"cron","cron_expr":"@daily"}`, "@daily"},
		{`{"kind":"interval","interval_ms":300000}`, "every 5m0s"},
		{"total garbage", "total garbage"},
	}
	for _, tc := range cases {
		if got := Describe(tc.raw); got != tc.want {
			t.Errorf("Describe(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
