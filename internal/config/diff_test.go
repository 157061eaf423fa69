package config

import (
	"testing"
	"time"
)

func TestDiff_NoChanges(t *testing.T) {
	cfg := defaults()
	d := Diff(&cfg, &cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
	if len(d.NonReloadable) != 0 {
		t.Errorf("expected no non-reloadable changes, got %v", d.NonReloadable)
	}
}

func TestDiff_SchedulerChanged(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Scheduler.PollInterval = 5 * time.Minute

	d := Diff(&old, &new)
	if !d.SchedulerChanged {
		t.Error("expected scheduler change")
	}
	if d.NewScheduler.PollInterval != 5*time.Minute {
		t.Errorf("expected new poll interval 5m, got %v", d.NewScheduler.PollInterval)
	}
	if !d.HasChanges() {
		t.Error("expected HasChanges to report the scheduler change")
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := defaults()
	new := defaults()
	new.NATS.Port = 5222
	new.Store.Path = "elsewhere.db"
	new.Web.Port = 9090

	d := Diff(&old, &new)
	if d.HasChanges() {
		t.Error("non-reloadable changes should not count as reloadable")
	}
	want := []string{"nats.port", "store.path", "web"}
	if len(d.NonReloadable) != len(want) {
		t.Fatalf("expected %v, got %v", want, d.NonReloadable)
	}
	for i, name := range want {
		if d.NonReloadable[i] != name {
			t.Errorf("expected %s at index %d, got %s", name, i, d.NonReloadable[i])
		}
	}
}

func TestDiff_InferenceNotReloadable(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Inference.Model = "gpt-4o"

	d := Diff(&old, &new)
	if d.HasChanges() {
		t.Error("inference changes should not be reloadable")
	}
	if len(d.NonReloadable) != 1 || d.NonReloadable[0] != "inference" {
		t.Errorf("expected [inference], got %v", d.NonReloadable)
	}
}
