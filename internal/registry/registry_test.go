package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppallis/conclave/internal/store"
)

func roster(agents ...Metadata) []Metadata {
	return agents
}

func persona(id string, tier int, caps ...string) Metadata {
	return Metadata{ID: id, Tier: tier, Capabilities: caps}
}

func TestNewAppliesDefaults(t *testing.T) {
	reg, err := New(roster(persona("scout", 1, "search")))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	m, ok := reg.Get("scout")
	if !ok {
		t.Fatal("expected scout in roster")
	}
	if m.MaxConcurrent != DefaultMaxConcurrent {
		t.Errorf("expected max_concurrent %d, got %d", DefaultMaxConcurrent, m.MaxConcurrent)
	}
	if m.Timeout != DefaultTimeout {
		t.Errorf("expected timeout %v, got %v", DefaultTimeout, m.Timeout)
	}
	if m.Temperature != DefaultTemperature {
		t.Errorf("expected temperature %v, got %v", DefaultTemperature, m.Temperature)
	}
}

func TestNewValidation(t *testing.T) {
	cases := []struct {
		name   string
		roster []Metadata
	}{
		{"empty roster", nil},
		{"missing id", roster(Metadata{Tier: 1})},
		{"duplicate id", roster(persona("a", 1), persona("a", 2))},
		{"tier too low", roster(persona("a", 0))},
		{"tier too high", roster(persona("a", 8))},
		{"unknown depends_on", roster(Metadata{ID: "a", Tier: 1, DependsOn: []string{"ghost"}})},
		{"unknown escalation", roster(Metadata{ID: "a", Tier: 1, Escalation: []string{"ghost"}})},
		{"self escalation", roster(Metadata{ID: "a", Tier: 1, Escalation: []string{"a"}})},
		{"dependency cycle", roster(
			Metadata{ID: "a", Tier: 1, DependsOn: []string{"b"}},
			Metadata{ID: "b", Tier: 2, DependsOn: []string{"a"}},
		)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.roster); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDefaultRoster(t *testing.T) {
	reg, err := New(Defaults())
	if err != nil {
		t.Fatalf("default roster invalid: %v", err)
	}
	if _, ok := reg.Get(RootID); !ok {
		t.Error("default roster has no root")
	}
	root, _ := reg.Get(RootID)
	if root.Tier != TierMax {
		t.Errorf("expected root at tier %d, got %d", TierMax, root.Tier)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reg.Len() != len(Defaults()) {
		t.Errorf("expected %d default agents, got %d", len(Defaults()), reg.Len())
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	yaml := `
agents:
  - id: scout
    description: "Frontline lookup"
    tier: 1
    capabilities: [search]
    max_concurrent_tasks: 2
    timeout: 10s
    escalation: [sage]
  - id: sage
    description: "Deep reasoning"
    tier: 5
    capabilities: [reasoning, search]
    temperature: 0.7
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 agents, got %d", reg.Len())
	}

	scout, _ := reg.Get("scout")
	if scout.MaxConcurrent != 2 {
		t.Errorf("expected max_concurrent 2, got %d", scout.MaxConcurrent)
	}
	if scout.Timeout != 10*time.Second {
		t.Errorf("expected timeout 10s, got %v", scout.Timeout)
	}
	sage, _ := reg.Get("sage")
	if sage.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", sage.Temperature)
	}
}

func TestByCapabilityOrdersByTier(t *testing.T) {
	reg, err := New(roster(
		persona("senior", 5, "search"),
		persona("junior", 1, "search"),
		persona("mid", 3, "search"),
		persona("other", 2, "analysis"),
	))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	got := reg.ByCapability("search")
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	want := []string{"junior", "mid", "senior"}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("candidate %d = %s, want %s", i, got[i].ID, id)
		}
	}

	if hits := reg.ByCapability("unknown"); len(hits) != 0 {
		t.Errorf("expected no candidates for unknown capability, got %d", len(hits))
	}
}

func TestEscalationTargets(t *testing.T) {
	reg, err := New(roster(
		Metadata{ID: "scout", Tier: 1, Capabilities: []string{"search"}, Escalation: []string{"mid", "sage"}},
		persona("mid", 3, "search"),
		persona("sage", 5, "reasoning"),
		persona(RootID, 7, "orchestration"),
	))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Explicit chain, in order
	targets := reg.EscalationTargets("scout")
	if len(targets) != 2 || targets[0].ID != "mid" || targets[1].ID != "sage" {
		t.Fatalf("unexpected chain for scout: %+v", targets)
	}

	// Unconfigured persona climbs to a higher-tier capability peer
	targets = reg.EscalationTargets("mid")
	if len(targets) != 1 || targets[0].ID != RootID {
		// mid's only capability peer above tier 3 is nobody; root is the fallback
		t.Fatalf("unexpected fallback for mid: %+v", targets)
	}

	// Root never escalates
	if targets := reg.EscalationTargets(RootID); targets != nil {
		t.Errorf("expected no targets for root, got %+v", targets)
	}

	// Hop index walks the chain and runs out cleanly
	if got := reg.EscalationTarget("scout", 0); got != "mid" {
		t.Errorf("expected mid at hop 0, got %q", got)
	}
	if got := reg.EscalationTarget("scout", 1); got != "sage" {
		t.Errorf("expected sage at hop 1, got %q", got)
	}
	if got := reg.EscalationTarget("scout", 2); got != "" {
		t.Errorf("expected empty target at hop 2, got %q", got)
	}
	if got := reg.EscalationTarget(RootID, 0); got != "" {
		t.Errorf("expected no target for root, got %q", got)
	}
}

func TestEscalationTierFallback(t *testing.T) {
	reg, err := New(roster(
		persona("junior", 1, "search"),
		persona("senior", 4, "search", "analysis"),
		persona(RootID, 7, "orchestration"),
	))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	targets := reg.EscalationTargets("junior")
	if len(targets) != 1 || targets[0].ID != "senior" {
		t.Fatalf("expected capability peer senior, got %+v", targets)
	}
}

func TestStartupOrder(t *testing.T) {
	reg, err := New(roster(
		Metadata{ID: "a", Tier: 1},
		Metadata{ID: "b", Tier: 2, DependsOn: []string{"a"}},
		Metadata{ID: "c", Tier: 2, DependsOn: []string{"a"}},
		Metadata{ID: "d", Tier: 3, DependsOn: []string{"b", "c"}},
	))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	stages := reg.StartupOrder()
	if len(stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(stages))
	}
	if len(stages[0]) != 1 || stages[0][0] != "a" {
		t.Errorf("stage 0 = %v, want [a]", stages[0])
	}
	if len(stages[1]) != 2 || stages[1][0] != "b" || stages[1][1] != "c" {
		t.Errorf("stage 1 = %v, want [b c]", stages[1])
	}
	if len(stages[2]) != 1 || stages[2][0] != "d" {
		t.Errorf("stage 2 = %v, want [d]", stages[2])
	}
}

func TestReplaceKeepsOldRosterOnFailure(t *testing.T) {
	reg, err := New(roster(persona("scout", 1, "search")))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := reg.Replace(roster(persona("bad", 0))); err == nil {
		t.Fatal("expected validation error")
	}
	if _, ok := reg.Get("scout"); !ok {
		t.Error("failed replace clobbered the previous roster")
	}
}

func TestSync(t *testing.T) {
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg, err := New(Defaults())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := reg.Sync(s); err != nil {
		t.Fatalf("sync: %v", err)
	}

	agents, err := s.ListAgents()
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != reg.Len() {
		t.Fatalf("expected %d agents, got %d", reg.Len(), len(agents))
	}

	// Shrink the roster; stale rows go away
	if err := reg.Replace(roster(persona("scout", 1, "search"))); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := reg.Sync(s); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	agents, err = s.ListAgents()
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "scout" {
		t.Fatalf("expected only scout after shrink, got %+v", agents)
	}
}
