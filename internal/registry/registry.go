package registry

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ppallis/conclave/internal/store"
	"gopkg.in/yaml.v3"
)

// RootID is the orchestrating root. Escalation chains bottom out here.
const RootID = "root"

// Tier bounds. Tier 1 is the frontline; higher tiers carry more authority.
const (
	TierMin = 1
	TierMax = 7
)

const (
	DefaultMaxConcurrent = 5
	DefaultTimeout       = 300 * time.Second
	DefaultTemperature   = 0.2
)

// Metadata is the static description of one agent persona. Live state
// (in-flight task counts, pending collaborations) belongs to the dispatcher.
type Metadata struct {
	ID            string        `yaml:"id" json:"id"`
	Description   string        `yaml:"description" json:"description"`
	Tier          int           `yaml:"tier" json:"tier"`
	Capabilities  []string      `yaml:"capabilities" json:"capabilities"`
	DependsOn     []string      `yaml:"depends_on" json:"depends_on,omitempty"`
	MaxConcurrent int           `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	Escalation    []string      `yaml:"escalation" json:"escalation,omitempty"`
	Model         string        `yaml:"model" json:"model,omitempty"`
	Temperature   float64       `yaml:"temperature" json:"temperature"`
}

// HasCapability reports whether the persona advertises cap.
func (m Metadata) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Registry holds the agent roster. Reads are concurrent; Replace swaps the
// whole roster atomically on reload.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Metadata
	order  []string
}

func New(roster []Metadata) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(roster); err != nil {
		return nil, err
	}
	return r, nil
}

// Load reads the roster file at path. A missing file yields the built-in
// default roster; a present but broken one is a startup error.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(Defaults())
		}
		return nil, fmt.Errorf("read roster: %w", err)
	}

	var file struct {
		Agents []Metadata `yaml:"agents"`
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	return New(file.Agents)
}

// Defaults is the built-in roster used when no roster file exists.
func Defaults() []Metadata {
	return []Metadata{
		{
			ID:           "scout",
			Description:  "Frontline lookup answering quick factual queries",
			Tier:         1,
			Capabilities: []string{"search", "retrieval"},
			Escalation:   []string{"archivist"},
			Temperature:  0.2,
		},
		{
			ID:           "archivist",
			Description:  "Document memory with contextual retrieval",
			Tier:         3,
			Capabilities: []string{"retrieval", "memory", "context"},
			DependsOn:    []string{"scout"},
			Escalation:   []string{"sage"},
			Temperature:  0.2,
		},
		{
			ID:           "analyst",
			Description:  "Verification of claims against indexed material",
			Tier:         3,
			Capabilities: []string{"analysis", "verification"},
			Escalation:   []string{"sage"},
			Temperature:  0.1,
		},
		{
			ID:           "sage",
			Description:  "Deep reasoning over material gathered by lower tiers",
			Tier:         5,
			Capabilities: []string{"reasoning", "synthesis"},
			DependsOn:    []string{"archivist", "analyst"},
			Escalation:   []string{RootID},
			Temperature:  0.7,
		},
		{
			ID:            RootID,
			Description:   "Swarm orchestrator and final synthesizer",
			Tier:          7,
			Capabilities:  []string{"orchestration", "synthesis"},
			MaxConcurrent: 10,
			Temperature:   0.7,
		},
	}
}

// Replace validates roster and swaps it in. The previous roster stays intact
// when validation fails.
func (r *Registry) Replace(roster []Metadata) error {
	if len(roster) == 0 {
		return fmt.Errorf("roster defines no agents")
	}

	agents := make(map[string]Metadata, len(roster))
	for i, m := range roster {
		if m.ID == "" {
			return fmt.Errorf("agent %d: missing id", i)
		}
		if _, dup := agents[m.ID]; dup {
			return fmt.Errorf("agent %s: duplicate id", m.ID)
		}
		if m.Tier < TierMin || m.Tier > TierMax {
			return fmt.Errorf("agent %s: tier %d out of range [%d, %d]", m.ID, m.Tier, TierMin, TierMax)
		}
		if m.MaxConcurrent <= 0 {
			m.MaxConcurrent = DefaultMaxConcurrent
		}
		if m.Timeout <= 0 {
			m.Timeout = DefaultTimeout
		}
		if m.Temperature <= 0 {
			// Zero means unset; no persona runs fully deterministic.
			m.Temperature = DefaultTemperature
		}
		agents[m.ID] = m
	}

	for id, m := range agents {
		for _, dep := range m.DependsOn {
			if _, ok := agents[dep]; !ok {
				return fmt.Errorf("agent %s: depends_on references unknown agent %q", id, dep)
			}
		}
		for _, esc := range m.Escalation {
			if esc == id {
				return fmt.Errorf("agent %s: escalates to itself", id)
			}
			if _, ok := agents[esc]; !ok {
				return fmt.Errorf("agent %s: escalation references unknown agent %q", id, esc)
			}
		}
	}

	if _, err := stages(agents); err != nil {
		return err
	}

	order := make([]string, 0, len(agents))
	for id := range agents {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := agents[order[i]], agents[order[j]]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		return a.ID < b.ID
	})

	r.mu.Lock()
	r.agents = agents
	r.order = order
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(id string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.agents[id]
	return m, ok
}

// List returns the roster ordered by ascending tier, then id.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ByCapability returns every persona advertising the capability, least
// senior first.
func (r *Registry) ByCapability(capability string) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Metadata
	for _, id := range r.order {
		if m := r.agents[id]; m.HasCapability(capability) {
			out = append(out, m)
		}
	}
	return out
}

// EscalationTargets returns the next recipients to try when id fails, in
// order of preference. Unconfigured personas climb to the least senior
// higher-tier persona sharing a capability, then to the root.
func (r *Registry) EscalationTargets(id string) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.agents[id]
	if !ok || id == RootID {
		return nil
	}

	if len(m.Escalation) > 0 {
		out := make([]Metadata, 0, len(m.Escalation))
		for _, esc := range m.Escalation {
			out = append(out, r.agents[esc])
		}
		return out
	}

	for _, candidate := range r.order {
		c := r.agents[candidate]
		if c.Tier <= m.Tier || candidate == id {
			continue
		}
		for _, capability := range m.Capabilities {
			if c.HasCapability(capability) {
				return []Metadata{c}
			}
		}
	}

	if root, ok := r.agents[RootID]; ok {
		return []Metadata{root}
	}
	return nil
}

// EscalationTarget names the next recipient when a request to from fails.
// The hop index walks from's resolved chain so repeated failures try
// successive fallbacks; out-of-range hops return "".
func (r *Registry) EscalationTarget(from string, hop int) string {
	targets := r.EscalationTargets(from)
	if hop < 0 || hop >= len(targets) {
		return ""
	}
	return targets[hop].ID
}

// Sync persists the roster snapshot so it can be inspected offline, and
// removes agents that left the roster.
func (r *Registry) Sync(s *store.Store) error {
	r.mu.RLock()
	roster := make([]Metadata, 0, len(r.order))
	for _, id := range r.order {
		roster = append(roster, r.agents[id])
	}
	r.mu.RUnlock()

	ids := make([]string, 0, len(roster))
	for _, m := range roster {
		ids = append(ids, m.ID)

		a := &store.Agent{
			ID:            m.ID,
			Description:   m.Description,
			Tier:          m.Tier,
			Capabilities:  m.Capabilities,
			DependsOn:     m.DependsOn,
			MaxConcurrent: m.MaxConcurrent,
			TimeoutSecs:   int(m.Timeout / time.Second),
			Model:         m.Model,
		}
		if err := s.SaveAgent(a); err != nil {
			return fmt.Errorf("save agent %s: %w", m.ID, err)
		}
	}

	if err := s.DeleteAgentsNotIn(ids); err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}
	return nil
}
