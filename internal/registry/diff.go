package registry

import (
	"reflect"
	"sort"
)

// Diff describes what changed between two rosters.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// HasChanges reports whether any roster entry changed.
func (d Diff) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Changed) > 0
}

// Compare diffs the rosters of two registries.
func Compare(old, new *Registry) Diff {
	var d Diff

	oldAgents := old.snapshot()
	newAgents := new.snapshot()

	for id := range newAgents {
		if _, ok := oldAgents[id]; !ok {
			d.Added = append(d.Added, id)
		}
	}
	for id := range oldAgents {
		if _, ok := newAgents[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	for id, after := range newAgents {
		if before, ok := oldAgents[id]; ok {
			if !reflect.DeepEqual(before, after) {
				d.Changed = append(d.Changed, id)
			}
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

func (r *Registry) snapshot() map[string]Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Metadata, len(r.agents))
	for id, m := range r.agents {
		out[id] = m
	}
	return out
}
