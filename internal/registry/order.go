package registry

import (
	"errors"
	"sort"
)

// StartupOrder groups agent ids into stages so that every dependency starts
// in an earlier stage. Agents within a stage are independent of each other.
func (r *Registry) StartupOrder() [][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// The roster was cycle-checked at Replace, so this cannot fail here.
	out, _ := stages(r.agents)
	return out
}

// stages runs Kahn's algorithm over the depends_on graph, grouping ids by
// depth. It returns an error when the graph contains a cycle.
func stages(agents map[string]Metadata) ([][]string, error) {
	if len(agents) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(agents))
	dependents := make(map[string][]string)
	for id := range agents {
		inDegree[id] = 0
	}
	for id, m := range agents {
		for _, dep := range m.DependsOn {
			dependents[dep] = append(dependents[dep], id)
			inDegree[id]++
		}
	}

	depth := make(map[string]int, len(agents))
	queue := make([]string, 0, len(agents))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
			depth[id] = 0
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++

		for _, next := range dependents[id] {
			inDegree[next]--
			if d := depth[id] + 1; d > depth[next] {
				depth[next] = d
			}
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed != len(agents) {
		return nil, errors.New("agent dependencies contain a cycle")
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}

	out := make([][]string, maxDepth+1)
	for id, d := range depth {
		out[d] = append(out[d], id)
	}
	for _, stage := range out {
		sort.Strings(stage)
	}
	return out, nil
}
