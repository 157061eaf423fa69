package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ppallis/conclave/internal/inference"
	"github.com/ppallis/conclave/internal/registry"
)

// capabilityLimit caps how many capabilities one query activates. Each one
// costs a worker round trip.
const capabilityLimit = 3

// keywordRoutes is the deterministic fallback used when the routing model is
// unreachable or answers garbage. First match per row wins.
var keywordRoutes = []struct {
	words        []string
	capabilities []string
}{
	{[]string{"find", "search", "lookup", "where", "list"}, []string{"search", "retrieval"}},
	{[]string{"remember", "history", "document", "wrote", "said"}, []string{"retrieval", "context"}},
	{[]string{"verify", "confirm", "true", "false", "claim"}, []string{"verification"}},
	{[]string{"why", "analyze", "investigate", "compare", "cause"}, []string{"analysis"}},
	{[]string{"plan", "design", "recommend", "should", "strategy"}, []string{"reasoning"}},
}

// capabilities resolves the fan-out targets for a query. Pinned capabilities
// bypass classification but are still filtered against the roster.
func (c *Coordinator) capabilities(ctx context.Context, query string, pinned []string) []string {
	if len(pinned) > 0 {
		return filterCapabilities(pinned, c.capabilityHolders())
	}
	return c.classify(ctx, query)
}

// classify maps a query onto roster capabilities, asking the routing model
// first and falling back to keyword matching. An empty slice means no
// specialist applies and the root answers alone.
func (c *Coordinator) classify(ctx context.Context, query string) []string {
	holders := c.capabilityHolders()
	if len(holders) == 0 {
		return nil
	}
	resp, err := c.infer.Infer(ctx, inference.Request{
		System:      "You route user queries to the specialist capabilities of an agent swarm.",
		Prompt:      classifyPrompt(query, holders),
		Temperature: 0.1,
		MaxTokens:   128,
	})
	if err != nil {
		slog.Warn("classification inference failed, using keywords", "error", err)
		return keywordCapabilities(query, holders)
	}
	caps := parseCapabilities(resp.Text, holders)
	if len(caps) == 0 {
		slog.Warn("unparseable classification, using keywords", "text", clip(resp.Text, 120))
		return keywordCapabilities(query, holders)
	}
	return caps
}

// capabilityHolders maps each advertised capability to the personas holding
// it, least senior first. The root is excluded: it synthesizes, it does not
// take fan-out work.
func (c *Coordinator) capabilityHolders() map[string][]string {
	holders := make(map[string][]string)
	for _, m := range c.registry.List() {
		if m.ID == registry.RootID {
			continue
		}
		for _, capability := range m.Capabilities {
			holders[capability] = append(holders[capability], m.ID)
		}
	}
	return holders
}

func classifyPrompt(query string, holders map[string][]string) string {
	names := make([]string, 0, len(holders))
	for capability := range holders {
		names = append(names, capability)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Select the capabilities needed to answer the query below.\n\nAvailable capabilities:\n")
	for _, capability := range names {
		fmt.Fprintf(&b, "- %s (offered by %s)\n", capability, strings.Join(holders[capability], ", "))
	}
	fmt.Fprintf(&b, "\nQuery: %s\n\n", query)
	fmt.Fprintf(&b, `Respond with ONLY a JSON array of capability names, most relevant first, at most %d, for example ["search", "analysis"]. Nothing else.`, capabilityLimit)
	return b.String()
}

// parseCapabilities extracts the JSON array from a model reply, keeping only
// capabilities the roster actually advertises.
func parseCapabilities(text string, holders map[string][]string) []string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &names); err != nil {
		return nil
	}
	return filterCapabilities(names, holders)
}

func keywordCapabilities(query string, holders map[string][]string) []string {
	lower := strings.ToLower(query)
	var matched []string
	for _, route := range keywordRoutes {
		for _, word := range route.words {
			if strings.Contains(lower, word) {
				matched = append(matched, route.capabilities...)
				break
			}
		}
	}
	if len(matched) == 0 {
		matched = []string{"search", "reasoning"}
	}
	return filterCapabilities(matched, holders)
}

// filterCapabilities normalizes, deduplicates and truncates a candidate list,
// dropping anything nobody on the roster holds.
func filterCapabilities(names []string, holders map[string][]string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		if _, held := holders[name]; !held {
			continue
		}
		seen[name] = true
		out = append(out, name)
		if len(out) == capabilityLimit {
			break
		}
	}
	return out
}
