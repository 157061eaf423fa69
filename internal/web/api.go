package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ppallis/conclave/internal/schedule"
	"github.com/ppallis/conclave/internal/store"
)

const (
	defaultRunLimit   = 50
	defaultEventLimit = 100
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.getHealth)
	mux.HandleFunc("GET /api/status", s.getStatus)

	// Roster and traffic
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/pending", s.listPending)
	mux.HandleFunc("GET /api/events", s.listEvents)

	// Query history
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("GET /api/queries", s.listQueries)
	mux.HandleFunc("GET /api/cache", s.getCacheStats)

	// Ask the swarm directly
	mux.HandleFunc("POST /api/ask", s.ask)
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.results.Stats()
	status := map[string]any{
		"status":           "ok",
		"version":          s.version,
		"uptime":           formatUptime(time.Since(s.startedAt)),
		"agents_count":     len(s.registry.List()),
		"pending_requests": s.dispatcher.PendingCount(),
		"events_logged":    s.events.Len(),
		"cache": map[string]any{
			"size":     stats.Size,
			"hit_rate": stats.HitRate(),
		},
		"timestamp": time.Now().UTC(),
	}
	jsonResponse(w, status)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	roster := s.registry.List()
	out := make([]map[string]any, 0, len(roster))
	for _, m := range roster {
		out = append(out, map[string]any{
			"id":             m.ID,
			"description":    m.Description,
			"tier":           m.Tier,
			"capabilities":   m.Capabilities,
			"model":          m.Model,
			"max_concurrent": m.MaxConcurrent,
			"in_flight":      s.dispatcher.InFlight(m.ID),
		})
	}
	jsonResponse(w, out)
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.dispatcher.Pending())
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultEventLimit)
	snapshot := s.events.Snapshot()
	if len(snapshot) > limit {
		snapshot = snapshot[len(snapshot)-limit:]
	}
	jsonResponse(w, snapshot)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(queryLimit(r, defaultRunLimit))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) listQueries(w http.ResponseWriter, r *http.Request) {
	queries, err := s.store.ListQueries()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(queries))
	for _, q := range queries {
		out = append(out, queryToAPI(q))
	}
	jsonResponse(w, out)
}

func (s *Server) getCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := s.results.Stats()
	jsonResponse(w, map[string]any{
		"hits":      stats.Hits,
		"misses":    stats.Misses,
		"evictions": stats.Evictions,
		"size":      stats.Size,
		"hit_rate":  stats.HitRate(),
	})
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query        string   `json:"query"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		jsonError(w, "empty query", http.StatusBadRequest)
		return
	}

	result, err := s.coordinator.AnswerWith(r.Context(), body.Query, body.Capabilities)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, result)
}

func queryToAPI(q store.ScheduledQuery) map[string]any {
	m := map[string]any{
		"id":               q.ID,
		"name":             q.Name,
		"schedule":         q.Schedule,
		"schedule_display": schedule.Describe(q.Schedule),
		"query":            q.Query,
		"status":           q.Status,
	}
	if q.Capability != "" {
		m["capability"] = q.Capability
	}
	if q.LastStatus != "" {
		m["last_status"] = q.LastStatus
	}
	if q.LastError != "" {
		m["last_error"] = q.LastError
	}
	if q.LastRunAt != nil {
		m["last_run"] = formatTime(*q.LastRunAt)
	}
	if q.NextRunAt != nil {
		m["next_run"] = formatTime(*q.NextRunAt)
	}
	return m
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func formatTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
