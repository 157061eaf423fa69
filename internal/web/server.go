// Package web serves the HTTP observability and query API.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ppallis/conclave/internal/cache"
	"github.com/ppallis/conclave/internal/config"
	"github.com/ppallis/conclave/internal/dispatch"
	"github.com/ppallis/conclave/internal/events"
	"github.com/ppallis/conclave/internal/registry"
	"github.com/ppallis/conclave/internal/store"
	"github.com/ppallis/conclave/internal/swarm"
)

type Server struct {
	store       *store.Store
	registry    *registry.Registry
	dispatcher  *dispatch.Dispatcher
	coordinator *swarm.Coordinator
	results     *cache.Cache[*swarm.Result]
	events      *events.Log
	cfg         config.WebConfig
	version     string
	startedAt   time.Time
}

func NewServer(st *store.Store, reg *registry.Registry, disp *dispatch.Dispatcher, coord *swarm.Coordinator, results *cache.Cache[*swarm.Result], eventLog *events.Log, cfg config.WebConfig, version string) *Server {
	return &Server{
		store:       st,
		registry:    reg,
		dispatcher:  disp,
		coordinator: coord,
		results:     results,
		events:      eventLog,
		cfg:         cfg,
		version:     version,
		startedAt:   time.Now(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.registerAPI(mux)

	handler := s.withMiddleware(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		// Auth for API routes; the health probe stays public
		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if r.URL.Path == "/api/health" {
				next.ServeHTTP(w, r)
				return
			}
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// checkAuth validates Basic Auth. Returns true if authenticated.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if _, pass, ok := r.BasicAuth(); ok && pass == s.cfg.Auth {
		return true
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}
