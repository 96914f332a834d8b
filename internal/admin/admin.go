// Package admin serves the operator HTTP API: Prometheus metrics, the
// upstream pool's health, a manual pool refresh and the listener list.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/die-net/rps/internal/server"
	"github.com/die-net/rps/internal/upstream"
)

const shutdownTimeout = 5 * time.Second

// Pool is the upstream pool as seen by the admin API.
type Pool interface {
	Snapshot() []upstream.EndpointStats
	Len() int
}

// Refresher reloads the pool from its sources.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Server is the admin HTTP server.
type Server struct {
	log       *slog.Logger
	pool      Pool
	refresher Refresher
	listeners func() []server.Info
	srv       *http.Server
}

// New returns an admin server. listeners may be nil.
func New(pool Pool, refresher Refresher, listeners func() []server.Info, log *slog.Logger) *Server {
	if listeners == nil {
		listeners = func() []server.Info { return nil }
	}
	s := &Server{
		log:       log,
		pool:      pool,
		refresher: refresher,
		listeners: listeners,
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	// Full paths on the root router: a PathPrefix subrouter turns method
	// mismatches into 404s.
	router.HandleFunc("/api/v1/upstreams", s.handleUpstreams).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/upstreams/refresh", s.handleRefresh).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/listeners", s.handleListeners).Methods(http.MethodGet)

	return router
}

// Serve listens on addr and serves until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("admin shutdown", "error", err)
		}
	})
	defer stop()

	s.log.Info("admin listening", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin serve: %w", err)
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("admin request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"upstreams": s.pool.Len(),
	})
}

func (s *Server) handleUpstreams(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.Snapshot())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.refresher.Refresh(r.Context()); err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":     err.Error(),
			"upstreams": s.pool.Len(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"upstreams": s.pool.Len()})
}

func (s *Server) handleListeners(w http.ResponseWriter, _ *http.Request) {
	infos := s.listeners()
	if infos == nil {
		infos = []server.Info{}
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("admin: encoding response", "error", err)
	}
}
