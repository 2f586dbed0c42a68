// Package status serves the local observability endpoints: a liveness
// probe and a JSON snapshot of sync progress. The server binds to
// loopback by default and carries no authentication; it is not meant
// to face a network.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/draftmill/draftmill/internal/buildinfo"
	"github.com/draftmill/draftmill/internal/checkpoint"
	"github.com/draftmill/draftmill/internal/syncer"
)

// writeJSON encodes v to w. Failures usually mean the client went
// away, which is not actionable.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Snapshot is the /status response body.
type Snapshot struct {
	Version     string                `json:"version"`
	Uptime      string                `json:"uptime"`
	LastCycle   syncer.CycleSummary   `json:"last_cycle"`
	Checkpoints map[string]time.Time  `json:"checkpoints"`
	RecentErrs  []syncer.AccountError `json:"recent_errors"`
}

// Server is the status HTTP server.
type Server struct {
	addr        string
	engine      *syncer.Engine
	checkpoints checkpoint.Store
	logger      *slog.Logger
	server      *http.Server
}

// NewServer creates a status server bound to addr.
func NewServer(addr string, engine *syncer.Engine, checkpoints checkpoint.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:        addr,
		engine:      engine,
		checkpoints: checkpoints,
		logger:      logger,
	}
}

// Start begins serving. It blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("starting status server", "address", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler builds the route mux. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	marks, err := s.checkpoints.All()
	if err != nil {
		s.logger.Error("checkpoint snapshot failed", "error", err)
		http.Error(w, "checkpoint store unavailable", http.StatusInternalServerError)
		return
	}

	writeJSON(w, Snapshot{
		Version:     buildinfo.Version,
		Uptime:      buildinfo.Uptime().String(),
		LastCycle:   s.engine.LastCycle(),
		Checkpoints: marks,
		RecentErrs:  s.engine.RecentErrors(),
	}, s.logger)
}
