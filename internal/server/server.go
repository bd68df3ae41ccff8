// Package server exposes the progress of search runs over HTTP: run status as
// JSON, a Server-Sent-Events stream of progress events and Prometheus
// metrics.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP status server
type Server struct {
	runs     *RunManager
	gatherer prometheus.Gatherer
	addr     string
	server   *http.Server
}

// NewServer creates a status server for the runs tracked by runs. Metrics are
// served from gatherer; a nil gatherer disables /metrics.
func NewServer(addr string, runs *RunManager, gatherer prometheus.Gatherer) *Server {
	if runs == nil {
		runs = NewRunManager()
	}
	return &Server{
		runs:     runs,
		gatherer: gatherer,
		addr:     addr,
	}
}

// Runs returns the run manager of the server.
func (s *Server) Runs() *RunManager {
	return s.runs
}

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/runs", s.handleListRuns)
	mux.HandleFunc("/api/v1/runs/", s.handleRunsWithID)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// runResponse is the JSON form of a run status
type runResponse struct {
	Run
	Elapsed float64 `json:"elapsed"`
}

func writeRun(w http.ResponseWriter, run Run) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runResponse{Run: run, Elapsed: run.Elapsed().Seconds()})
}

// handleStatus handles GET /api/v1/status with the status of the latest run
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	run, ok := s.runs.Latest()
	if !ok {
		http.Error(w, "No run started", http.StatusNotFound)
		return
	}
	writeRun(w, run)
}

// handleEvents handles GET /api/v1/events, the stream of the latest run
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	run, ok := s.runs.Latest()
	if !ok {
		http.Error(w, "No run started", http.StatusNotFound)
		return
	}
	s.handleRunStream(w, r, run.ID)
}

// handleListRuns handles GET /api/v1/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runs := s.runs.ListRuns()
	out := make([]runResponse, len(runs))
	for i, run := range runs {
		out[i] = runResponse{Run: run, Elapsed: run.Elapsed().Seconds()}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleRunsWithID handles /api/v1/runs/:id/*
func (s *Server) handleRunsWithID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Run ID required", http.StatusBadRequest)
		return
	}
	runID := parts[0]

	switch {
	case len(parts) == 1 || parts[1] == "status":
		run, ok := s.runs.GetRun(runID)
		if !ok {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		writeRun(w, run)
	case parts[1] == "stream":
		s.handleRunStream(w, r, runID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
