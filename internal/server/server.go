// Package server exposes a lighttrace runner over HTTP: runs are started,
// inspected and cancelled through a JSON API, progress is streamed with
// server-sent events and finished runs are checkpointed to a store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cwbudde/lightfit/internal/lighttrace"
	"github.com/cwbudde/lightfit/internal/opt"
	"github.com/cwbudde/lightfit/internal/store"
)

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// ScenePath and Tracer are recorded in each run's configuration.
	ScenePath string
	Tracer    string

	// Store persists checkpoints, traces and history; nil keeps runs in
	// memory only.
	Store *store.FSStore

	// CheckpointInterval is the period of checkpoints of a running run.
	// Zero saves only when a run ends.
	CheckpointInterval time.Duration
}

// Server represents the HTTP server
type Server struct {
	runs   *RunManager
	runner *lighttrace.Runner
	base   lighttrace.Options // options every run starts from
	store  *store.FSStore
	opts   Options

	mu     sync.Mutex            // guards active
	active map[string]*activeRun // at most one entry, the current run

	server *http.Server
}

// NewServer creates a server driving runner. Every run starts from base
// with the overrides of its request. The runner hooks are taken over.
func NewServer(runner *lighttrace.Runner, base lighttrace.Options, opts Options) *Server {
	s := &Server{
		runs:   NewRunManager(),
		runner: runner,
		base:   base,
		store:  opts.Store,
		opts:   opts,
		active: make(map[string]*activeRun),
	}
	runner.OnStart = s.onStart
	runner.OnImprove = s.onImprove
	runner.OnFinish = s.onFinish
	return s
}

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/stream", s.handleRunStream)
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	mux.HandleFunc("POST /api/v1/history/{index}/select", s.handleSelectHistory)
	mux.HandleFunc("GET /api/v1/best", s.handleBest)
	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Starting HTTP server", "addr", s.opts.Addr, "scene", s.opts.ScenePath)
	return s.server.ListenAndServe()
}

// Shutdown cancels the current run, waits for it to be finalized and then
// gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	if t := s.runner.Current(); t != nil {
		t.Cancel()
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// RunRequest overrides the base options of a run. Zero fields keep the base.
type RunRequest struct {
	// Method is a method ID such as "lbfgs" or "cmaes".
	Method string `json:"method,omitempty"`

	// StepSize and MaxIterations override the driver options of the base.
	StepSize      float64 `json:"stepSize,omitempty"`
	MaxIterations int     `json:"maxIterations,omitempty"`
}

// runOptions applies req to the base options. Errors are client errors.
func (s *Server) runOptions(req RunRequest) (lighttrace.Options, error) {
	o := s.base
	if req.Method != "" {
		m, err := opt.ParseMethod(req.Method)
		if err != nil {
			return o, err
		}
		o.Method = m
	}
	if req.StepSize < 0 {
		return o, fmt.Errorf("stepSize must not be negative, got %g", req.StepSize)
	}
	// opt.New derives the L-BFGS initial step and iteration limit from
	// these, so the L-BFGS parameters stay untouched.
	if req.StepSize > 0 {
		o.Driver.StepSize = req.StepSize
	}
	if req.MaxIterations < 0 {
		return o, fmt.Errorf("maxIterations must not be negative, got %d", req.MaxIterations)
	}
	if req.MaxIterations > 0 {
		o.Driver.MaxIterations = req.MaxIterations
	}
	return o, nil
}

func (s *Server) runConfig(o lighttrace.Options) RunConfig {
	return RunConfig{
		ScenePath:          s.opts.ScenePath,
		Method:             o.Method.ID(),
		Objective:          o.Objective.Kind.String(),
		Tracer:             s.opts.Tracer,
		StepSize:           o.Driver.StepSize,
		MaxIterations:      o.Driver.MaxIterations,
		QuadraticIntensity: o.QuadraticIntensity,
		AABBPenalty:        o.AABBPenalty,
		IntensityPenalty:   o.IntensityPenalty,
	}
}

// handleCreateRun handles POST /api/v1/runs. A running run is cancelled
// first.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	// An empty body starts a run with the base options.
	var req RunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
			return
		}
	}
	o, err := s.runOptions(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The run outlives the request; it ends on cancel or shutdown.
	task, err := s.runner.Start(context.Background(), &o)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to start run: %v", err), http.StatusInternalServerError)
		return
	}
	// onStart registered the run before Start returned.
	run, _ := s.runs.GetRun(task.ID)
	writeJSON(w, http.StatusCreated, run)
}

// handleListRuns handles GET /api/v1/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.ListRuns())
}

// handleGetRun handles GET /api/v1/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runs.GetRun(r.PathValue("id"))
	if !ok {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Run
		Elapsed float64 `json:"elapsed"`
	}{run, progressOf(run).Elapsed})
}

// handleCancelRun handles POST /api/v1/runs/{id}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok := s.runs.GetRun(id)
	if !ok {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if run.State.Terminal() {
		http.Error(w, fmt.Sprintf("Run already %s", run.State), http.StatusConflict)
		return
	}
	if task, ok := s.runs.Task(id); ok {
		task.Cancel()
	}
	slog.Info("Run cancel requested", "run_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": "cancelling"})
}

// HistoryResponse lists the improvements recorded by the latest run.
type HistoryResponse struct {
	Size int `json:"size"`

	// Index is the entry applied to the scene, -1 before any selection.
	Index int `json:"index"`

	// Entries are reduced parameter vectors, oldest first.
	Entries [][]float64 `json:"entries"`
}

// handleHistory handles GET /api/v1/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	o := s.runner.Optimizer()
	entries := o.History()
	writeJSON(w, http.StatusOK, HistoryResponse{
		Size:    len(entries),
		Index:   o.CurrentHistoryIndex(),
		Entries: entries,
	})
}

// handleSelectHistory handles POST /api/v1/history/{index}/select
func (s *Server) handleSelectHistory(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(w, "Invalid history index", http.StatusBadRequest)
		return
	}
	o := s.runner.Optimizer()
	if o.Running() {
		http.Error(w, lighttrace.ErrRunning.Error(), http.StatusConflict)
		return
	}
	if i < 0 || i >= o.HistorySize() {
		http.Error(w, "History entry not found", http.StatusNotFound)
		return
	}
	if err := o.SelectFromHistory(i); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, lighttrace.ErrRunning) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"index": i})
}

// BestResponse is the best result of the latest run.
type BestResponse struct {
	RunID     string    `json:"runId"`
	State     RunState  `json:"state"`
	Objective float64   `json:"objective"`
	Params    []float64 `json:"params"`
	Labels    []string  `json:"labels"`
}

// handleBest handles GET /api/v1/best
func (s *Server) handleBest(w http.ResponseWriter, r *http.Request) {
	task := s.runner.Current()
	if task == nil {
		http.Error(w, "No run yet", http.StatusNotFound)
		return
	}
	run, ok := s.runs.GetRun(task.ID)
	if !ok || len(run.BestParams) == 0 {
		http.Error(w, "No results yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, BestResponse{
		RunID:     run.ID,
		State:     run.State,
		Objective: run.BestObjective,
		Params:    run.BestParams,
		Labels:    run.Labels,
	})
}

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
