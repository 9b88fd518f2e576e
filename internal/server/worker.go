package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/lightfit/internal/lighttrace"
	"github.com/cwbudde/lightfit/internal/store"
)

// activeRun holds the resources of the run in progress.
type activeRun struct {
	// done is closed by onFinish and stops the monitors.
	done chan struct{}

	// trace and history are nil without a store or when they could not be
	// opened. The run goes on without them.
	trace   *store.TraceWriter
	history *store.HistoryWriter
}

// onStart registers a run. The runner calls it before the run goroutine
// starts, so the optimizer is idle and Labels is safe to read.
func (s *Server) onStart(task *lighttrace.Task) {
	cfg := s.runConfig(s.runner.Optimizer().Options())
	labels := s.runner.Optimizer().Labels()
	s.runs.AddRun(task.ID, task, cfg, labels)
	slog.Info("Starting run", "run_id", task.ID, "method", cfg.Method, "params", len(labels))

	ar := &activeRun{done: make(chan struct{})}

	// A new run truncates any trace left by an earlier run with the same ID.
	if s.store != nil {
		var err error
		if ar.trace, err = store.NewTraceWriter(s.store.BaseDir(), task.ID, false); err != nil {
			slog.Warn("Trace disabled", "run_id", task.ID, "error", err)
		}
		if ar.history, err = store.NewHistoryWriter(s.store.BaseDir(), task.ID); err != nil {
			slog.Warn("History export disabled", "run_id", task.ID, "error", err)
		}
	}
	s.mu.Lock()
	s.active[task.ID] = ar
	s.mu.Unlock()

	// Both monitors exit when onFinish closes done.
	go s.monitorProgress(task.ID, ar.done)
	if s.store != nil && s.opts.CheckpointInterval > 0 {
		go s.monitorCheckpoints(task.ID, ar.done)
	}
}

// activeRun returns the resources of run id, or nil once it finished.
func (s *Server) activeRun(id string) *activeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

// onImprove records a new best objective of run id. It runs on the run
// goroutine, once per history entry.
func (s *Server) onImprove(id string, imp lighttrace.Improvement) {
	err := s.runs.UpdateRun(id, func(r *Run) {
		// The first history entry is the objective at the start point.
		if imp.Index == 0 {
			r.InitialObjective = imp.Phi
		}
		r.Improvements = imp.Index + 1
		r.BestObjective = imp.Phi
		r.BestParams = imp.Params
	})
	if err != nil {
		slog.Warn("Improvement for unknown run", "run_id", id)
		return
	}
	ar := s.activeRun(id)
	if ar == nil {
		return
	}

	// Write failures are logged but never stop the run.
	if ar.trace != nil {
		entry := store.TraceEntry{Index: imp.Index, Objective: imp.Phi, Timestamp: time.Now(), Params: imp.Params}
		if err := ar.trace.Write(entry); err != nil {
			slog.Warn("Failed to write trace entry", "run_id", id, "error", err)
		}
	}
	if ar.history != nil {
		row := store.HistoryRow{Index: imp.Index, Objective: imp.Phi, Params: store.Vector(imp.Params)}
		if err := ar.history.Write(row); err != nil {
			slog.Warn("Failed to write history row", "run_id", id, "error", err)
		}
	}
}

// onFinish finalizes a run from its goroutine, before Task.Done is closed,
// so waiters see the final state.
func (s *Server) onFinish(task *lighttrace.Task) {
	// Detach first so late improvements no longer reach the writers.
	s.mu.Lock()
	ar := s.active[task.ID]
	delete(s.active, task.ID)
	s.mu.Unlock()
	if ar != nil {
		close(ar.done)
		if ar.trace != nil {
			if err := ar.trace.Close(); err != nil {
				slog.Warn("Failed to close trace", "run_id", task.ID, "error", err)
			}
		}
		if ar.history != nil {
			if err := ar.history.Close(); err != nil {
				slog.Warn("Failed to close history", "run_id", task.ID, "error", err)
			}
		}
	}

	// A failed run keeps the best parameters reported through onImprove.
	res, err := task.Result()
	switch {
	case err != nil:
		markRunFailed(s.runs, task.ID, err)
	case task.Cancelled():
		markRunFinished(s.runs, task.ID, StateCancelled, res)
		slog.Info("Run cancelled", "run_id", task.ID)
	default:
		markRunFinished(s.runs, task.ID, StateCompleted, res)
		slog.Info("Run completed",
			"run_id", task.ID,
			"best_objective", res.BestObjective,
			"iterations", res.Iterations,
			"evaluations", res.Evaluations,
			"elapsed", res.Duration,
		)
	}

	// Final checkpoint carries the terminal state.
	if s.store != nil {
		if err := s.saveCheckpoint(task.ID); err != nil {
			slog.Error("Failed to save checkpoint", "run_id", task.ID, "error", err)
		}
	}

	// Terminal event, which ends every open stream of the run.
	if run, ok := s.runs.GetRun(task.ID); ok {
		s.runs.broadcaster.Broadcast(progressOf(run))
	}
}

// markRunFailed marks a run as failed with an error message.
func markRunFailed(rm *RunManager, id string, err error) {
	end := time.Now()
	rm.UpdateRun(id, func(r *Run) {
		r.State = StateFailed
		r.Error = err.Error()
		r.EndTime = &end
	})
	slog.Error("Run failed", "run_id", id, "error", err)
}

// markRunFinished stores the final driver statistics of a run.
func markRunFinished(rm *RunManager, id string, state RunState, res lighttrace.Result) {
	end := time.Now()
	rm.UpdateRun(id, func(r *Run) {
		r.State = state
		r.Iterations = res.Iterations
		r.Evaluations = res.Evaluations
		// A run stopped before its first evaluation has no objective.
		if r.Improvements > 0 {
			r.BestObjective = res.BestObjective
		}
		r.EndTime = &end
	})
}

// monitorProgress broadcasts the state of a run twice a second until done
// is closed.
func (s *Server) monitorProgress(id string, done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			run, ok := s.runs.GetRun(id)
			if !ok {
				return // removed from the manager
			}
			s.runs.broadcaster.Broadcast(progressOf(run))
		}
	}
}

// monitorCheckpoints saves the run checkpoint every CheckpointInterval.
func (s *Server) monitorCheckpoints(id string, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.saveCheckpoint(id); err != nil {
				slog.Error("Failed to save checkpoint", "run_id", id, "error", err)
			}
		}
	}
}

// saveCheckpoint persists the current state of a run. Runs without an
// improvement yet are skipped.
func (s *Server) saveCheckpoint(id string) error {
	run, ok := s.runs.GetRun(id)
	if !ok {
		return fmt.Errorf("run not found: %s", id)
	}
	if len(run.BestParams) == 0 {
		slog.Debug("Skipping checkpoint, no best params yet", "run_id", id)
		return nil
	}
	// Built from the snapshot, so a running optimizer is never touched.
	cp := store.NewCheckpoint(id, run.BestParams, run.Labels, run.BestObjective, run.InitialObjective, run.Config)
	cp.Iterations = run.Iterations
	cp.Evaluations = run.Evaluations
	cp.Status = string(run.State)
	cp.Error = run.Error
	if err := s.store.SaveCheckpoint(id, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	slog.Info("Checkpoint saved", "run_id", id, "state", run.State, "best_objective", run.BestObjective)
	return nil
}
