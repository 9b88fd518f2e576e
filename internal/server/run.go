package server

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cwbudde/lightfit/internal/lighttrace"
	"github.com/cwbudde/lightfit/internal/store"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
)

// Terminal reports whether the run has ended.
func (s RunState) Terminal() bool {
	return s != StateRunning
}

// RunConfig is the persisted configuration of a run.
type RunConfig = store.RunConfig

// Run is the server-side record of one optimization run.
type Run struct {
	ID     string    `json:"id"`
	State  RunState  `json:"state"`
	Config RunConfig `json:"config"`

	// Labels name the entries of BestParams, e.g. "light#0.intensity".
	Labels []string `json:"labels"`

	// BestParams is the reduced vector of the best improvement so far.
	BestParams []float64 `json:"bestParams,omitempty"`

	// BestObjective and InitialObjective are composite objectives;
	// InitialObjective is the value at the start point.
	BestObjective    float64 `json:"bestObjective"`
	InitialObjective float64 `json:"initialObjective"`

	// Improvements counts history entries, the start point included.
	Improvements int `json:"improvements"`

	// Iterations and Evaluations are set when the run ends.
	Iterations  int `json:"iterations"`
	Evaluations int `json:"evaluations"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"` // nil while running
	Error     string     `json:"error,omitempty"`

	task *lighttrace.Task // nil for runs that cannot be cancelled
}

// RunManager keeps the runs started by the server.
type RunManager struct {
	mu          sync.RWMutex // guards runs
	runs        map[string]*Run
	broadcaster *EventBroadcaster
}

// NewRunManager creates an empty RunManager.
func NewRunManager() *RunManager {
	return &RunManager{
		runs:        make(map[string]*Run),
		broadcaster: NewEventBroadcaster(),
	}
}

// AddRun registers a started run. task may be nil for runs that cannot be
// cancelled.
func (rm *RunManager) AddRun(id string, task *lighttrace.Task, config RunConfig, labels []string) Run {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	run := &Run{
		ID:        id,
		State:     StateRunning,
		Config:    config,
		Labels:    labels,
		StartTime: time.Now(),
		task:      task,
	}
	rm.runs[id] = run
	return run.snapshot()
}

// GetRun returns a snapshot of the run with the given ID.
func (rm *RunManager) GetRun(id string) (Run, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	run, ok := rm.runs[id]
	if !ok {
		return Run{}, false
	}
	return run.snapshot(), true
}

func (r *Run) snapshot() Run {
	c := *r
	c.Labels = slices.Clone(r.Labels)
	c.BestParams = slices.Clone(r.BestParams)
	if r.EndTime != nil {
		end := *r.EndTime
		c.EndTime = &end
	}
	return c
}

// ListRuns returns snapshots of all runs, oldest first.
func (rm *RunManager) ListRuns() []Run {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	runs := make([]Run, 0, len(rm.runs))
	for _, run := range rm.runs {
		runs = append(runs, run.snapshot())
	}
	slices.SortFunc(runs, func(a, b Run) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return runs
}

// UpdateRun atomically updates a run using the provided function.
func (rm *RunManager) UpdateRun(id string, updateFn func(*Run)) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	run, ok := rm.runs[id]
	if !ok {
		return fmt.Errorf("run not found: %s", id)
	}
	updateFn(run)
	return nil
}

// Task returns the handle of a run.
func (rm *RunManager) Task(id string) (*lighttrace.Task, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	run, ok := rm.runs[id]
	if !ok || run.task == nil {
		return nil, false
	}
	return run.task, true
}

// RunningRuns returns the runs that have not ended.
func (rm *RunManager) RunningRuns() []Run {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	var out []Run
	for _, run := range rm.runs {
		if run.State == StateRunning {
			out = append(out, run.snapshot())
		}
	}
	return out
}
