package store

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// RunConfig is the subset of the run configuration kept with a checkpoint.
// It is a plain copy so the store does not depend on the config package.
type RunConfig struct {
	ScenePath          string  `json:"scenePath"`
	Method             string  `json:"method"`
	Objective          string  `json:"objective"`
	Tracer             string  `json:"tracer"`
	StepSize           float64 `json:"stepSize"`
	MaxIterations      int     `json:"maxIterations"`
	QuadraticIntensity bool    `json:"quadraticIntensity"`
	AABBPenalty        float64 `json:"aabbPenalty"`
	IntensityPenalty   float64 `json:"intensityPenalty"`
}

// Status values of a stored run.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Checkpoint is the persisted state of one optimization run.
//
// BestParams is the reduced parameter vector of the best objective seen, in
// the order given by Labels. Driver state (L-BFGS corrections, Adam moments,
// CMA-ES population) is not saved: a resumed run starts a fresh driver from
// BestParams, so the objective never gets worse than BestObjective but the
// trajectory differs from an uninterrupted run.
type Checkpoint struct {
	RunID string `json:"runId"`

	BestParams []float64 `json:"bestParams"`
	Labels     []string  `json:"labels"`

	BestObjective    float64 `json:"bestObjective"`
	InitialObjective float64 `json:"initialObjective"`
	LastPhi          float64 `json:"lastPhi"`
	Iterations       int     `json:"iterations"`
	Evaluations      int     `json:"evaluations"`

	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Config RunConfig `json:"config"`
}

// CheckpointInfo is the listing view of a checkpoint without parameters.
type CheckpointInfo struct {
	RunID         string    `json:"runId"`
	Method        string    `json:"method"`
	BestObjective float64   `json:"bestObjective"`
	Iterations    int       `json:"iterations"`
	Params        int       `json:"params"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	ScenePath     string    `json:"scenePath"`
}

// NewCheckpoint creates a checkpoint stamped with the current time.
func NewCheckpoint(runID string, bestParams []float64, labels []string, bestObjective, initialObjective float64, config RunConfig) *Checkpoint {
	return &Checkpoint{
		RunID:            runID,
		BestParams:       bestParams,
		Labels:           labels,
		BestObjective:    bestObjective,
		InitialObjective: initialObjective,
		Status:           StatusRunning,
		Timestamp:        time.Now(),
		Config:           config,
	}
}

// ToInfo converts a full Checkpoint to CheckpointInfo.
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		RunID:         c.RunID,
		Method:        c.Config.Method,
		BestObjective: c.BestObjective,
		Iterations:    c.Iterations,
		Params:        len(c.BestParams),
		Status:        c.Status,
		Timestamp:     c.Timestamp,
		ScenePath:     c.Config.ScenePath,
	}
}

// Validate checks that the checkpoint can be resumed from.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	if len(c.BestParams) == 0 {
		return &ValidationError{Field: "BestParams", Reason: "cannot be empty"}
	}
	if len(c.Labels) != len(c.BestParams) {
		return &ValidationError{
			Field:  "Labels",
			Reason: fmt.Sprintf("length mismatch: %d labels for %d params", len(c.Labels), len(c.BestParams)),
		}
	}
	for _, v := range c.BestParams {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: "BestParams", Reason: "must be finite"}
		}
	}
	if c.BestObjective < 0 {
		return &ValidationError{Field: "BestObjective", Reason: "cannot be negative"}
	}
	if c.Iterations < 0 || c.Evaluations < 0 {
		return &ValidationError{Field: "Iterations", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Config.ScenePath == "" {
		return &ValidationError{Field: "Config.ScenePath", Reason: "cannot be empty"}
	}
	if c.Config.Method == "" {
		return &ValidationError{Field: "Config.Method", Reason: "cannot be empty"}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks that the checkpoint parameters describe the same
// scene and the same active parameters as labels.
func (c *Checkpoint) IsCompatible(scenePath string, labels []string) error {
	if c.Config.ScenePath != scenePath {
		return &CompatibilityError{
			Field:    "ScenePath",
			Expected: c.Config.ScenePath,
			Actual:   scenePath,
		}
	}
	if !slices.Equal(c.Labels, labels) {
		return &CompatibilityError{
			Field:    "Labels",
			Expected: fmt.Sprintf("%v", c.Labels),
			Actual:   fmt.Sprintf("%v", labels),
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
