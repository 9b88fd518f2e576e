// Package store persists optimization runs: a JSON checkpoint per run, a
// JSONL trace of its improvements and a CSV export of its history.
package store

// Store persists run checkpoints. Implementations must be safe for
// concurrent use.
//
// Load and Delete return a *NotFoundError (matching ErrNotFound) for unknown
// runs; other failures are wrapped with context.
type Store interface {
	// SaveCheckpoint atomically replaces the checkpoint of the run.
	SaveCheckpoint(runID string, checkpoint *Checkpoint) error

	LoadCheckpoint(runID string) (*Checkpoint, error)

	// ListCheckpoints returns metadata of every readable checkpoint.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the run directory with its trace and history.
	DeleteCheckpoint(runID string) error
}

// ErrNotFound is returned when a requested run does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing run.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	if e.RunID != "" {
		return "run not found: " + e.RunID
	}
	return "run not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
