package lighttrace

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cwbudde/lightfit/internal/param"
)

// HistorySize returns the number of recorded improvements.
func (o *Optimizer) HistorySize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.history)
}

// CurrentHistoryIndex returns the selected history entry, or -1.
func (o *Optimizer) CurrentHistoryIndex() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.historyIdx
}

// History returns a copy of the recorded parameter vectors.
func (o *Optimizer) History() [][]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]float64, len(o.history))
	for i, h := range o.history {
		out[i] = append([]float64(nil), h...)
	}
	return out
}

// Best returns the best parameters and objective of the latest run.
func (o *Optimizer) Best() ([]float64, float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]float64(nil), o.best...), o.bestPhi
}

// ClearHistory drops every recorded entry.
func (o *Optimizer) ClearHistory() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clearHistory()
}

func (o *Optimizer) clearHistory() {
	o.history = nil
	o.historyIdx = -1
}

// ExportHistory moves the history out of the optimizer.
func (o *Optimizer) ExportHistory() [][]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.history
	o.clearHistory()
	return h
}

// SelectFromHistory applies history entry i to the scene. An entry that no
// longer fits the scene is dropped in favour of the live entity state.
func (o *Optimizer) SelectFromHistory(i int) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrRunning
	}
	if i < 0 || i >= len(o.history) {
		n := len(o.history)
		o.mu.Unlock()
		return fmt.Errorf("history index %d out of range [0,%d)", i, n)
	}
	x := o.history[i]
	o.historyIdx = i
	o.mu.Unlock()

	_, err := o.ApplyParameters(x)
	return err
}

// ApplyParameters writes an optimization vector into the scene. It reports
// false when the vector was stale and the parameters were rebuilt from the
// scene instead.
func (o *Optimizer) ApplyParameters(x []float64) (bool, error) {
	if !o.begin() {
		return false, ErrRunning
	}
	defer o.end()
	o.tbl.Sync(o.sc)
	err := o.vec.apply(x)
	var se *param.SizeError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &se):
		slog.Warn("Parameter vector does not match the scene, reloading from lights", "got", se.Got, "want", se.Want)
		fresh := o.vec.build()
		slog.Info("Parameter vector rebuilt", "size", len(fresh))
		return false, nil
	}
	return false, err
}
