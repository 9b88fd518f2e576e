package opt

import (
	"context"
	"math"
	"sync"
)

// Stats is a snapshot of a driver's progress.
type Stats struct {
	Evals    int
	Iters    int
	BestPhi  float64
	LastPhi  float64
	Best     []float64
	BestGrad []float64
}

// tracker counts evaluations and keeps the best point observed. It is safe
// to read Stats from another goroutine while a run is in progress.
type tracker struct {
	mu       sync.Mutex
	evals    int
	iters    int
	bestPhi  float64
	lastPhi  float64
	best     []float64
	bestGrad []float64

	onImprove func([]float64, float64)
}

func (t *tracker) reset(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evals = 0
	t.iters = 0
	t.bestPhi = math.MaxFloat64
	t.lastPhi = math.MaxFloat64
	t.best = make([]float64, n)
	t.bestGrad = make([]float64, n)
}

// eval runs f and records the result. After cancellation f is no longer
// called: the gradient is zeroed, which every gradient driver treats as
// convergence.
func (t *tracker) eval(ctx context.Context, f Func, x, grad []float64) float64 {
	if ctx.Err() != nil {
		for i := range grad {
			grad[i] = 0
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.lastPhi
	}
	phi := f(x, grad)

	t.mu.Lock()
	t.evals++
	t.lastPhi = phi
	improved := phi < t.bestPhi
	if improved {
		t.bestPhi = phi
		copy(t.best, x)
		if grad != nil {
			copy(t.bestGrad, grad)
		}
	}
	t.mu.Unlock()

	if improved && t.onImprove != nil {
		t.onImprove(x, phi)
	}
	return phi
}

func (t *tracker) iterate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iters++
	return t.iters
}

func (t *tracker) iterations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iters
}

// finish copies the best point into x and returns the run result.
func (t *tracker) finish(x []float64) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bestPhi < math.MaxFloat64 {
		copy(x, t.best)
	}
	return Result{BestObjective: t.bestPhi, LastPhi: t.lastPhi}
}

// Stats returns a copy of the current progress.
func (t *tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Evals:    t.evals,
		Iters:    t.iters,
		BestPhi:  t.bestPhi,
		LastPhi:  t.lastPhi,
		Best:     append([]float64(nil), t.best...),
		BestGrad: append([]float64(nil), t.bestGrad...),
	}
}
