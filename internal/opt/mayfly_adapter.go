package opt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MayflyParams configures the Mayfly driver.
type MayflyParams struct {
	// Population must be at least 20.
	Population int
	Seed       int64
	// Bounds maps the unit box the swarm searches to parameter space. When
	// nil, a box of one step size around the start point is used.
	Bounds *Bounds
}

const minMayflyPopulation = 20

func (p MayflyParams) withDefaults() MayflyParams {
	if p.Population < minMayflyPopulation {
		p.Population = minMayflyPopulation
	}
	return p
}

// Mayfly wraps the external Mayfly swarm optimizer. The swarm only supports
// scalar bounds, so it always searches the unit box.
type Mayfly struct {
	tracker
	params   MayflyParams
	step     float64
	maxIters int
}

// NewMayfly creates a Mayfly driver.
func NewMayfly(o Options) *Mayfly {
	o = o.withDefaults()
	m := &Mayfly{params: o.Mayfly, step: o.StepSize, maxIters: o.MaxIterations}
	m.onImprove = o.OnImprove
	return m
}

func (m *Mayfly) Method() Method { return MethodMayfly }

func (m *Mayfly) bounds(x []float64) (*Bounds, error) {
	if m.params.Bounds != nil {
		return m.params.Bounds, m.params.Bounds.Validate(len(x))
	}
	b := &Bounds{Lower: make([]float64, len(x)), Upper: make([]float64, len(x))}
	for i, v := range x {
		b.Lower[i] = v - m.step
		b.Upper[i] = v + m.step
	}
	return b, nil
}

func (m *Mayfly) Minimize(ctx context.Context, f Func, x []float64) (Result, error) {
	n := len(x)
	m.reset(n)
	m.eval(ctx, f, x, nil)
	if n == 0 {
		return m.finish(x), nil
	}
	b, err := m.bounds(x)
	if err != nil {
		return m.finish(x), err
	}

	raw := make([]float64, n)
	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(u []float64) float64 {
		if ctx.Err() != nil {
			return math.MaxFloat64
		}
		b.Denormalize(raw, u)
		return m.eval(ctx, f, raw, nil)
	}
	config.ProblemSize = n
	config.MaxIterations = m.maxIters
	config.NPop = m.params.Population
	config.LowerBound = 0
	config.UpperBound = 1
	config.Rand = rand.New(rand.NewSource(m.params.Seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return m.finish(x), fmt.Errorf("mayfly: %w", err)
	}
	m.mu.Lock()
	m.iters = m.maxIters
	m.mu.Unlock()
	slog.Debug("Mayfly finished", "cost", result.GlobalBest.Cost)

	res := m.finish(x)
	res.LastPhi = result.GlobalBest.Cost
	return res, nil
}
