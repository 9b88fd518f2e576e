package opt

import (
	"context"
	"errors"
	"log/slog"

	"gonum.org/v1/gonum/optimize"
)

// CMAESParams configures the CMA-ES bridge.
type CMAESParams struct {
	Population int
	// Bounds, when set, rescales parameters into the unit box before they
	// reach the evolution strategy.
	Bounds *Bounds
}

func (p CMAESParams) withDefaults() CMAESParams {
	if p.Population <= 0 {
		p.Population = 16
	}
	return p
}

// CMAES bridges to gonum's Cholesky CMA-ES. It never asks for gradients.
type CMAES struct {
	tracker
	params   CMAESParams
	sigma    float64
	maxIters int
}

// NewCMAES returns the CMA-ES driver. The initial standard deviation is the
// step size.
func NewCMAES(o Options) *CMAES {
	o = o.withDefaults()
	c := &CMAES{params: o.CMAES, sigma: o.StepSize, maxIters: o.MaxIterations}
	c.onImprove = o.OnImprove
	return c
}

func (c *CMAES) Method() Method { return MethodCMAES }

// ctxRecorder stops the optimization when the context is done and counts
// major iterations.
type ctxRecorder struct {
	ctx  context.Context
	iter func()
}

func (r *ctxRecorder) Init() error { return nil }

func (r *ctxRecorder) Record(_ *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op == optimize.MajorIteration {
		r.iter()
	}
	return r.ctx.Err()
}

func (c *CMAES) Minimize(ctx context.Context, f Func, x []float64) (Result, error) {
	n := len(x)
	c.reset(n)
	if n == 0 {
		c.eval(ctx, f, x, nil)
		return c.finish(x), nil
	}

	b := c.params.Bounds
	if b != nil {
		if err := b.Validate(n); err != nil {
			return Result{}, err
		}
	}
	raw := make([]float64, n)
	toRaw := func(u []float64) []float64 {
		if b == nil {
			return u
		}
		b.Denormalize(raw, u)
		return raw
	}
	start := append([]float64(nil), x...)
	if b != nil {
		b.Normalize(start, x)
	}

	// The start point is evaluated first so the best-ever value can only improve.
	c.eval(ctx, f, x, nil)

	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			return c.eval(ctx, f, toRaw(u), nil)
		},
	}
	settings := &optimize.Settings{
		MajorIterations: c.maxIters,
		Concurrent:      0,
		Recorder:        &ctxRecorder{ctx: ctx, iter: func() { c.iterate() }},
	}
	method := &optimize.CmaEsChol{
		InitStepSize: c.sigma,
		Population:   c.params.Population,
	}

	result, err := optimize.Minimize(problem, start, settings, method)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("CMA-ES ended with error", "error", err)
	}
	res := c.finish(x)
	if result != nil {
		res.LastPhi = result.F
		slog.Debug("CMA-ES finished", "status", result.Status.String(), "evals", result.FuncEvaluations)
	}
	return res, nil
}
