package opt

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
)

// LBFGSParams controls the L-BFGS solver and its line search.
type LBFGSParams struct {
	// M is the number of (s, y) correction pairs kept.
	M int
	// Epsilon stops when |g| <= Epsilon * max(|x|, 1).
	Epsilon float64
	// Past is the distance in iterations of the objective-decrease test; 0 disables it.
	Past int
	// Delta is the relative objective decrease below which the Past test stops.
	Delta float64
	// MaxIterations caps the outer iterations; 0 means unlimited.
	MaxIterations int

	LineSearch    LineSearchKind
	MaxLineSearch int
	MinStep       float64
	MaxStep       float64
	FTol          float64
	Wolfe         float64
	InitStep      float64

	// RemoveNewest and RemoveOldest evict correction pairs when a new pair
	// fails the curvature test.
	RemoveNewest bool
	RemoveOldest bool
}

// DefaultLBFGSParams returns the generic solver defaults.
func DefaultLBFGSParams() LBFGSParams {
	return LBFGSParams{
		M:             6,
		Epsilon:       1e-5,
		LineSearch:    LineSearchArmijo,
		MaxLineSearch: 20,
		MinStep:       1e-20,
		MaxStep:       1e20,
		FTol:          1e-4,
		Wolfe:         0.9,
		InitStep:      1,
	}
}

// WrapperLBFGSParams returns the settings used for light optimization:
// weak Wolfe search with a nearly inactive curvature bound, a longer memory
// and a one-iteration stall test.
func WrapperLBFGSParams() LBFGSParams {
	p := DefaultLBFGSParams()
	p.LineSearch = LineSearchWolfe
	p.Wolfe = 1 - 1e-6
	p.M = 10
	p.Epsilon = 1e-6
	p.Delta = 1e-6
	p.Past = 1
	p.MaxLineSearch = 15
	p.RemoveNewest = true
	p.RemoveOldest = false
	return p
}

// ParamError reports an invalid L-BFGS parameter.
type ParamError struct {
	Field string
	Value float64
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("lbfgs: invalid %s: %g", e.Field, e.Value)
}

// Validate checks parameter ranges.
func (p LBFGSParams) Validate() error {
	switch {
	case p.M <= 0:
		return &ParamError{"m", float64(p.M)}
	case p.Epsilon < 0:
		return &ParamError{"epsilon", p.Epsilon}
	case p.Past < 0:
		return &ParamError{"past", float64(p.Past)}
	case p.Delta < 0:
		return &ParamError{"delta", p.Delta}
	case p.MaxIterations < 0:
		return &ParamError{"max_iterations", float64(p.MaxIterations)}
	case p.LineSearch < LineSearchArmijo || p.LineSearch > LineSearchStrongWolfe:
		return &ParamError{"linesearch", float64(p.LineSearch)}
	case p.MaxLineSearch <= 0:
		return &ParamError{"max_linesearch", float64(p.MaxLineSearch)}
	case p.MinStep < 0:
		return &ParamError{"min_step", p.MinStep}
	case p.MaxStep < p.MinStep:
		return &ParamError{"max_step", p.MaxStep}
	case p.FTol <= 0 || p.FTol >= 0.5:
		return &ParamError{"ftol", p.FTol}
	case p.Wolfe <= p.FTol || p.Wolfe >= 1:
		return &ParamError{"wolfe", p.Wolfe}
	case p.InitStep <= 0:
		return &ParamError{"init_step", p.InitStep}
	}
	return nil
}

// correction is one (s, y) pair of the inverse-Hessian approximation.
type correction struct {
	s, y []float64
}

// LBFGS is the limited-memory BFGS driver.
type LBFGS struct {
	tracker
	params LBFGSParams
}

// NewLBFGS returns an L-BFGS driver. p must be valid.
func NewLBFGS(p LBFGSParams, o Options) *LBFGS {
	l := &LBFGS{params: p}
	l.onImprove = o.OnImprove
	return l
}

func (l *LBFGS) Method() Method { return MethodLBFGS }

// Minimize runs the solver from x and leaves the best point in x.
func (l *LBFGS) Minimize(ctx context.Context, f Func, x []float64) (Result, error) {
	n := len(x)
	l.reset(n)
	eval := func(x, grad []float64) float64 { return l.eval(ctx, f, x, grad) }

	iters, lastPhi, err := l.solve(eval, x)
	l.mu.Lock()
	l.iters = iters
	l.mu.Unlock()
	res := l.finish(x)
	res.LastPhi = lastPhi
	return res, err
}

// solve is the solver loop. It returns the number of iterations and the last
// objective value.
func (l *LBFGS) solve(eval func(x, grad []float64) float64, x []float64) (int, float64, error) {
	p := &l.params
	n := len(x)
	grad := make([]float64, n)
	gradp := make([]float64, n)
	xp := make([]float64, n)
	drt := make([]float64, n)
	sv := make([]float64, n)
	yv := make([]float64, n)
	var fxHist []float64
	if p.Past > 0 {
		fxHist = make([]float64, p.Past)
	}

	fx := eval(x, grad)
	if p.Past > 0 {
		fxHist[0] = fx
	}
	if floats.Norm(grad, 2) <= p.Epsilon*math.Max(floats.Norm(x, 2), 1) {
		return 1, fx, nil
	}

	floats.ScaleTo(drt, -1, grad)
	state := &lineState{fx: fx, x: x, grad: grad, step: p.InitStep / floats.Norm(drt, 2)}
	var hist []correction

	for k := 1; ; k++ {
		copy(xp, x)
		copy(gradp, grad)

		if _, err := backtrack(eval, state, drt, xp, p); err != nil {
			return k, state.fx, err
		}
		fx = state.fx

		if floats.Norm(grad, 2) <= p.Epsilon*math.Max(floats.Norm(x, 2), 1) {
			return k, fx, nil
		}
		if p.Past > 0 {
			if k >= p.Past && (fxHist[k%p.Past]-fx)/fx < p.Delta {
				return k, fx, nil
			}
			fxHist[k%p.Past] = fx
		}
		if p.MaxIterations != 0 && k >= p.MaxIterations {
			return k, fx, nil
		}

		floats.SubTo(sv, x, xp)
		floats.SubTo(yv, grad, gradp)
		ys := floats.Dot(sv, yv)
		yy := floats.Dot(yv, yv)
		if ys > p.FTol {
			hist = append(hist, correction{
				s: append([]float64(nil), sv...),
				y: append([]float64(nil), yv...),
			})
		} else {
			if p.RemoveNewest && len(hist) > 0 {
				hist = hist[:len(hist)-1]
			}
			if p.RemoveOldest && len(hist) > 0 {
				hist = hist[1:]
			}
		}
		slog.Debug("L-BFGS iteration", "k", k, "fx", fx, "memory", len(hist), "step", state.step)

		// Two-loop recursion: drt = -H*g.
		floats.ScaleTo(drt, -1, grad)
		alpha := make([]float64, len(hist))
		for j := len(hist) - 1; j >= 0; j-- {
			c := hist[j]
			alpha[j] = floats.Dot(c.s, drt) / floats.Dot(c.s, c.y)
			floats.AddScaled(drt, -alpha[j], c.y)
		}
		if ys > 0 && yy > 0 {
			floats.Scale(ys/yy, drt)
		}
		for j, c := range hist {
			beta := floats.Dot(c.y, drt) / floats.Dot(c.s, c.y)
			floats.AddScaled(drt, alpha[j]-beta, c.s)
		}

		if len(hist) >= p.M {
			hist = hist[1:]
		}
		state.step = 1
	}
}
