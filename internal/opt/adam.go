package opt

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
)

// AdamParams holds the moment decay rates and the denominator offset.
type AdamParams struct {
	Beta1, Beta2, Eps float64
}

func (p AdamParams) withDefaults() AdamParams {
	if p.Beta1 <= 0 {
		p.Beta1 = 0.9
	}
	if p.Beta2 <= 0 {
		p.Beta2 = 0.999
	}
	if p.Eps <= 0 {
		p.Eps = 1e-8
	}
	return p
}

// adamState holds the biased moment estimates.
type adamState struct {
	AdamParams
	m, v         []float64
	b1Pow, b2Pow float64
}

func newAdamState(p AdamParams, n int) *adamState {
	return &adamState{
		AdamParams: p,
		m:          make([]float64, n),
		v:          make([]float64, n),
		b1Pow:      p.Beta1,
		b2Pow:      p.Beta2,
	}
}

// step updates the moments with gradient g and moves x. The bias correction
// is folded into the step size as sqrt(1-beta2^t)/(1-beta1^t).
func (a *adamState) step(x, g []float64, lr float64) {
	mBias := 1 - a.b1Pow
	vBias := 1 - a.b2Pow
	a.b1Pow *= a.Beta1
	a.b2Pow *= a.Beta2
	scale := lr * math.Sqrt(vBias) / mBias
	for i, gi := range g {
		a.m[i] = a.Beta1*a.m[i] + (1-a.Beta1)*gi
		a.v[i] = a.Beta2*a.v[i] + (1-a.Beta2)*gi*gi
		x[i] -= scale * a.m[i] / (math.Sqrt(a.v[i]) + a.Eps)
	}
}

// Adam is the adaptive moment estimation driver.
type Adam struct {
	tracker
	params    AdamParams
	step, tol float64
	maxIters  int
}

// NewAdam returns an Adam driver.
func NewAdam(o Options) *Adam {
	o = o.withDefaults()
	a := &Adam{params: o.Adam, step: o.StepSize, tol: o.Tolerance, maxIters: o.MaxIterations}
	a.onImprove = o.OnImprove
	return a
}

func (a *Adam) Method() Method { return MethodAdam }

func (a *Adam) Minimize(ctx context.Context, f Func, x []float64) (Result, error) {
	a.reset(len(x))
	dp := make([]float64, len(x))
	a.eval(ctx, f, x, dp)
	st := newAdamState(a.params, len(x))

	for floats.Dot(dp, dp) > a.tol*a.tol && a.iterations() <= a.maxIters && ctx.Err() == nil {
		a.iterate()
		st.step(x, dp, a.step)
		a.eval(ctx, f, x, dp)
	}
	return a.finish(x), nil
}

// FDAdam feeds central finite-difference gradients into Adam updates. The
// analytic gradient is still evaluated at every iterate; when it vanishes,
// as it does after cancellation, the run ends.
type FDAdam struct {
	tracker
	params    AdamParams
	step, tol float64
	h         float64
	maxIters  int
}

// NewFDAdam returns the finite-difference Adam hybrid.
func NewFDAdam(o Options) *FDAdam {
	o = o.withDefaults()
	a := &FDAdam{params: o.Adam, step: o.StepSize, tol: o.Tolerance, h: o.FDAdamStep, maxIters: o.MaxIterations}
	a.onImprove = o.OnImprove
	return a
}

func (a *FDAdam) Method() Method { return MethodFDCentralAdam }

func (a *FDAdam) Minimize(ctx context.Context, f Func, x []float64) (Result, error) {
	n := len(x)
	a.reset(n)
	dp := make([]float64, n)
	analytic := make([]float64, n)
	eval := func(x, grad []float64) float64 { return a.eval(ctx, f, x, grad) }

	centralDifferences(eval, x, a.h, dp)
	eval(x, analytic)
	st := newAdamState(a.params, n)

	tol2 := a.tol * a.tol
	for floats.Dot(dp, dp) > tol2 && floats.Dot(analytic, analytic) > tol2 && a.iterations() <= a.maxIters && ctx.Err() == nil {
		a.iterate()
		st.step(x, dp, a.step)
		centralDifferences(eval, x, a.h, dp)
		eval(x, analytic)
	}
	return a.finish(x), nil
}
