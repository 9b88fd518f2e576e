package opt

import (
	"context"

	"gonum.org/v1/gonum/floats"
)

// GradientDescent takes fixed steps against the gradient.
type GradientDescent struct {
	tracker
	step, tol float64
	maxIters  int
}

// NewGradientDescent returns a gradient descent driver.
func NewGradientDescent(o Options) *GradientDescent {
	o = o.withDefaults()
	g := &GradientDescent{step: o.StepSize, tol: o.Tolerance, maxIters: o.MaxIterations}
	g.onImprove = o.OnImprove
	return g
}

func (g *GradientDescent) Method() Method { return MethodGradientDescent }

func (g *GradientDescent) Minimize(ctx context.Context, f Func, x []float64) (Result, error) {
	g.reset(len(x))
	dp := make([]float64, len(x))
	g.eval(ctx, f, x, dp)

	for floats.Dot(dp, dp) > g.tol*g.tol && g.iterations() <= g.maxIters && ctx.Err() == nil {
		g.iterate()
		floats.AddScaled(x, -g.step, dp)
		g.eval(ctx, f, x, dp)
	}
	return g.finish(x), nil
}
