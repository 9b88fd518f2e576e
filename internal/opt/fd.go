package opt

import (
	"context"
	"log/slog"

	"gonum.org/v1/gonum/floats"
)

// CheckReport compares a finite-difference gradient with the analytic one.
type CheckReport struct {
	Central  bool
	Step     float64
	Phi      float64
	FD       []float64
	Analytic []float64
	// DiffNorm is |FD - Analytic|; RelNorm divides it by |Analytic|.
	DiffNorm float64
	RelNorm  float64
}

// forwardDifferences writes (f(x+h e_k) - f(x)) / h into dst and returns f(x).
// x is restored before returning.
func forwardDifferences(eval func(x, grad []float64) float64, x []float64, h float64, dst []float64) float64 {
	for k := range x {
		tmp := x[k]
		x[k] += h
		dst[k] = eval(x, nil)
		x[k] = tmp
	}
	phi := eval(x, nil)
	for k := range dst {
		dst[k] = (dst[k] - phi) / h
	}
	return phi
}

// centralDifferences writes (f(x+h e_k) - f(x-h e_k)) / 2h into dst.
// x is restored before returning.
func centralDifferences(eval func(x, grad []float64) float64, x []float64, h float64, dst []float64) {
	for k := range x {
		tmp := x[k]
		x[k] = tmp + h
		fp := eval(x, nil)
		x[k] = tmp - h
		fm := eval(x, nil)
		x[k] = tmp
		dst[k] = (fp - fm) / (2 * h)
	}
}

// FDCheck is not an optimizer: it compares finite-difference and analytic
// gradients at x and leaves x unchanged. BestObjective is the norm of their
// difference and LastPhi the value at x; the full comparison goes to Report
// and Options.OnCheck.
type FDCheck struct {
	tracker
	central bool
	h       float64
	onCheck func(CheckReport)
	report  CheckReport
}

// NewFDCheck returns a forward (central=false) or central gradient check.
// A positive FDStep overrides the default step.
func NewFDCheck(central bool, o Options) *FDCheck {
	h := o.FDStep
	if h <= 0 {
		h = DefaultFDStep
	}
	c := &FDCheck{central: central, h: h, onCheck: o.OnCheck}
	c.onImprove = o.OnImprove
	return c
}

func (c *FDCheck) Method() Method {
	if c.central {
		return MethodFDCentralCheck
	}
	return MethodFDForwardCheck
}

func (c *FDCheck) Minimize(ctx context.Context, f Func, x []float64) (Result, error) {
	n := len(x)
	c.reset(n)
	eval := func(x, grad []float64) float64 {
		c.iterate()
		return c.eval(ctx, f, x, grad)
	}

	fd := make([]float64, n)
	if c.central {
		centralDifferences(eval, x, c.h, fd)
	} else {
		forwardDifferences(eval, x, c.h, fd)
	}
	analytic := make([]float64, n)
	phi := eval(x, analytic)

	diff := make([]float64, n)
	floats.SubTo(diff, fd, analytic)
	r := CheckReport{
		Central:  c.central,
		Step:     c.h,
		Phi:      phi,
		FD:       fd,
		Analytic: analytic,
		DiffNorm: floats.Norm(diff, 2),
	}
	if an := floats.Norm(analytic, 2); an > 0 {
		r.RelNorm = r.DiffNorm / an
	}
	c.mu.Lock()
	c.report = r
	c.mu.Unlock()

	slog.Info("Finite difference check",
		"method", c.Method().String(),
		"h", c.h,
		"phi", phi,
		"diff_norm", r.DiffNorm,
		"rel_norm", r.RelNorm,
	)
	if c.onCheck != nil {
		c.onCheck(r)
	}
	return Result{BestObjective: r.DiffNorm, LastPhi: phi}, nil
}

// Report returns the last comparison.
func (c *FDCheck) Report() CheckReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}
