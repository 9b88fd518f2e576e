package opt

import (
	"context"
	"fmt"
	"strings"
)

// Func evaluates the objective at x. When grad is non-nil it is overwritten
// with the gradient at x.
type Func func(x, grad []float64) float64

// Result is the outcome of a driver run.
type Result struct {
	BestObjective float64
	LastPhi       float64
}

// Driver minimizes a Func starting from x. On return x holds the best
// parameters observed, regardless of where the underlying loop stopped.
//
// Cancelling ctx ends the run gracefully; the result then describes the best
// point seen so far and the error is nil.
type Driver interface {
	Method() Method
	Minimize(ctx context.Context, f Func, x []float64) (Result, error)
	Stats() Stats
}

// Method identifies a driver.
type Method int

const (
	MethodLBFGS Method = iota
	MethodGradientDescent
	MethodAdam
	MethodFDForwardCheck
	MethodFDCentralCheck
	MethodFDCentralAdam
	MethodCMAES
	MethodMayfly
)

var methods = []struct {
	id, name string
}{
	MethodLBFGS:           {"lbfgs", "L-BFGS"},
	MethodGradientDescent: {"gd", "Grad. desc."},
	MethodAdam:            {"adam", "ADAM"},
	MethodFDForwardCheck:  {"fd-forward", "FD-F-check"},
	MethodFDCentralCheck:  {"fd-central", "FD-C-check"},
	MethodFDCentralAdam:   {"fd-adam", "FD-C ADAM"},
	MethodCMAES:           {"cmaes", "CMA-ES (no grad.)"},
	MethodMayfly:          {"mayfly", "Mayfly (no grad.)"},
}

// String returns the display name of the method.
func (m Method) String() string {
	if m < 0 || int(m) >= len(methods) {
		return fmt.Sprintf("method(%d)", int(m))
	}
	return methods[m].name
}

// ID returns the command-line identifier of the method.
func (m Method) ID() string {
	if m < 0 || int(m) >= len(methods) {
		return ""
	}
	return methods[m].id
}

// UsesGradient reports whether the method consumes analytic gradients.
func (m Method) UsesGradient() bool {
	switch m {
	case MethodFDCentralAdam, MethodCMAES, MethodMayfly:
		return false
	}
	return true
}

// Methods lists every method in display order.
func Methods() []Method {
	out := make([]Method, len(methods))
	for i := range methods {
		out[i] = Method(i)
	}
	return out
}

// ParseMethod accepts an identifier or a display name.
func ParseMethod(s string) (Method, error) {
	for i, m := range methods {
		if strings.EqualFold(s, m.id) || s == m.name {
			return Method(i), nil
		}
	}
	return 0, fmt.Errorf("unknown optimizer %q", s)
}

// Options configures every driver. Zero values select the defaults.
type Options struct {
	StepSize      float64
	MaxIterations int
	// Tolerance stops GD and Adam once the gradient norm drops below it.
	Tolerance float64
	// FDStep is the finite-difference step of the gradient checks.
	FDStep float64
	// FDAdamStep is the finite-difference step of the FD-Adam hybrid.
	FDAdamStep float64

	Adam   AdamParams
	LBFGS  LBFGSParams
	CMAES  CMAESParams
	Mayfly MayflyParams

	// OnImprove is called whenever a new best objective is observed. x must
	// not be retained.
	OnImprove func(x []float64, phi float64)
	// OnCheck receives the gradients compared by the FD check drivers.
	OnCheck func(CheckReport)
}

const (
	DefaultStepSize      = 1.0
	DefaultMaxIterations = 200
	DefaultTolerance     = 1e-6
	DefaultFDStep        = 1e-4
	DefaultFDAdamStep    = 0.2
)

func (o Options) withDefaults() Options {
	if o.StepSize <= 0 {
		o.StepSize = DefaultStepSize
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.FDAdamStep <= 0 {
		o.FDAdamStep = DefaultFDAdamStep
	}
	o.Adam = o.Adam.withDefaults()
	o.CMAES = o.CMAES.withDefaults()
	o.Mayfly = o.Mayfly.withDefaults()
	return o
}

// New returns the driver for method m.
func New(m Method, o Options) (Driver, error) {
	o = o.withDefaults()
	switch m {
	case MethodLBFGS:
		p := o.LBFGS
		if p == (LBFGSParams{}) {
			p = WrapperLBFGSParams()
		}
		p.InitStep = o.StepSize
		p.MaxIterations = o.MaxIterations
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return NewLBFGS(p, o), nil
	case MethodGradientDescent:
		return NewGradientDescent(o), nil
	case MethodAdam:
		return NewAdam(o), nil
	case MethodFDForwardCheck:
		return NewFDCheck(false, o), nil
	case MethodFDCentralCheck:
		return NewFDCheck(true, o), nil
	case MethodFDCentralAdam:
		return NewFDAdam(o), nil
	case MethodCMAES:
		return NewCMAES(o), nil
	case MethodMayfly:
		return NewMayfly(o), nil
	}
	return nil, fmt.Errorf("unknown optimizer %v", m)
}
