package opt

import (
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/floats"
)

// LineSearchKind selects the acceptance condition of the backtracking search.
type LineSearchKind int

const (
	// LineSearchArmijo accepts on sufficient decrease.
	LineSearchArmijo LineSearchKind = iota + 1
	// LineSearchWolfe additionally requires the curvature condition.
	LineSearchWolfe
	// LineSearchStrongWolfe requires the strong curvature condition.
	LineSearchStrongWolfe
)

func (k LineSearchKind) String() string {
	switch k {
	case LineSearchArmijo:
		return "armijo"
	case LineSearchWolfe:
		return "wolfe"
	case LineSearchStrongWolfe:
		return "strong-wolfe"
	}
	return fmt.Sprintf("linesearch(%d)", int(k))
}

// ParseLineSearch resolves a configuration name.
func ParseLineSearch(s string) (LineSearchKind, error) {
	for _, k := range []LineSearchKind{LineSearchArmijo, LineSearchWolfe, LineSearchStrongWolfe} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown line search %q", s)
}

// LineSearchError reports a violated precondition of the line search.
type LineSearchError struct {
	Reason string
	Value  float64
}

func (e *LineSearchError) Error() string {
	return fmt.Sprintf("line search: %s (%g)", e.Reason, e.Value)
}

const (
	lsDec = 0.5
	lsInc = 2.1
)

// lineState is the in/out state of one line search.
type lineState struct {
	fx   float64   // in: value at xp; out: value at x
	x    []float64 // out: new point
	grad []float64 // in: gradient at xp; out: gradient at x
	step float64   // in: initial step; out: accepted step
}

// backtrack moves from xp along drt until the configured condition holds.
// If the iteration budget runs out, the best point visited (possibly xp
// itself) is returned instead of the last one.
func backtrack(eval func(x, grad []float64) float64, s *lineState, drt, xp []float64, p *LBFGSParams) (int, error) {
	if s.step <= 0 {
		return 0, &LineSearchError{Reason: "step must be positive", Value: s.step}
	}
	fxInit := s.fx
	dgInit := floats.Dot(s.grad, drt)
	if dgInit > 0 {
		slog.Warn("Line search direction increases the objective", "dg", dgInit)
		return 0, &LineSearchError{Reason: "moving direction increases the objective", Value: dgInit}
	}
	dgTest := p.FTol * dgInit

	bestF, bestStep := s.fx, s.step
	bestX := append([]float64(nil), s.x...)
	bestGrad := append([]float64(nil), s.grad...)

	var width float64
	iter := 0
	for ; iter < p.MaxLineSearch; iter++ {
		floats.AddScaledTo(s.x, xp, s.step, drt)
		s.fx = eval(s.x, s.grad)
		if s.fx < bestF {
			bestF, bestStep = s.fx, s.step
			copy(bestX, s.x)
			copy(bestGrad, s.grad)
		}

		if s.fx > fxInit+s.step*dgTest {
			width = lsDec
		} else {
			if p.LineSearch == LineSearchArmijo {
				break
			}
			dg := floats.Dot(s.grad, drt)
			if dg < p.Wolfe*dgInit {
				width = lsInc
			} else {
				if p.LineSearch == LineSearchWolfe {
					break
				}
				if dg > -p.Wolfe*dgInit {
					width = lsDec
				} else {
					break
				}
			}
		}

		if s.step < p.MinStep || s.step > p.MaxStep {
			slog.Debug("Line search step out of range", "step", s.step)
			iter = p.MaxLineSearch
			break
		}
		s.step *= width
	}

	if iter >= p.MaxLineSearch && s.fx > bestF {
		slog.Debug("Line search exhausted, using best point", "best", bestF, "last", s.fx)
		s.fx, s.step = bestF, bestStep
		copy(s.x, bestX)
		copy(s.grad, bestGrad)
	}
	return iter, nil
}
