package param

import "math"

// Quadratic maps between a physical non-negative quantity I and the
// unconstrained amplitude a with I = a*a/2.
type Quadratic struct{}

// Value returns I for amplitude a.
func (Quadratic) Value(a float64) float64 { return 0.5 * a * a }

// Param returns the non-negative amplitude for I. Negative I maps to 0.
func (Quadratic) Param(i float64) float64 {
	if i <= 0 {
		return 0
	}
	return math.Sqrt(2 * i)
}

// Chain converts dO/dI into dO/da.
func (Quadratic) Chain(dOdI, a float64) float64 { return dOdI * a }

const (
	// DefaultConeScale is the default slope applied to both cone parameters.
	DefaultConeScale = 1e-2
	// DefaultInnerMax is the largest inner cone half-angle.
	DefaultInnerMax = 1.5

	coneClamp    = 5.0
	coneAsymptEp = 1e-5
	// outerLimit is just below pi/2, where atanh of the outer map diverges.
	outerLimit = 1.57079
)

// ConeMap squeezes two unconstrained reals (p1, p2) onto an ordered pair of
// spot-light half-angles with 0 < inner < InnerMax and
// inner+EdgeMin <= outer <= pi/2.
type ConeMap struct {
	S1, S2   float64
	InnerMax float64

	p1Active, p2Active bool
}

// NewConeMap returns a cone map with the default scales.
func NewConeMap() *ConeMap {
	return &ConeMap{S1: DefaultConeScale, S2: DefaultConeScale, InnerMax: DefaultInnerMax}
}

// EdgeMin is the smallest distance between the inner and outer angle.
func (c *ConeMap) EdgeMin() float64 {
	return math.Pi/2 - c.InnerMax
}

// SetActive selects which of the two parameters are optimized. The edge
// cannot be optimized without the inner angle; callers downgrade that
// configuration through Table.SetFlags first.
func (c *ConeMap) SetActive(inner, edge bool) {
	c.p1Active = inner
	c.p2Active = inner && edge
}

// Values maps (p1, p2) to (inner, outer). If p1 is inactive the current
// angles are returned unchanged.
func (c *ConeMap) Values(p1, p2, inner, outer float64) (float64, float64) {
	if !c.p1Active {
		return inner, outer
	}
	m := c.InnerMax
	inner = m * (math.Tanh(p1*c.S1)/2 + 0.5)
	if c.p2Active {
		outer = -m + math.Pi/2 + inner + (m-inner)*(math.Tanh(p2*c.S2)/2+0.5)
	} else {
		outer = inner + c.EdgeMin()
	}
	return inner, outer
}

// Chain converts (dO/dinner, dO/douter) into (dO/dp1, dO/dp2).
func (c *ConeMap) Chain(p1, p2, dInner, dOuter float64) (float64, float64) {
	if !c.p1Active {
		return 0, 0
	}
	m := c.InnerMax
	t1 := math.Tanh(p1 * c.S1)
	didp1 := m * c.S1 * (t1*t1 - 1) * -0.5
	var dodp1, dp2 float64
	if c.p2Active {
		t2 := math.Tanh(p2 * c.S2)
		dodp1 = m * c.S1 * (t2 - 1) * (t1*t1 - 1) / 4
		dodp2 := m * c.S2 * (t1 - 1) * (t2*t2 - 1) / 4
		dp2 = dOuter * dodp2
	} else {
		dodp1 = didp1
	}
	return dInner*didp1 + dOuter*dodp1, dp2
}

// Params is the inverse of Values, clamped near the tanh asymptotes.
func (c *ConeMap) Params(inner, outer float64) (p1, p2 float64) {
	if !c.p1Active {
		return 0, 0
	}
	m := c.InnerMax
	switch {
	case inner < coneAsymptEp:
		p1 = -coneClamp / c.S1
	case inner > m-coneAsymptEp:
		p1 = coneClamp / c.S1
	default:
		p1 = math.Atanh(2*inner/m-1) / c.S1
	}
	if !c.p2Active {
		return p1, 0
	}
	t1 := math.Tanh(p1 * c.S1)
	switch {
	case outer < inner+c.EdgeMin()+coneAsymptEp:
		p2 = -coneClamp / c.S2
	case outer > outerLimit:
		p2 = coneClamp / c.S2
	default:
		p2 = math.Atanh(-(m+4*outer-2*math.Pi-m*t1)/(m*(t1-1))) / c.S2
	}
	return p1, p2
}
