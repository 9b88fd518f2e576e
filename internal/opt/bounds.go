package opt

import (
	"fmt"
	"math"
)

// Bounds defines per-parameter box limits used by the derivative-free
// drivers to rescale parameters into the unit box.
type Bounds struct {
	Lower []float64
	Upper []float64
}

// NewBounds returns bounds of the given dimension with every parameter in [lo, hi].
func NewBounds(dim int, lo, hi float64) *Bounds {
	b := &Bounds{Lower: make([]float64, dim), Upper: make([]float64, dim)}
	for i := 0; i < dim; i++ {
		b.Lower[i] = lo
		b.Upper[i] = hi
	}
	return b
}

// Validate checks that the bounds match dim and are non-degenerate.
func (b *Bounds) Validate(dim int) error {
	if len(b.Lower) != dim || len(b.Upper) != dim {
		return fmt.Errorf("bounds have %d/%d entries for %d parameters", len(b.Lower), len(b.Upper), dim)
	}
	for i := range b.Lower {
		if !(b.Upper[i] > b.Lower[i]) {
			return fmt.Errorf("bounds for parameter %d are empty: [%g, %g]", i, b.Lower[i], b.Upper[i])
		}
	}
	return nil
}

// ClampVector clamps all parameters in place.
func (b *Bounds) ClampVector(data []float64) {
	for i := range data {
		data[i] = clamp(data[i], b.Lower[i], b.Upper[i])
	}
}

// Normalize maps x into the unit box.
func (b *Bounds) Normalize(dst, x []float64) {
	for i := range x {
		dst[i] = (x[i] - b.Lower[i]) / (b.Upper[i] - b.Lower[i])
	}
}

// Denormalize maps a unit-box vector back to parameter space.
func (b *Bounds) Denormalize(dst, u []float64) {
	for i := range u {
		dst[i] = b.Lower[i] + u[i]*(b.Upper[i]-b.Lower[i])
	}
}

func clamp(val, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, val))
}
