// Package constraint implements soft penalty terms added to the objective.
package constraint

import (
	"math"

	"github.com/cwbudde/lightfit/internal/param"
	"github.com/cwbudde/lightfit/internal/scene"
	"gonum.org/v1/gonum/spatial/r3"
)

// Kind tags the constraint variants.
type Kind int

const (
	KindAABB Kind = iota
	KindIntensity
)

func (k Kind) String() string {
	switch k {
	case KindAABB:
		return "aabb"
	case KindIntensity:
		return "intensity"
	}
	return "unknown"
}

// Constraint is a differentiable penalty over a set of lights.
//
// Eval returns the penalty and adds its gradient into grad, a full parameter
// vector laid out by tbl. An inactive constraint returns 0 and leaves grad
// untouched.
type Constraint interface {
	Kind() Kind
	Eval(sc *scene.Scene, tbl *param.Table, grad []float64) float64
}

// Base holds the entity set, penalty factor and active flag shared by all
// constraints. The entity set only stores handles; the scene owns the lights.
type Base struct {
	Penalty float64
	Active  bool

	lights []scene.Handle
}

func newBase(penalty float64) Base {
	return Base{Penalty: penalty, Active: true}
}

// Add registers a light. Adding the same light twice has no effect.
func (b *Base) Add(h scene.Handle) {
	for _, l := range b.lights {
		if l == h {
			return
		}
	}
	b.lights = append(b.lights, h)
}

// Remove unregisters a light.
func (b *Base) Remove(h scene.Handle) {
	for i, l := range b.lights {
		if l == h {
			b.lights = append(b.lights[:i], b.lights[i+1:]...)
			return
		}
	}
}

// Lights returns the registered lights.
func (b *Base) Lights() []scene.Handle {
	return b.lights
}

// LightsInAABB penalizes lights outside an axis-aligned box.
type LightsInAABB struct {
	Base
	Min, Max r3.Vec
}

// NewLightsInAABB returns an active box constraint.
func NewLightsInAABB(lo, hi r3.Vec, penalty float64) *LightsInAABB {
	return &LightsInAABB{Base: newBase(penalty), Min: lo, Max: hi}
}

func (c *LightsInAABB) Kind() Kind { return KindAABB }

// excursion returns the signed distance of v outside [lo, hi], 0 inside.
func excursion(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return v - lo
	case v > hi:
		return v - hi
	}
	return 0
}

func (c *LightsInAABB) Eval(sc *scene.Scene, tbl *param.Table, grad []float64) float64 {
	if !c.Active {
		return 0
	}
	f := 0.0
	for _, h := range c.lights {
		p, ok := sc.Position(h)
		i, found := tbl.Slot(h)
		if !ok || !found {
			continue
		}
		d := r3.Vec{
			X: excursion(p.X, c.Min.X, c.Max.X),
			Y: excursion(p.Y, c.Min.Y, c.Max.Y),
			Z: excursion(p.Z, c.Min.Z, c.Max.Z),
		}
		f += 0.5 * c.Penalty * r3.Dot(d, d)
		grad[param.Index(i, param.PosX)] += c.Penalty * d.X
		grad[param.Index(i, param.PosY)] += c.Penalty * d.Y
		grad[param.Index(i, param.PosZ)] += c.Penalty * d.Z
	}
	return f
}

// IntensityPenalty penalizes large light intensities quadratically.
type IntensityPenalty struct {
	Base
	// Quadratic selects the gradient for the a = sqrt(2I) parameterization.
	Quadratic bool
}

// NewIntensityPenalty returns an active intensity penalty.
func NewIntensityPenalty(penalty float64, quadratic bool) *IntensityPenalty {
	return &IntensityPenalty{Base: newBase(penalty), Quadratic: quadratic}
}

func (c *IntensityPenalty) Kind() Kind { return KindIntensity }

func (c *IntensityPenalty) Eval(sc *scene.Scene, tbl *param.Table, grad []float64) float64 {
	if !c.Active {
		return 0
	}
	f := 0.0
	for _, h := range c.lights {
		i, found := tbl.Slot(h)
		if !found || !sc.Valid(h) {
			continue
		}
		intensity := sc.Intensity(h)
		f += c.Penalty * 0.5 * intensity * intensity
		g := c.Penalty * intensity
		if c.Quadratic {
			g *= math.Sqrt(2 * math.Max(intensity, 0))
		}
		grad[param.Index(i, param.Intensity)] += g
	}
	return f
}

// Sum evaluates every constraint and returns the total penalty.
func Sum(cs []Constraint, sc *scene.Scene, tbl *param.Table, grad []float64) float64 {
	total := 0.0
	for _, c := range cs {
		total += c.Eval(sc, tbl, grad)
	}
	return total
}
