package lighttrace

import (
	"context"
	"fmt"

	"github.com/cwbudde/lightfit/internal/objective"
	"github.com/cwbudde/lightfit/internal/param"
	"github.com/cwbudde/lightfit/internal/scene"
)

// Probe holds the radiance on both sides of a single parameter offset.
type Probe struct {
	Entity scene.Handle
	Param  param.Kind
	Step   float64
	// Value is the optimization-vector entry the probe is centred on.
	Value    float64
	Plus     []float64
	Minus    []float64
	PhiPlus  float64
	PhiMinus float64
}

// Derivative is the central-difference estimate of dO/dValue.
func (p *Probe) Derivative() float64 {
	return (p.PhiPlus - p.PhiMinus) / (2 * p.Step)
}

// Probe evaluates the scene with parameter k of entity h offset by +step and
// -step. It works on copies of the scene and table, so neither the live
// entities nor the tracer seed change.
func (o *Optimizer) Probe(ctx context.Context, h scene.Handle, k param.Kind, step float64) (*Probe, error) {
	if !o.begin() {
		return nil, ErrRunning
	}
	defer o.end()
	if !o.sc.Valid(h) {
		return nil, fmt.Errorf("no entity %v", h)
	}
	if step <= 0 {
		return nil, fmt.Errorf("probe step must be positive, got %g", step)
	}

	sc := o.sc.Clone()
	tbl := o.tbl.Clone()
	tbl.Sync(sc)
	tbl.SetActive(h, k, true)
	cone := *o.vec.cone
	m := &mapping{sc: sc, tbl: tbl, quadratic: o.vec.quadratic, cone: &cone}
	x := m.build()
	idx, ok := tbl.ReducedIndex(h, k)
	if !ok {
		return nil, fmt.Errorf("%v.%v cannot be probed on its own", h, k)
	}
	fn, err := objective.New(sc, o.opts.Objective)
	if err != nil {
		return nil, fmt.Errorf("build objective: %w", err)
	}

	p := &Probe{Entity: h, Param: k, Step: step, Value: x[idx]}
	scratch := make([]float64, sc.RadianceLen())
	eval := func(d float64) ([]float64, float64, error) {
		xp := append([]float64(nil), x...)
		xp[idx] += d
		if err := m.apply(xp); err != nil {
			return nil, 0, err
		}
		rad := make([]float64, sc.RadianceLen())
		if err := o.tracer.Forward(ctx, sc, o.seed, rad); err != nil {
			return nil, 0, err
		}
		return rad, fn.Eval(rad, scratch), nil
	}
	if p.Plus, p.PhiPlus, err = eval(step); err != nil {
		return nil, err
	}
	if p.Minus, p.PhiMinus, err = eval(-step); err != nil {
		return nil, err
	}
	return p, nil
}
