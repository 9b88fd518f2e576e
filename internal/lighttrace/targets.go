package lighttrace

import (
	"context"
	"fmt"

	"github.com/cwbudde/lightfit/internal/scene"
)

// CopyRadianceToTarget simulates the current scene once and makes the
// result the target radiance.
func (o *Optimizer) CopyRadianceToTarget(ctx context.Context) error {
	if !o.begin() {
		return ErrRunning
	}
	defer o.end()
	if len(o.radiance) != o.sc.RadianceLen() {
		o.radiance = make([]float64, o.sc.RadianceLen())
		o.dRadiance = make([]float64, o.sc.RadianceLen())
	}
	if err := o.forward(ctx); err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	o.sc.Target.Radiance = append([]float64(nil), o.radiance...)
	return nil
}

// UniformTarget selects what SetUniformTarget overwrites.
type UniformTarget struct {
	Color     [scene.ChannelsPerVertex]float64
	SetColor  bool
	Weight    float64
	SetWeight bool
}

// SetUniformTarget sets the target colour and/or weight of every vertex.
func (o *Optimizer) SetUniformTarget(t UniformTarget) error {
	if o.Running() {
		return ErrRunning
	}
	nv := o.sc.VertexCount()
	if t.SetColor {
		o.sc.Target.Radiance = make([]float64, nv*scene.ChannelsPerVertex)
		for v := 0; v < nv; v++ {
			copy(o.sc.Target.Radiance[v*scene.ChannelsPerVertex:], t.Color[:])
		}
	}
	if t.SetWeight {
		return o.SetTargetWeights(t.Weight)
	}
	return nil
}

// SetTargetWeights sets every per-vertex target weight to alpha.
func (o *Optimizer) SetTargetWeights(alpha float64) error {
	if o.Running() {
		return ErrRunning
	}
	w := make([]float64, o.sc.VertexCount())
	for i := range w {
		w[i] = alpha
	}
	o.sc.Target.Weights = w
	return nil
}
