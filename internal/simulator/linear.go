package simulator

import (
	"context"

	"github.com/cwbudde/lightfit/internal/scene"
)

// Linear is a tracer whose radiance is linear in intensity and colour:
// radiance[v,k] = gain[v] * I * c[k] summed over entities. Position,
// rotation and cone parameters have no effect.
type Linear struct {
	// Gain applies to every vertex unless Gains is set.
	Gain  float64
	Gains []float64
}

func (t *Linear) gain(v int) float64 {
	if v < len(t.Gains) {
		return t.Gains[v]
	}
	return t.Gain
}

func (t *Linear) Forward(ctx context.Context, sc *scene.Scene, _ uint32, radiance []float64) error {
	if err := checkBuffers(sc, radiance, nil); err != nil {
		return err
	}
	for i := range radiance {
		radiance[i] = 0
	}
	for _, h := range sc.Entities() {
		if err := ctx.Err(); err != nil {
			return err
		}
		for v := 0; v < sc.VertexCount(); v++ {
			g := t.gain(v)
			for k := 0; k < scene.ChannelsPerVertex; k++ {
				var c float64
				if m := sc.Mesh(h); m != nil {
					c = emission(m, v, k)
				} else {
					c = sc.Color(h)[k]
				}
				radiance[v*scene.ChannelsPerVertex+k] += g * sc.Intensity(h) * c
			}
		}
	}
	return nil
}

func (t *Linear) Adjoint(ctx context.Context, sc *scene.Scene, dR []float64, grads []LightGrads, texGrads []float64) error {
	if err := checkBuffers(sc, dR, grads); err != nil {
		return err
	}
	for i, h := range sc.Entities() {
		if err := ctx.Err(); err != nil {
			return err
		}
		grads[i] = LightGrads{}
		if sc.Mesh(h) != nil {
			addMeshAdjoint(sc, h, t.gain, dR, &grads[i], texGrads)
			continue
		}
		c := sc.Color(h)
		intensity := sc.Intensity(h)
		for v := 0; v < sc.VertexCount(); v++ {
			g := t.gain(v)
			for k := 0; k < scene.ChannelsPerVertex; k++ {
				d := dR[v*scene.ChannelsPerVertex+k]
				grads[i].DIntensity += d * g * c[k]
				grads[i].DColor[k] += d * g * intensity
			}
		}
	}
	return nil
}
