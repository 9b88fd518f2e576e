// Package simulator defines the contract between the optimizer and the
// radiance simulator, plus two CPU reference tracers used by the CLI and the
// tests. Physical light transport is out of scope; the tracers model
// unoccluded direct lighting only.
package simulator

import (
	"context"
	"fmt"

	"github.com/cwbudde/lightfit/internal/scene"
)

// LightGrads holds dO/d(quantity) for one entity, as produced by an adjoint
// pass. Normal and tangent are the rotated emission axis and tangent.
type LightGrads struct {
	DPos        [3]float64
	DIntensity  float64
	DColor      [3]float64
	DNormal     [3]float64
	DTangent    [3]float64
	DInnerAngle float64
	DOuterAngle float64
}

// Tracer simulates per-vertex radiance and its adjoint.
//
// Forward writes sc.RadianceLen() entries into radiance. Adjoint reads
// dO/dradiance for the state of the most recent Forward and writes one
// LightGrads per entity, in sc.Entities() order, plus dO/dtexel for the
// scene's first emissive texture when texGrads is non-nil.
//
// Calls are blocking and must come from a single goroutine.
type Tracer interface {
	Forward(ctx context.Context, sc *scene.Scene, seed uint32, radiance []float64) error
	Adjoint(ctx context.Context, sc *scene.Scene, dRadiance []float64, grads []LightGrads, texGrads []float64) error
}

// Kind names a tracer implementation.
type Kind string

const (
	KindLinear Kind = "linear"
	KindPoint  Kind = "point"
)

// New returns the tracer of the given kind.
func New(kind Kind, gain float64) (Tracer, error) {
	switch kind {
	case KindLinear:
		return &Linear{Gain: gain}, nil
	case KindPoint:
		return &Point{Ambient: gain}, nil
	}
	return nil, fmt.Errorf("unknown tracer %q", kind)
}

func checkBuffers(sc *scene.Scene, radiance []float64, grads []LightGrads) error {
	if len(radiance) != sc.RadianceLen() {
		return fmt.Errorf("radiance buffer has %d entries, want %d", len(radiance), sc.RadianceLen())
	}
	if grads != nil && len(grads) != sc.EntityCount() {
		return fmt.Errorf("gradient buffer has %d entries, want %d", len(grads), sc.EntityCount())
	}
	return nil
}

// emission returns the emitted colour of mesh m at vertex v: the emission
// colour, modulated by the texture when present. Texels wrap around the
// vertex index.
func emission(m *scene.EmissiveMesh, v, k int) float64 {
	c := m.Color[k]
	if n := len(m.Texture) / scene.ChannelsPerVertex; n > 0 {
		c *= m.Texture[(v%n)*scene.ChannelsPerVertex+k]
	}
	return c
}

// addMeshAdjoint accumulates mesh emission gradients for a mesh whose
// radiance contribution is gain*strength*emission at every vertex.
func addMeshAdjoint(sc *scene.Scene, h scene.Handle, gain func(v int) float64, dR []float64, g *LightGrads, texGrads []float64) {
	m := sc.Mesh(h)
	tex, textured := sc.FirstEmissiveTexture()
	withTex := textured && tex == h && texGrads != nil
	nt := len(m.Texture) / scene.ChannelsPerVertex
	for v := 0; v < sc.VertexCount(); v++ {
		gv := gain(v)
		for k := 0; k < scene.ChannelsPerVertex; k++ {
			d := dR[v*scene.ChannelsPerVertex+k]
			g.DIntensity += d * gv * emission(m, v, k)
			if nt > 0 {
				g.DColor[k] += d * gv * m.Strength * m.Texture[(v%nt)*scene.ChannelsPerVertex+k]
			} else {
				g.DColor[k] += d * gv * m.Strength
			}
			if withTex {
				texGrads[(v%nt)*scene.ChannelsPerVertex+k] += d * gv * m.Strength * m.Color[k]
			}
		}
	}
}
