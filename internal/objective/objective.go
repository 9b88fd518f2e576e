// Package objective maps a simulated radiance vector to a scalar cost and
// its gradient with respect to that radiance.
//
// Radiance buffers are vertex-major: entry v*C+k is channel k of vertex v.
package objective

import (
	"fmt"
	"math"

	"github.com/cwbudde/lightfit/internal/scene"
	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/spatial/r3"
)

// Kind selects the objective variant.
type Kind int

const (
	KindSimple Kind = iota
	KindMultiChannel
	KindConsistentMass
)

var kindNames = map[Kind]string{
	KindSimple:         "simple",
	KindMultiChannel:   "multichannel",
	KindConsistentMass: "consistent-mass",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("objective(%d)", int(k))
}

// ParseKind resolves a configuration name to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown objective kind %q", s)
}

// Function evaluates the objective at x and writes dO/dx into dx.
// x and dx have the same length.
type Function interface {
	Kind() Kind
	Eval(x, dx []float64) float64
}

// WeightedResidual returns O = 1/2 (x-t)^T diag(w) diag(a) (x-t) and writes
// dO/dx = diag(w) diag(a) (x-t) into dx. All slices share one length.
func WeightedResidual(w, area, target, x, dx []float64) float64 {
	o := 0.0
	for i := range x {
		r := x[i] - target[i]
		d := w[i] * area[i] * r
		dx[i] = d
		o += r * d
	}
	return 0.5 * o
}

// Simple is a single-channel residual with one weight and area per entry.
type Simple struct {
	Target  []float64
	Weights []float64
	Areas   []float64
}

func (s *Simple) Kind() Kind { return KindSimple }

func (s *Simple) Eval(x, dx []float64) float64 {
	return WeightedResidual(s.Weights, s.Areas, s.Target, x, dx)
}

// MultiChannel applies the weighted residual per channel, after multiplying
// the radiance by the per-vertex albedo.
type MultiChannel struct {
	Channels       int
	Target         []float64 // V*Channels
	Weights        []float64 // V
	Areas          []float64 // V
	ChannelWeights []float64 // Channels
	Albedo         []float64 // V*3

	entry, target, d []float64
}

func (m *MultiChannel) Kind() Kind { return KindMultiChannel }

func (m *MultiChannel) Eval(x, dx []float64) float64 {
	nv := len(m.Weights)
	if len(m.entry) != nv {
		m.entry = make([]float64, nv)
		m.target = make([]float64, nv)
		m.d = make([]float64, nv)
	}
	phi := 0.0
	for k := 0; k < m.Channels; k++ {
		for v := 0; v < nv; v++ {
			m.entry[v] = m.Albedo[v*3+k%3] * x[v*m.Channels+k]
			m.target[v] = m.Target[v*m.Channels+k]
		}
		cw := m.ChannelWeights[k]
		phi += cw * WeightedResidual(m.Weights, m.Areas, m.target, m.entry, m.d)
		for v := 0; v < nv; v++ {
			dx[v*m.Channels+k] = cw * m.Albedo[v*3+k%3] * m.d[v]
		}
	}
	return phi
}

// ConsistentMass weights residuals with the FEM consistent mass matrix of
// the receiver mesh instead of a lumped diagonal area.
type ConsistentMass struct {
	Channels       int
	Target         []float64
	ChannelWeights []float64
	Albedo         []float64
	M              *sparse.CSR

	r, mr []float64
}

// NewConsistentMass assembles the weighted mass matrix once.
func NewConsistentMass(g scene.Geometry, weights, target, channelWeights, albedo []float64) *ConsistentMass {
	return &ConsistentMass{
		Channels:       len(channelWeights),
		Target:         target,
		ChannelWeights: channelWeights,
		Albedo:         albedo,
		M:              MassMatrix(g.Vertices, g.Triangles, weights),
	}
}

func (c *ConsistentMass) Kind() Kind { return KindConsistentMass }

func (c *ConsistentMass) Eval(x, dx []float64) float64 {
	nv, _ := c.M.Dims()
	if len(c.r) != nv {
		c.r = make([]float64, nv)
		c.mr = make([]float64, nv)
	}
	phi := 0.0
	for k := 0; k < c.Channels; k++ {
		for v := 0; v < nv; v++ {
			c.r[v] = x[v*c.Channels+k]*c.Albedo[v*3+k%3] - c.Target[v*c.Channels+k]
		}
		clear(c.mr)
		c.M.MulVecTo(c.mr, false, c.r)
		cw := c.ChannelWeights[k]
		s := 0.0
		for v := 0; v < nv; v++ {
			s += c.r[v] * c.mr[v]
			dx[v*c.Channels+k] = cw * c.Albedo[v*3+k%3] * c.mr[v]
		}
		phi += cw * 0.5 * s
	}
	return phi
}

// minVertexArea keeps isolated vertices from getting zero weight.
const minVertexArea = 1.1920929e-07

// VertexAreas returns one third of the area of the triangles adjacent to
// each vertex.
func VertexAreas(vertices [][3]float64, tris [][3]int) []float64 {
	areas := make([]float64, len(vertices))
	for _, t := range tris {
		a := triangleArea(vertices, t) / 3
		areas[t[0]] += a
		areas[t[1]] += a
		areas[t[2]] += a
	}
	for i := range areas {
		areas[i] = math.Max(areas[i], minVertexArea)
	}
	return areas
}

func triangleArea(vertices [][3]float64, t [3]int) float64 {
	a := vec(vertices[t[0]])
	b := vec(vertices[t[1]])
	c := vec(vertices[t[2]])
	return 0.5 * r3.Norm(r3.Cross(r3.Sub(b, a), r3.Sub(c, a)))
}

func vec(v [3]float64) r3.Vec {
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}
}

// Options configures New.
type Options struct {
	Kind           Kind
	ChannelWeights []float64
	// UseAlbedo multiplies radiance by the geometry albedo before comparing.
	// When false the albedo is all ones.
	UseAlbedo bool
}

// New builds the objective for a scene from its geometry and target.
// Missing target radiance is zero and missing weights are one.
func New(sc *scene.Scene, opts Options) (Function, error) {
	nv := sc.VertexCount()
	channels := scene.ChannelsPerVertex
	cw := opts.ChannelWeights
	if len(cw) == 0 {
		cw = []float64{1, 1, 1}
	}
	if len(cw) != channels {
		return nil, fmt.Errorf("objective needs %d channel weights, got %d", channels, len(cw))
	}

	target := make([]float64, nv*channels)
	copy(target, sc.Target.Radiance)
	weights := make([]float64, nv)
	if len(sc.Target.Weights) == nv {
		copy(weights, sc.Target.Weights)
	} else {
		for i := range weights {
			weights[i] = 1
		}
	}
	albedo := make([]float64, nv*3)
	for v := 0; v < nv; v++ {
		for k := 0; k < 3; k++ {
			albedo[v*3+k] = 1
			if opts.UseAlbedo && len(sc.Geometry.Albedo) == nv {
				albedo[v*3+k] = sc.Geometry.Albedo[v][k]
			}
		}
	}
	areas := VertexAreas(sc.Geometry.Vertices, sc.Geometry.Triangles)

	switch opts.Kind {
	case KindSimple:
		w := make([]float64, nv*channels)
		a := make([]float64, nv*channels)
		for v := 0; v < nv; v++ {
			for k := 0; k < channels; k++ {
				w[v*channels+k] = weights[v] * cw[k]
				a[v*channels+k] = areas[v]
			}
		}
		return &Simple{Target: target, Weights: w, Areas: a}, nil
	case KindMultiChannel:
		return &MultiChannel{
			Channels:       channels,
			Target:         target,
			Weights:        weights,
			Areas:          areas,
			ChannelWeights: cw,
			Albedo:         albedo,
		}, nil
	case KindConsistentMass:
		return NewConsistentMass(sc.Geometry, weights, target, cw, albedo), nil
	}
	return nil, fmt.Errorf("unknown objective kind %v", opts.Kind)
}
