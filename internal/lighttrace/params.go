package lighttrace

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/cwbudde/lightfit/internal/param"
	"github.com/cwbudde/lightfit/internal/scene"
	"github.com/cwbudde/lightfit/internal/simulator"
)

// mapping converts between entity state and the optimization vector: the
// reduced parameter vector followed by the texels of the optimized emission
// texture, if any.
type mapping struct {
	sc        *scene.Scene
	tbl       *param.Table
	quadratic bool
	cone      *param.ConeMap

	// full is the full vector of the most recent build or apply.
	full []float64
}

var quad param.Quadratic

func (m *mapping) texture() (*scene.EmissiveMesh, bool) {
	h, ok := m.sc.FirstEmissiveTexture()
	if !ok || !m.tbl.Flags(h)[param.EmissiveTexture] {
		return nil, false
	}
	return m.sc.Mesh(h), true
}

func (m *mapping) textureLen() int {
	if tex, ok := m.texture(); ok {
		return len(tex.Texture)
	}
	return 0
}

// size is the length of the optimization vector.
func (m *mapping) size() int {
	return m.tbl.ActiveCount() + m.textureLen()
}

func (m *mapping) coneFor(l *scene.Light, f param.Flags) (*param.ConeMap, bool) {
	if l == nil || l.Type != scene.SpotLight || !f[param.ConeInner] {
		return nil, false
	}
	m.cone.SetActive(f[param.ConeInner], f[param.ConeEdge])
	return m.cone, true
}

// build reads the full vector from the scene and returns the optimization
// vector. Colour-only entities have their colour normalised in place.
func (m *mapping) build() []float64 {
	m.tbl.Sync(m.sc)
	m.full = make([]float64, m.tbl.FullLen())
	for i, h := range m.tbl.Entities() {
		m.readEntity(i, h)
	}
	x, _ := m.tbl.Reduce(m.full)
	if tex, ok := m.texture(); ok {
		x = append(x, tex.Texture...)
	}
	return x
}

func (m *mapping) readEntity(i int, h scene.Handle) {
	f := m.tbl.Flags(h)
	full := m.full[param.Index(i, 0):param.Index(i+1, 0)]

	if p, ok := m.sc.Position(h); ok {
		full[param.PosX], full[param.PosY], full[param.PosZ] = p.X, p.Y, p.Z
	}

	intensity, color := m.sc.Intensity(h), m.sc.Color(h)
	switch {
	case f[param.Intensity] && f.AnyColor():
		full[param.Intensity] = 1
		for k := 0; k < 3; k++ {
			full[param.ColorR+param.Kind(k)] = m.toParam(color[k] * intensity)
		}
	case f[param.Intensity]:
		full[param.Intensity] = m.toParam(intensity)
	case f.AnyColor():
		if s := color[0] + color[1] + color[2]; s > 0 {
			for k := range color {
				color[k] /= s
			}
			m.sc.SetColor(h, color)
			m.sc.SetIntensity(h, intensity*s)
		}
		for k := 0; k < 3; k++ {
			full[param.ColorR+param.Kind(k)] = color[k]
		}
	}

	l := m.sc.Light(h)
	if l == nil {
		return
	}
	if f.AnyRotation() {
		l.Rotation = scene.WrapRotation(l.Rotation)
	}
	full[param.RotX], full[param.RotY], full[param.RotZ] = l.Rotation.X, l.Rotation.Y, l.Rotation.Z
	if cone, ok := m.coneFor(l, f); ok {
		full[param.ConeInner], full[param.ConeEdge] = cone.Params(l.InnerCone, l.OuterCone)
	}
}

func (m *mapping) toParam(v float64) float64 {
	if m.quadratic {
		return quad.Param(v)
	}
	return v
}

func (m *mapping) toValue(p float64) float64 {
	if m.quadratic {
		return quad.Value(p)
	}
	return p
}

// apply writes an optimization vector back into the scene. Inactive slots
// keep their current values. A vector of the wrong length yields a
// *param.SizeError and leaves the scene untouched.
func (m *mapping) apply(x []float64) error {
	if len(m.full) != m.tbl.FullLen() {
		m.build()
	}
	if len(x) != m.size() {
		return &param.SizeError{Got: len(x), Want: m.size()}
	}
	na := m.tbl.ActiveCount()
	active, err := m.tbl.Expand(x[:na])
	if err != nil {
		return err
	}
	for i, h := range m.tbl.Entities() {
		f := m.tbl.Flags(h)
		for k := 0; k < param.MaxParams; k++ {
			if f[k] {
				m.full[param.Index(i, param.Kind(k))] = active[param.Index(i, param.Kind(k))]
			}
		}
		m.writeEntity(i, h, f)
	}
	if tex, ok := m.texture(); ok {
		for j, v := range x[na:] {
			tex.Texture[j] = quantize(v)
		}
	}
	return nil
}

func (m *mapping) writeEntity(i int, h scene.Handle, f param.Flags) {
	full := m.full[param.Index(i, 0):param.Index(i+1, 0)]

	if l := m.sc.Light(h); l != nil {
		if f[param.PosX] {
			l.Position.X = full[param.PosX]
		}
		if f[param.PosY] {
			l.Position.Y = full[param.PosY]
		}
		if f[param.PosZ] {
			l.Position.Z = full[param.PosZ]
		}
		if f[param.RotX] {
			l.Rotation.X = full[param.RotX]
		}
		if f[param.RotY] {
			l.Rotation.Y = full[param.RotY]
		}
		if f[param.RotZ] {
			l.Rotation.Z = full[param.RotZ]
		}
		if cone, ok := m.coneFor(l, f); ok {
			l.InnerCone, l.OuterCone = cone.Values(full[param.ConeInner], full[param.ConeEdge], l.InnerCone, l.OuterCone)
		}
	}

	// Inactive colour slots still hold the values read by build.
	switch {
	case f[param.Intensity] && f.AnyColor():
		q, s := m.emission(full)
		if s > 0 {
			m.sc.SetColor(h, [3]float64{q[0] / s, q[1] / s, q[2] / s})
		}
		m.sc.SetIntensity(h, s)
	case f[param.Intensity]:
		m.sc.SetIntensity(h, m.toValue(full[param.Intensity]))
	case f.AnyColor():
		c, s := colorSlots(full)
		if s > 0 {
			for k := range c {
				c[k] /= s
			}
		}
		m.sc.SetColor(h, c)
	}
}

func colorSlots(full []float64) (c [3]float64, sum float64) {
	c = [3]float64{full[param.ColorR], full[param.ColorG], full[param.ColorB]}
	return c, c[0] + c[1] + c[2]
}

// emission returns the coupled emission q = I*c held in the colour slots
// and its sum.
func (m *mapping) emission(full []float64) (q [3]float64, sum float64) {
	for k := 0; k < 3; k++ {
		q[k] = m.toValue(full[param.ColorR+param.Kind(k)])
		sum += q[k]
	}
	return q, sum
}

// quantize rounds a texel to the 8-bit value it is stored as.
func quantize(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return float64(uint8(math.Max(0, math.Min(255, v*255)))) / 255
}

// derivatives maps per-entity tracer gradients to dO/d(full vector) at the
// state of the most recent apply. full is overwritten.
func (m *mapping) derivatives(grads []simulator.LightGrads, full []float64) {
	for i := range full {
		full[i] = 0
	}
	for i, h := range m.tbl.Entities() {
		if i >= len(grads) {
			break
		}
		m.entityDerivatives(i, h, &grads[i], full[param.Index(i, 0):param.Index(i+1, 0)])
	}
}

func (m *mapping) entityDerivatives(i int, h scene.Handle, g *simulator.LightGrads, d []float64) {
	f := m.tbl.Flags(h)
	vals := m.full[param.Index(i, 0):param.Index(i+1, 0)]

	d[param.PosX], d[param.PosY], d[param.PosZ] = g.DPos[0], g.DPos[1], g.DPos[2]

	switch {
	case f[param.Intensity] && f.AnyColor():
		// Emission is q = I*c with I = sum(q); dO/dq = dO/dI + J^T dO/dc.
		q, s := m.emission(vals)
		if s > 0 {
			for k := range q {
				q[k] /= s
			}
		}
		jt := colorJacobianT(q, s, g.DColor)
		for k := 0; k < 3; k++ {
			dq := g.DIntensity + jt[k]
			if m.quadratic {
				dq = quad.Chain(dq, vals[param.ColorR+param.Kind(k)])
			}
			d[param.ColorR+param.Kind(k)] = dq
		}
	case f[param.Intensity]:
		d[param.Intensity] = g.DIntensity
		if m.quadratic {
			d[param.Intensity] = quad.Chain(g.DIntensity, vals[param.Intensity])
		}
	case f.AnyColor():
		q, s := colorSlots(vals)
		if s > 0 {
			for k := range q {
				q[k] /= s
			}
		}
		jt := colorJacobianT(q, s, g.DColor)
		for k := 0; k < 3; k++ {
			d[param.ColorR+param.Kind(k)] = jt[k]
		}
	default:
		d[param.Intensity] = g.DIntensity
		d[param.ColorR], d[param.ColorG], d[param.ColorB] = g.DColor[0], g.DColor[1], g.DColor[2]
	}

	l := m.sc.Light(h)
	if l == nil {
		return
	}
	if f.AnyRotation() {
		dr := rotationGradient(l.Rotation, g.DNormal, g.DTangent)
		d[param.RotX], d[param.RotY], d[param.RotZ] = dr.X, dr.Y, dr.Z
	}
	if cone, ok := m.coneFor(l, f); ok {
		d[param.ConeInner], d[param.ConeEdge] = cone.Chain(vals[param.ConeInner], vals[param.ConeEdge], g.DInnerAngle, g.DOuterAngle)
	}
}

// colorJacobianT returns J^T g for the normalisation c = q/sum(q), given
// the normalised colour c and the sum s: J_ij = delta_ij/s - c_i/s.
func colorJacobianT(c [3]float64, s float64, g [3]float64) [3]float64 {
	if s <= 0 {
		return g
	}
	J := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := -c[i] / s
			if i == j {
				v += 1 / s
			}
			J.Set(i, j, v)
		}
	}
	var out mat.VecDense
	out.MulVec(J.T(), mat.NewVecDense(3, g[:]))
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// rotationGradient returns dO/dr = Jn^T dO/dn + Jt^T dO/dt for the emission
// axis n and tangent t of a light rotated by r.
func rotationGradient(r r3.Vec, dn, dt [3]float64) r3.Vec {
	var a, b mat.VecDense
	a.MulVec(scene.RotationJacobian(r, scene.DefaultDirection).T(), mat.NewVecDense(3, dn[:]))
	b.MulVec(scene.RotationJacobian(r, scene.DefaultTangent).T(), mat.NewVecDense(3, dt[:]))
	a.AddVec(&a, &b)
	return r3.Vec{X: a.AtVec(0), Y: a.AtVec(1), Z: a.AtVec(2)}
}

// saddles lists the quadratic amplitudes whose magnitude is below eps.
func (m *mapping) saddles(eps float64) []string {
	if !m.quadratic {
		return nil
	}
	var out []string
	for i, h := range m.tbl.Entities() {
		f := m.tbl.Flags(h)
		var kinds []param.Kind
		switch {
		case f[param.Intensity] && f.AnyColor():
			for k := param.ColorR; k <= param.ColorB; k++ {
				if f[k] {
					kinds = append(kinds, k)
				}
			}
		case f[param.Intensity]:
			kinds = []param.Kind{param.Intensity}
		}
		for _, k := range kinds {
			if math.Abs(m.full[param.Index(i, k)]) < eps {
				out = append(out, h.String()+"."+k.String())
			}
		}
	}
	return out
}
