package simulator

import (
	"context"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/cwbudde/lightfit/internal/scene"
)

// minDist2 keeps the inverse-square falloff finite for lights on a vertex.
const minDist2 = 1e-8

// Point is a direct-lighting tracer. Point and spot lights fall off with the
// inverse square of the distance and the cosine at the receiving vertex; spot
// lights are attenuated by a smoothstep between their outer and inner cone.
// Directional lights contribute the cosine term only. Emissive meshes add a
// uniform term scaled by Ambient.
type Point struct {
	Ambient float64

	normals []r3.Vec
	verts   []r3.Vec
}

func (t *Point) prepare(sc *scene.Scene) {
	n := sc.VertexCount()
	if len(t.verts) == n && len(t.normals) == n {
		return
	}
	t.verts = make([]r3.Vec, n)
	for i, v := range sc.Geometry.Vertices {
		t.verts[i] = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	}
	t.normals = VertexNormals(sc.Geometry)
}

// VertexNormals returns the unit normal of every vertex: the stored normals
// when present, otherwise the area-weighted average of adjacent faces.
func VertexNormals(g scene.Geometry) []r3.Vec {
	out := make([]r3.Vec, len(g.Vertices))
	if len(g.Normals) == len(g.Vertices) {
		for i, n := range g.Normals {
			out[i] = r3.Unit(r3.Vec{X: n[0], Y: n[1], Z: n[2]})
		}
		return out
	}
	vec := func(i int) r3.Vec {
		v := g.Vertices[i]
		return r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	}
	for _, tri := range g.Triangles {
		a, b, c := vec(tri[0]), vec(tri[1]), vec(tri[2])
		fn := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
		for _, i := range tri {
			out[i] = r3.Add(out[i], fn)
		}
	}
	for i, n := range out {
		if r3.Norm(n) > 0 {
			out[i] = r3.Unit(n)
		}
	}
	return out
}

// response is the scalar transfer g from a light to one vertex together with
// its partial derivatives.
type response struct {
	g      float64
	dPos   r3.Vec
	dAxis  r3.Vec
	dInner float64
	dOuter float64
}

func smoothstep(t float64) (s, ds float64) {
	switch {
	case t <= 0:
		return 0, 0
	case t >= 1:
		return 1, 0
	}
	return t * t * (3 - 2*t), 6 * t * (1 - t)
}

func lightResponse(l *scene.Light, p, n r3.Vec, withGrad bool) response {
	var r response
	axis := l.Direction()
	if l.Type == scene.DirectionalLight {
		c := -r3.Dot(n, axis)
		if c <= 0 {
			return r
		}
		r.g = c
		if withGrad {
			r.dAxis = r3.Scale(-1, n)
		}
		return r
	}

	d := r3.Sub(l.Position, p) // vertex to light
	d2 := math.Max(r3.Dot(d, d), minDist2)
	dist := math.Sqrt(d2)
	nd := r3.Dot(n, d)
	if nd <= 0 {
		return r
	}
	lambert := nd / (d2 * dist)
	var dLambert r3.Vec
	if withGrad {
		dLambert = r3.Sub(r3.Scale(1/(d2*dist), n), r3.Scale(3*nd/(d2*d2*dist), d))
	}
	if l.Type != scene.SpotLight {
		r.g = lambert
		r.dPos = dLambert
		return r
	}

	inner, outer := l.InnerCone, l.OuterCone
	if outer <= inner {
		outer = inner + 1e-6
	}
	cI, cO := math.Cos(inner), math.Cos(outer)
	w := r3.Scale(-1, d) // light to vertex
	u := r3.Dot(w, axis) / dist
	width := cI - cO
	s, ds := smoothstep((u - cO) / width)
	r.g = lambert * s
	if !withGrad || s == 0 {
		r.dPos = r3.Scale(s, dLambert)
		return r
	}
	// du/dw = axis/|w| - u w/|w|^2 and dw/dpos = -I.
	duDw := r3.Sub(r3.Scale(1/dist, axis), r3.Scale(u/d2, w))
	dsDu := ds / width
	r.dPos = r3.Sub(r3.Scale(s, dLambert), r3.Scale(lambert*dsDu, duDw))
	r.dAxis = r3.Scale(lambert*dsDu/dist, w)
	r.dInner = lambert * ds * (-(u - cO) / (width * width)) * -math.Sin(inner)
	r.dOuter = lambert * ds * ((u - cI) / (width * width)) * -math.Sin(outer)
	return r
}

func (t *Point) Forward(ctx context.Context, sc *scene.Scene, _ uint32, radiance []float64) error {
	if err := checkBuffers(sc, radiance, nil); err != nil {
		return err
	}
	t.prepare(sc)
	for i := range radiance {
		radiance[i] = 0
	}
	for _, h := range sc.Entities() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m := sc.Mesh(h); m != nil {
			for v := range t.verts {
				for k := 0; k < scene.ChannelsPerVertex; k++ {
					radiance[v*scene.ChannelsPerVertex+k] += t.Ambient * m.Strength * emission(m, v, k)
				}
			}
			continue
		}
		l := sc.Light(h)
		for v := range t.verts {
			g := lightResponse(l, t.verts[v], t.normals[v], false).g
			if g == 0 {
				continue
			}
			for k := 0; k < scene.ChannelsPerVertex; k++ {
				radiance[v*scene.ChannelsPerVertex+k] += l.Intensity * l.Color[k] * g
			}
		}
	}
	return nil
}

func (t *Point) Adjoint(ctx context.Context, sc *scene.Scene, dR []float64, grads []LightGrads, texGrads []float64) error {
	if err := checkBuffers(sc, dR, grads); err != nil {
		return err
	}
	t.prepare(sc)
	ambient := func(int) float64 { return t.Ambient }
	for i, h := range sc.Entities() {
		if err := ctx.Err(); err != nil {
			return err
		}
		grads[i] = LightGrads{}
		if sc.Mesh(h) != nil {
			addMeshAdjoint(sc, h, ambient, dR, &grads[i], texGrads)
			continue
		}
		l := sc.Light(h)
		var dPos, dAxis r3.Vec
		for v := range t.verts {
			r := lightResponse(l, t.verts[v], t.normals[v], true)
			if r.g == 0 {
				continue
			}
			// w is dO/dg for this vertex.
			var w float64
			for k := 0; k < scene.ChannelsPerVertex; k++ {
				d := dR[v*scene.ChannelsPerVertex+k]
				w += d * l.Intensity * l.Color[k]
				grads[i].DColor[k] += d * l.Intensity * r.g
				grads[i].DIntensity += d * l.Color[k] * r.g
			}
			dPos = r3.Add(dPos, r3.Scale(w, r.dPos))
			dAxis = r3.Add(dAxis, r3.Scale(w, r.dAxis))
			grads[i].DInnerAngle += w * r.dInner
			grads[i].DOuterAngle += w * r.dOuter
		}
		grads[i].DPos = [3]float64{dPos.X, dPos.Y, dPos.Z}
		grads[i].DNormal = [3]float64{dAxis.X, dAxis.Y, dAxis.Z}
	}
	return nil
}
