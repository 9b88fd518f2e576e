// Package scene holds the lights, emissive meshes, receiver geometry and
// target radiance the optimizer works on. Entities live in append-only
// arenas and are addressed by Handle, so the optimizer never holds pointers
// into the scene.
package scene

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// Kind distinguishes the two entity arenas.
type Kind uint8

const (
	KindLight Kind = iota
	KindMesh
)

func (k Kind) String() string {
	switch k {
	case KindLight:
		return "light"
	case KindMesh:
		return "mesh"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Handle is a stable index into one of the scene arenas.
type Handle struct {
	Kind Kind
	Slot int
}

func (h Handle) String() string {
	return fmt.Sprintf("%s#%d", h.Kind, h.Slot)
}

// LightType selects the emission profile of a light.
type LightType string

const (
	PointLight       LightType = "point"
	SpotLight        LightType = "spot"
	DirectionalLight LightType = "directional"
)

// ChannelsPerVertex is the number of radiance entries stored per vertex.
const ChannelsPerVertex = 3

var (
	// DefaultDirection is the emission axis of an unrotated light.
	DefaultDirection = r3.Vec{X: 0, Y: 0, Z: -1}
	// DefaultTangent is the tangent of an unrotated light.
	DefaultTangent = r3.Vec{X: 1, Y: 0, Z: 0}
)

// Light is a punctual light source.
type Light struct {
	Name string    `yaml:"name"`
	Type LightType `yaml:"type"`
	// Index is the scene light index; lights are enumerated in ascending order.
	Index     int        `yaml:"index"`
	Position  r3.Vec     `yaml:"position"`
	Rotation  r3.Vec     `yaml:"rotation"` // axis * angle
	Color     [3]float64 `yaml:"color,flow"`
	Intensity float64    `yaml:"intensity"`
	InnerCone float64    `yaml:"inner_cone,omitempty"`
	OuterCone float64    `yaml:"outer_cone,omitempty"`

	Settings map[string]bool `yaml:"optimizer_settings,omitempty"`
}

// Direction returns the emission axis after applying the light's rotation.
func (l *Light) Direction() r3.Vec {
	return Rotate(l.Rotation, DefaultDirection)
}

// Tangent returns the light tangent after applying the light's rotation.
func (l *Light) Tangent() r3.Vec {
	return Rotate(l.Rotation, DefaultTangent)
}

// EmissiveMesh is a mesh whose material emits light.
type EmissiveMesh struct {
	Name     string     `yaml:"name"`
	Strength float64    `yaml:"emission_strength"`
	Color    [3]float64 `yaml:"emission_color,flow"`
	// Texture holds RGB texels in [0,1]. Only the first textured mesh can be optimized.
	Texture []float64 `yaml:"emission_texture,flow,omitempty"`

	Settings map[string]bool `yaml:"optimizer_settings,omitempty"`
}

// Geometry is the receiver mesh radiance is simulated on.
type Geometry struct {
	Vertices  [][3]float64 `yaml:"vertices,flow"`
	Normals   [][3]float64 `yaml:"normals,flow,omitempty"`
	Triangles [][3]int     `yaml:"triangles,flow"`
	// Albedo is the per-vertex surface colour radiance is multiplied by before comparison.
	Albedo [][3]float64 `yaml:"albedo,flow,omitempty"`
}

// Target is the radiance distribution the optimizer tries to reproduce.
type Target struct {
	Radiance []float64 `yaml:"radiance,flow,omitempty"` // vertex-major, ChannelsPerVertex entries each
	Weights  []float64 `yaml:"weights,flow,omitempty"`  // one per vertex
}

// Scene owns every entity the optimizer can touch.
type Scene struct {
	Name     string         `yaml:"name"`
	Lights   []Light        `yaml:"lights"`
	Meshes   []EmissiveMesh `yaml:"meshes,omitempty"`
	Geometry Geometry       `yaml:"geometry"`
	Target   Target         `yaml:"target,omitempty"`
}

// AddLight appends a light and returns its handle.
func (s *Scene) AddLight(l Light) Handle {
	s.Lights = append(s.Lights, l)
	return Handle{Kind: KindLight, Slot: len(s.Lights) - 1}
}

// AddMesh appends an emissive mesh and returns its handle.
func (s *Scene) AddMesh(m EmissiveMesh) Handle {
	s.Meshes = append(s.Meshes, m)
	return Handle{Kind: KindMesh, Slot: len(s.Meshes) - 1}
}

// Valid reports whether h addresses an existing entity.
func (s *Scene) Valid(h Handle) bool {
	switch h.Kind {
	case KindLight:
		return h.Slot >= 0 && h.Slot < len(s.Lights)
	case KindMesh:
		return h.Slot >= 0 && h.Slot < len(s.Meshes)
	}
	return false
}

// Light returns the light behind h, or nil.
func (s *Scene) Light(h Handle) *Light {
	if h.Kind != KindLight || !s.Valid(h) {
		return nil
	}
	return &s.Lights[h.Slot]
}

// Mesh returns the emissive mesh behind h, or nil.
func (s *Scene) Mesh(h Handle) *EmissiveMesh {
	if h.Kind != KindMesh || !s.Valid(h) {
		return nil
	}
	return &s.Meshes[h.Slot]
}

// Entities returns every optimizable entity in enumeration order: lights
// sorted by their scene light index, then emissive meshes in arena order.
func (s *Scene) Entities() []Handle {
	out := make([]Handle, 0, len(s.Lights)+len(s.Meshes))
	for i := range s.Lights {
		out = append(out, Handle{Kind: KindLight, Slot: i})
	}
	sort.SliceStable(out, func(a, b int) bool {
		return s.Lights[out[a].Slot].Index < s.Lights[out[b].Slot].Index
	})
	for i := range s.Meshes {
		out = append(out, Handle{Kind: KindMesh, Slot: i})
	}
	return out
}

// EntityCount returns the number of optimizable entities.
func (s *Scene) EntityCount() int {
	return len(s.Lights) + len(s.Meshes)
}

// Intensity returns the light intensity or mesh emission strength.
func (s *Scene) Intensity(h Handle) float64 {
	if l := s.Light(h); l != nil {
		return l.Intensity
	}
	if m := s.Mesh(h); m != nil {
		return m.Strength
	}
	return 0
}

// SetIntensity sets the light intensity or mesh emission strength.
func (s *Scene) SetIntensity(h Handle, v float64) {
	if l := s.Light(h); l != nil {
		l.Intensity = v
	} else if m := s.Mesh(h); m != nil {
		m.Strength = v
	}
}

// Color returns the light colour or mesh emission colour.
func (s *Scene) Color(h Handle) [3]float64 {
	if l := s.Light(h); l != nil {
		return l.Color
	}
	if m := s.Mesh(h); m != nil {
		return m.Color
	}
	return [3]float64{}
}

// SetColor sets the light colour or mesh emission colour.
func (s *Scene) SetColor(h Handle, c [3]float64) {
	if l := s.Light(h); l != nil {
		l.Color = c
	} else if m := s.Mesh(h); m != nil {
		m.Color = c
	}
}

// Position returns the position of a light. Meshes have no single position.
func (s *Scene) Position(h Handle) (r3.Vec, bool) {
	if l := s.Light(h); l != nil {
		return l.Position, true
	}
	return r3.Vec{}, false
}

// Settings returns the optimizer_settings property map of an entity.
func (s *Scene) Settings(h Handle) map[string]bool {
	if l := s.Light(h); l != nil {
		return l.Settings
	}
	if m := s.Mesh(h); m != nil {
		return m.Settings
	}
	return nil
}

// SetSettings replaces the optimizer_settings property map of an entity.
func (s *Scene) SetSettings(h Handle, props map[string]bool) {
	if l := s.Light(h); l != nil {
		l.Settings = props
	} else if m := s.Mesh(h); m != nil {
		m.Settings = props
	}
}

// FirstEmissiveTexture returns the first mesh carrying an emission texture.
func (s *Scene) FirstEmissiveTexture() (Handle, bool) {
	for i := range s.Meshes {
		if len(s.Meshes[i].Texture) > 0 {
			return Handle{Kind: KindMesh, Slot: i}, true
		}
	}
	return Handle{}, false
}

// VertexCount returns the number of receiver vertices.
func (s *Scene) VertexCount() int {
	return len(s.Geometry.Vertices)
}

// RadianceLen returns the length of a radiance buffer for this scene.
func (s *Scene) RadianceLen() int {
	return s.VertexCount() * ChannelsPerVertex
}

// Bounds returns the axis-aligned bounding box of the receiver geometry.
func (s *Scene) Bounds() (lo, hi r3.Vec) {
	if len(s.Geometry.Vertices) == 0 {
		return r3.Vec{}, r3.Vec{}
	}
	lo = r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi = r3.Vec{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, v := range s.Geometry.Vertices {
		lo.X, hi.X = math.Min(lo.X, v[0]), math.Max(hi.X, v[0])
		lo.Y, hi.Y = math.Min(lo.Y, v[1]), math.Max(hi.Y, v[1])
		lo.Z, hi.Z = math.Min(lo.Z, v[2]), math.Max(hi.Z, v[2])
	}
	return lo, hi
}

// Clone returns a deep copy of the scene.
func (s *Scene) Clone() *Scene {
	c := &Scene{
		Name:   s.Name,
		Lights: make([]Light, len(s.Lights)),
		Meshes: make([]EmissiveMesh, len(s.Meshes)),
		Geometry: Geometry{
			Vertices:  append([][3]float64(nil), s.Geometry.Vertices...),
			Normals:   append([][3]float64(nil), s.Geometry.Normals...),
			Triangles: append([][3]int(nil), s.Geometry.Triangles...),
			Albedo:    append([][3]float64(nil), s.Geometry.Albedo...),
		},
		Target: Target{
			Radiance: append([]float64(nil), s.Target.Radiance...),
			Weights:  append([]float64(nil), s.Target.Weights...),
		},
	}
	for i, l := range s.Lights {
		l.Settings = cloneSettings(l.Settings)
		c.Lights[i] = l
	}
	for i, m := range s.Meshes {
		m.Texture = append([]float64(nil), m.Texture...)
		m.Settings = cloneSettings(m.Settings)
		c.Meshes[i] = m
	}
	return c
}

func cloneSettings(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
