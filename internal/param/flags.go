// Package param manages which physical parameters of each light or emissive
// mesh are optimized and maps between the full parameter vector (a fixed
// stride of MaxParams entries per entity) and the reduced vector holding only
// the active entries.
package param

import "fmt"

// Kind identifies one of the per-entity parameter slots.
type Kind int

const (
	PosX Kind = iota
	PosY
	PosZ
	Intensity
	RotX
	RotY
	RotZ
	ConeInner
	ConeEdge
	ColorR
	ColorG
	ColorB

	// MaxParams is the stride of the full parameter vector.
	MaxParams = 12
)

// EmissiveTexture shares its slot with ConeInner: spot cones only exist on
// lights and textures only on meshes.
const EmissiveTexture = ConeInner

var kindNames = [MaxParams]string{
	"posX", "posY", "posZ", "intensity",
	"rotX", "rotY", "rotZ",
	"coneInner", "coneEdge",
	"colorR", "colorG", "colorB",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= MaxParams {
		return fmt.Sprintf("param(%d)", int(k))
	}
	return kindNames[k]
}

// Flags marks the active parameters of one entity.
type Flags [MaxParams]bool

// Count returns the number of active parameters.
func (f Flags) Count() int {
	n := 0
	for _, b := range f {
		if b {
			n++
		}
	}
	return n
}

// Any reports whether at least one of the given parameters is active.
func (f Flags) Any(kinds ...Kind) bool {
	for _, k := range kinds {
		if f[k] {
			return true
		}
	}
	return false
}

// AnyPosition reports whether a position component is active.
func (f Flags) AnyPosition() bool { return f.Any(PosX, PosY, PosZ) }

// AnyRotation reports whether a rotation component is active.
func (f Flags) AnyRotation() bool { return f.Any(RotX, RotY, RotZ) }

// AnyColor reports whether a colour component is active.
func (f Flags) AnyColor() bool { return f.Any(ColorR, ColorG, ColorB) }

// Index returns the full-vector index of parameter k of the i-th entity.
func Index(entity int, k Kind) int {
	return entity*MaxParams + int(k)
}
