package param

import "github.com/cwbudde/lightfit/internal/scene"

// SettingsProperty is the custom-property name flags are persisted under.
const SettingsProperty = "optimizer_settings"

type propKey struct {
	key  string
	kind Kind
}

var lightKeys = []propKey{
	{"pos_x", PosX}, {"pos_y", PosY}, {"pos_z", PosZ},
	{"intensity", Intensity},
	{"rot_x", RotX}, {"rot_y", RotY}, {"rot_z", RotZ},
	{"cone_inner", ConeInner}, {"cone_outer", ConeEdge},
	{"color_r", ColorR}, {"color_g", ColorG}, {"color_b", ColorB},
}

var meshKeys = []propKey{
	{"emission_strength", Intensity},
	{"emission_color_r", ColorR}, {"emission_color_g", ColorG}, {"emission_color_b", ColorB},
	{"emission_texture", EmissiveTexture},
}

func keysFor(kind scene.Kind) []propKey {
	if kind == scene.KindMesh {
		return meshKeys
	}
	return lightKeys
}

// Properties converts flags to the persisted property map of an entity kind.
func Properties(kind scene.Kind, f Flags) map[string]bool {
	keys := keysFor(kind)
	m := make(map[string]bool, len(keys))
	for _, pk := range keys {
		m[pk.key] = f[pk.kind]
	}
	return m
}

// FlagsFromProperties reads flags from a persisted property map. Missing
// keys are false; unknown keys are ignored.
func FlagsFromProperties(kind scene.Kind, m map[string]bool) Flags {
	var f Flags
	for _, pk := range keysFor(kind) {
		f[pk.kind] = m[pk.key]
	}
	return f
}

// Import loads the flags of every entity from the scene's property maps.
func (t *Table) Import(sc *scene.Scene) {
	t.Sync(sc)
	for _, h := range t.entities {
		t.SetFlags(h, FlagsFromProperties(h.Kind, sc.Settings(h)))
	}
}

// Export writes the flags of every entity into the scene's property maps.
func (t *Table) Export(sc *scene.Scene) {
	for _, h := range t.entities {
		sc.SetSettings(h, Properties(h.Kind, t.Flags(h)))
	}
}
