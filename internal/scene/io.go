package scene

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a scene from a YAML file.
func Load(path string) (*Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scene file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing scene %s: %w", path, err)
	}
	slog.Debug("Scene loaded", "path", path, "lights", len(s.Lights), "meshes", len(s.Meshes), "vertices", s.VertexCount())
	return s, nil
}

// Parse decodes and validates a YAML scene document.
func Parse(data []byte) (*Scene, error) {
	s := &Scene{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes the scene to a YAML file, replacing it atomically.
func (s *Scene) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling scene: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing scene file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming scene file: %w", err)
	}
	return nil
}

// Validate checks array sizes and index ranges.
func (s *Scene) Validate() error {
	nv := s.VertexCount()
	for i, t := range s.Geometry.Triangles {
		for _, v := range t {
			if v < 0 || v >= nv {
				return fmt.Errorf("triangle %d references vertex %d of %d", i, v, nv)
			}
		}
	}
	if n := len(s.Geometry.Normals); n != 0 && n != nv {
		return fmt.Errorf("geometry has %d normals for %d vertices", n, nv)
	}
	if n := len(s.Geometry.Albedo); n != 0 && n != nv {
		return fmt.Errorf("geometry has %d albedo entries for %d vertices", n, nv)
	}
	if n := len(s.Target.Radiance); n != 0 && n != nv*ChannelsPerVertex {
		return fmt.Errorf("target radiance has %d entries, want %d", n, nv*ChannelsPerVertex)
	}
	if n := len(s.Target.Weights); n != 0 && n != nv {
		return fmt.Errorf("target weights has %d entries, want %d", n, nv)
	}
	for i, l := range s.Lights {
		switch l.Type {
		case PointLight, SpotLight, DirectionalLight:
		case "":
			s.Lights[i].Type = PointLight
		default:
			return fmt.Errorf("light %q has unknown type %q", l.Name, l.Type)
		}
		if l.Type == SpotLight && l.OuterCone < l.InnerCone {
			return fmt.Errorf("spot light %q has outer cone %g below inner cone %g", l.Name, l.OuterCone, l.InnerCone)
		}
	}
	for _, m := range s.Meshes {
		if len(m.Texture)%ChannelsPerVertex != 0 {
			return fmt.Errorf("mesh %q texture length %d is not a multiple of 3", m.Name, len(m.Texture))
		}
	}
	return nil
}
