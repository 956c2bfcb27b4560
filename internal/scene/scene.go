// Package scene maps scene ids to background assets.
package scene

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"talkingheads/internal/services"
)

// Scene is a background the compositor places avatars over.
type Scene struct {
	ID          string `yaml:"-" json:"id"`
	Description string `yaml:"description" json:"description"`
	// Background is an image or video file. Scenes with a background require
	// avatar clips that carry alpha so the background shows through.
	Background string `yaml:"background" json:"background,omitempty"`
	// Color fills the frame when no background asset is configured.
	Color string `yaml:"color" json:"color"`
}

// HasAsset reports whether the scene composites over a background file.
func (s Scene) HasAsset() bool {
	return strings.TrimSpace(s.Background) != ""
}

// FillColor returns the solid fill color in ffmpeg notation.
func (s Scene) FillColor() string {
	color := strings.TrimSpace(s.Color)
	if color == "" {
		return "black"
	}
	return strings.Replace(color, "#", "0x", 1)
}

// Registry maps scene ids to scenes.
type Registry map[string]Scene

type registryFile struct {
	Scenes map[string]Scene `yaml:"scenes"`
}

// DefaultRegistry returns the built-in solid-color scenes.
func DefaultRegistry() Registry {
	return Registry{
		"studio":      {ID: "studio", Description: "Professional recording studio", Color: "#1f2430"},
		"classroom":   {ID: "classroom", Description: "Educational setting", Color: "#36493d"},
		"living_room": {ID: "living_room", Description: "Casual setting", Color: "#5a4636"},
		"office":      {ID: "office", Description: "Professional office", Color: "#2f3b4c"},
		"outdoors":    {ID: "outdoors", Description: "Natural outdoor setting", Color: "#4f7942"},
	}
}

// LoadRegistry reads a YAML scene registry. Relative background paths are
// resolved against the registry file's directory. A missing file yields the
// built-in scenes.
func LoadRegistry(path string) (Registry, error) {
	registry := DefaultRegistry()
	if strings.TrimSpace(path) == "" {
		return registry, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return registry, nil
	}
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "scene", "load registry", path, err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "scene", "parse registry", path, err)
	}
	base := filepath.Dir(path)
	for id, sc := range file.Scenes {
		id = normalizeID(id)
		sc.ID = id
		if sc.HasAsset() && !filepath.IsAbs(sc.Background) {
			sc.Background = filepath.Join(base, sc.Background)
		}
		registry[id] = sc
	}
	return registry, nil
}

// Get returns the scene with id or a configuration error naming the known ids.
func (r Registry) Get(id string) (Scene, error) {
	sc, ok := r[normalizeID(id)]
	if !ok {
		return Scene{}, services.Wrap(services.ErrConfiguration, "scene", "lookup",
			fmt.Sprintf("unknown scene %q (available: %s)", id, strings.Join(r.IDs(), ", ")), nil)
	}
	return sc, nil
}

// IDs returns the scene ids sorted alphabetically.
func (r Registry) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func normalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.Join(strings.Fields(strings.ReplaceAll(id, "-", " ")), "_")
}
