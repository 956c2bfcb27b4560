// Package persona maps speaker tags to persona profiles and validates that a
// script only references personas the registry knows about.
package persona

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"talkingheads/internal/script"
	"talkingheads/internal/services"
)

// Profile describes one speaking character. Profiles are shared read-only by
// every event that references them.
type Profile struct {
	ID                string `yaml:"-" json:"id"`
	DisplayName       string `yaml:"display_name" json:"display_name"`
	VoiceID           string `yaml:"voice_id" json:"voice_id"`
	AvatarID          string `yaml:"avatar_id" json:"avatar_id"`
	DefaultExpression string `yaml:"default_expression" json:"default_expression"`
	Style             string `yaml:"style" json:"style"`
	Description       string `yaml:"description" json:"description,omitempty"`
	// Portrait is a local image used by the still-image avatar engine.
	Portrait string `yaml:"portrait" json:"portrait,omitempty"`
}

// Registry maps canonical persona ids to profiles.
type Registry map[string]Profile

type registryFile struct {
	Personas map[string]Profile `yaml:"personas"`
}

// DefaultRegistry returns the built-in cast.
func DefaultRegistry() Registry {
	return Registry{
		"ALICE": {
			ID:                "ALICE",
			DisplayName:       "Alice",
			VoiceID:           "21m00Tcm4TlvDq8ikWAM",
			AvatarID:          "alice",
			DefaultExpression: "happy",
			Style:             "cartoon",
			Description:       "Main host, friendly and engaging",
		},
		"BOB": {
			ID:                "BOB",
			DisplayName:       "Bob",
			VoiceID:           "pNInz6obpgDQGcFmaJgB",
			AvatarID:          "bob",
			DefaultExpression: "neutral",
			Style:             "cartoon",
			Description:       "Co-host, professional and knowledgeable",
		},
		"CHARLIE": {
			ID:                "CHARLIE",
			DisplayName:       "Charlie",
			VoiceID:           "ErXwobaYiN019PkySvjV",
			AvatarID:          "charlie",
			DefaultExpression: "excited",
			Style:             "cartoon",
			Description:       "Guest, enthusiastic and expressive",
		},
	}
}

// LoadRegistry reads a YAML persona registry. An empty path or a missing file
// yields the built-in cast; entries in the file override built-ins with the
// same id.
func LoadRegistry(path string, defaults Defaults) (Registry, error) {
	registry := DefaultRegistry()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, services.Wrap(services.ErrConfiguration, "persona", "load registry", path, err)
		default:
			var file registryFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return nil, services.Wrap(services.ErrConfiguration, "persona", "parse registry", path, err)
			}
			for id, profile := range file.Personas {
				profile.ID = script.CanonicalSpeaker(id)
				registry[profile.ID] = profile
			}
		}
	}
	registry.applyDefaults(defaults)
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	return registry, nil
}

// Defaults fills profile fields the registry leaves empty.
type Defaults struct {
	Expression string
	Style      string
	Voice      string
}

func (r Registry) applyDefaults(defaults Defaults) {
	title := cases.Title(language.Und)
	for id, profile := range r {
		if profile.DisplayName == "" {
			profile.DisplayName = title.String(strings.ReplaceAll(strings.ToLower(id), "_", " "))
		}
		if profile.DefaultExpression == "" {
			profile.DefaultExpression = defaults.Expression
		}
		if profile.Style == "" {
			profile.Style = defaults.Style
		}
		if profile.VoiceID == "" {
			profile.VoiceID = defaults.Voice
		}
		profile.DefaultExpression = strings.ToLower(profile.DefaultExpression)
		r[id] = profile
	}
}

// Validate checks every profile carries a voice and avatar identity.
func (r Registry) Validate() error {
	var problems []string
	for _, id := range r.IDs() {
		profile := r[id]
		if strings.TrimSpace(profile.VoiceID) == "" {
			problems = append(problems, id+": voice_id is required")
		}
		if strings.TrimSpace(profile.AvatarID) == "" {
			problems = append(problems, id+": avatar_id is required")
		}
	}
	if len(problems) > 0 {
		return services.Wrap(services.ErrConfiguration, "persona", "validate registry", strings.Join(problems, "; "), nil)
	}
	return nil
}

// IDs returns the registry ids sorted alphabetically.
func (r Registry) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Lookup returns the profile for a speaker tag in any casing.
func (r Registry) Lookup(tag string) (Profile, bool) {
	profile, ok := r[script.CanonicalSpeaker(tag)]
	return profile, ok
}

func (p Profile) String() string {
	return fmt.Sprintf("%s (%s)", p.ID, p.DisplayName)
}
