package persona_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"talkingheads/internal/persona"
	"talkingheads/internal/script"
	"talkingheads/internal/services"
)

func twoPersonaRegistry() persona.Registry {
	all := persona.DefaultRegistry()
	return persona.Registry{"ALICE": all["ALICE"], "BOB": all["BOB"]}
}

func TestResolveKnownPersonas(t *testing.T) {
	events, err := script.Parse("ALICE: Hi\nBOB: Hello")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	assignments, err := persona.Resolve(events, twoPersonaRegistry())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if assignments.Len() != 2 {
		t.Fatalf("expected 2 assignments, got %d", assignments.Len())
	}
	first, ok := assignments.For(0)
	if !ok || first.ID != "ALICE" {
		t.Fatalf("unexpected profile for event 0: %+v", first)
	}
	second, ok := assignments.For(1)
	if !ok || second.ID != "BOB" {
		t.Fatalf("unexpected profile for event 1: %+v", second)
	}
	if _, ok := assignments.For(2); ok {
		t.Fatal("expected no profile past the end")
	}
	if got := len(assignments.Distinct()); got != 2 {
		t.Fatalf("expected 2 distinct profiles, got %d", got)
	}
}

func TestResolveReportsAllUnknownTags(t *testing.T) {
	events, err := script.Parse("ALICE: Hi\nZED: yo\nCHARLIE: Hey\nZED: again")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = persona.Resolve(events, twoPersonaRegistry())
	var unknown *persona.UnknownPersonaError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownPersonaError, got %v", err)
	}
	if !reflect.DeepEqual(unknown.Tags, []string{"CHARLIE", "ZED"}) {
		t.Fatalf("unexpected tags: %v", unknown.Tags)
	}
	if services.ExitCode(err) != services.ExitResolution {
		t.Fatalf("expected resolution exit code, got %d", services.ExitCode(err))
	}
}

func TestResolveCharlieMissingScenario(t *testing.T) {
	events, err := script.Parse("ALICE: Hi\nCHARLIE: Hey")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = persona.Resolve(events, twoPersonaRegistry())
	var unknown *persona.UnknownPersonaError
	if !errors.As(err, &unknown) || !reflect.DeepEqual(unknown.Tags, []string{"CHARLIE"}) {
		t.Fatalf("expected [CHARLIE], got %v", err)
	}
}

func TestLoadRegistryMissingFileUsesDefaults(t *testing.T) {
	registry, err := persona.LoadRegistry(filepath.Join(t.TempDir(), "absent.yaml"), persona.Defaults{Expression: "neutral", Style: "cartoon"})
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if !reflect.DeepEqual(registry.IDs(), []string{"ALICE", "BOB", "CHARLIE"}) {
		t.Fatalf("unexpected ids: %v", registry.IDs())
	}
}

func TestLoadRegistryOverridesAndAddsPersonas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	content := `personas:
  alice:
    voice_id: custom-voice
    avatar_id: https://example.test/alice.png
  dr who:
    voice_id: v-who
    avatar_id: who
    default_expression: Serious
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	registry, err := persona.LoadRegistry(path, persona.Defaults{Expression: "neutral", Style: "cartoon"})
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	alice := registry["ALICE"]
	if alice.VoiceID != "custom-voice" {
		t.Fatalf("expected override, got %q", alice.VoiceID)
	}
	if alice.DisplayName != "Alice" || alice.DefaultExpression != "neutral" || alice.Style != "cartoon" {
		t.Fatalf("expected defaults applied, got %+v", alice)
	}
	who, ok := registry.Lookup("Dr Who")
	if !ok {
		t.Fatal("expected DR_WHO to be registered")
	}
	if who.DisplayName != "Dr Who" || who.DefaultExpression != "serious" {
		t.Fatalf("unexpected profile: %+v", who)
	}
}

func TestLoadRegistryRejectsIncompleteProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	if err := os.WriteFile(path, []byte("personas:\n  EVE:\n    voice_id: v\n"), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	_, err := persona.LoadRegistry(path, persona.Defaults{})
	if services.KindOf(err) != services.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
