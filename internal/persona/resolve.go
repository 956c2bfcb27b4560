package persona

import (
	"slices"
	"strings"

	"talkingheads/internal/script"
	"talkingheads/internal/services"
)

// UnknownPersonaError lists every speaker tag without a registry entry.
type UnknownPersonaError struct {
	Tags []string
}

func (e *UnknownPersonaError) Error() string {
	return "unknown persona(s): " + strings.Join(e.Tags, ", ")
}

func (e *UnknownPersonaError) ErrorKind() string { return string(services.KindResolution) }

func (e *UnknownPersonaError) Unwrap() error { return services.ErrUnknownPersona }

// Assignments associates each event index with its resolved profile.
type Assignments struct {
	byIndex []Profile
}

// For returns the profile assigned to the event at index.
func (a *Assignments) For(index int) (Profile, bool) {
	if a == nil || index < 0 || index >= len(a.byIndex) {
		return Profile{}, false
	}
	return a.byIndex[index], true
}

// Len reports how many events were resolved.
func (a *Assignments) Len() int {
	if a == nil {
		return 0
	}
	return len(a.byIndex)
}

// Distinct returns the resolved profiles in first-appearance order.
func (a *Assignments) Distinct() []Profile {
	if a == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []Profile
	for _, profile := range a.byIndex {
		if _, ok := seen[profile.ID]; ok {
			continue
		}
		seen[profile.ID] = struct{}{}
		out = append(out, profile)
	}
	return out
}

// Resolve verifies every speaker has a profile and returns the event to
// profile association. All unresolved tags are reported at once.
func Resolve(events []script.DialogueEvent, registry Registry) (*Assignments, error) {
	assignments := &Assignments{byIndex: make([]Profile, len(events))}
	missing := make(map[string]struct{})
	for i, evt := range events {
		profile, ok := registry[evt.Speaker]
		if !ok {
			missing[evt.Speaker] = struct{}{}
			continue
		}
		assignments.byIndex[i] = profile
	}
	if len(missing) > 0 {
		tags := make([]string, 0, len(missing))
		for tag := range missing {
			tags = append(tags, tag)
		}
		slices.Sort(tags)
		return nil, &UnknownPersonaError{Tags: tags}
	}
	return assignments, nil
}
