package script

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DialogueEvent is a single parsed line of dialogue.
type DialogueEvent struct {
	// Index is the 0-based position within the event sequence.
	Index int `json:"index"`
	// Line is the 1-based source line number.
	Line int `json:"line"`
	// Speaker is the canonical uppercase speaker tag.
	Speaker    string   `json:"speaker"`
	Text       string   `json:"text"`
	Directions []string `json:"directions,omitempty"`
	// Expression is set when one of the directions names a known expression.
	Expression string `json:"expression,omitempty"`
}

// ContentHash identifies the spoken content of the event, independent of its
// position in the script.
func (e DialogueEvent) ContentHash() string {
	sum := sha256.New()
	sum.Write([]byte(e.Speaker))
	sum.Write([]byte{0})
	sum.Write([]byte(e.Text))
	sum.Write([]byte{0})
	sum.Write([]byte(strings.Join(e.Directions, "\x1f")))
	return hex.EncodeToString(sum.Sum(nil))
}

// Speakers returns the distinct speaker tags in first-appearance order.
func Speakers(events []DialogueEvent) []string {
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, 4)
	for _, evt := range events {
		if _, ok := seen[evt.Speaker]; ok {
			continue
		}
		seen[evt.Speaker] = struct{}{}
		out = append(out, evt.Speaker)
	}
	return out
}

var knownExpressions = map[string]struct{}{
	"neutral":   {},
	"happy":     {},
	"smiling":   {},
	"laughing":  {},
	"excited":   {},
	"sad":       {},
	"angry":     {},
	"surprised": {},
	"serious":   {},
	"thinking":  {},
	"confused":  {},
	"worried":   {},
}

// IsExpression reports whether value names an expression avatar backends understand.
func IsExpression(value string) bool {
	_, ok := knownExpressions[strings.ToLower(strings.TrimSpace(value))]
	return ok
}
