package script

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"talkingheads/internal/services"
)

const (
	maxSpeakerWords = 3
	maxSpeakerLen   = 32
)

var (
	speakerPattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ \-]*$`)
	directionPattern = regexp.MustCompile(`\[([^\[\]]*)\]`)
	whitespace       = regexp.MustCompile(`\s+`)
)

// ParseError reports a script line that could not be parsed.
type ParseError struct {
	Line    int
	Content string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Reason, e.Content)
}

func (e *ParseError) ErrorKind() string { return string(services.KindParse) }

func (e *ParseError) Unwrap() error { return services.ErrParse }

// Parse converts script text into an ordered slice of dialogue events. It fails
// on the first line that is neither blank, a comment, nor a valid
// `SPEAKER: text` line.
func Parse(text string) ([]DialogueEvent, error) {
	text = strings.TrimPrefix(text, "\ufeff")
	upper := cases.Upper(language.Und)

	lines := strings.Split(text, "\n")
	events := make([]DialogueEvent, 0, len(lines))
	for i, raw := range lines {
		lineNo := i + 1
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, &ParseError{Line: lineNo, Content: line, Reason: "missing SPEAKER: prefix"}
		}
		tag := strings.TrimSpace(line[:colon])
		if !looksLikeTag(line, colon) {
			return nil, &ParseError{Line: lineNo, Content: line, Reason: "missing SPEAKER: prefix"}
		}
		if !speakerPattern.MatchString(tag) {
			return nil, &ParseError{Line: lineNo, Content: line, Reason: "invalid speaker tag"}
		}

		utterance, directions := splitDirections(line[colon+1:])
		if utterance == "" {
			return nil, &ParseError{Line: lineNo, Content: line, Reason: "empty utterance"}
		}

		evt := DialogueEvent{
			Index:      len(events),
			Line:       lineNo,
			Speaker:    canonicalSpeaker(upper, tag),
			Text:       utterance,
			Directions: directions,
		}
		for _, dir := range directions {
			if IsExpression(dir) {
				evt.Expression = strings.ToLower(dir)
				break
			}
		}
		events = append(events, evt)
	}
	return events, nil
}

// looksLikeTag rejects prose that merely contains a colon: long runs of words
// and clock times such as "10:30".
func looksLikeTag(line string, colon int) bool {
	tag := strings.TrimSpace(line[:colon])
	if len(tag) > maxSpeakerLen || len(strings.Fields(tag)) > maxSpeakerWords {
		return false
	}
	if colon+1 < len(line) && isDigit(line[colon-1]) && isDigit(line[colon+1]) {
		return false
	}
	return true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// ParseFile reads and parses the script at path.
func ParseFile(path string) ([]DialogueEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrParse, "script", "read", path, err)
	}
	return Parse(string(data))
}

// CanonicalSpeaker normalizes a speaker tag the same way Parse does.
func CanonicalSpeaker(tag string) string {
	return canonicalSpeaker(cases.Upper(language.Und), tag)
}

func canonicalSpeaker(upper cases.Caser, tag string) string {
	tag = whitespace.ReplaceAllString(strings.TrimSpace(tag), "_")
	return upper.String(tag)
}

func splitDirections(text string) (string, []string) {
	var directions []string
	for _, match := range directionPattern.FindAllStringSubmatch(text, -1) {
		if dir := strings.TrimSpace(match[1]); dir != "" {
			directions = append(directions, dir)
		}
	}
	cleaned := directionPattern.ReplaceAllString(text, " ")
	cleaned = whitespace.ReplaceAllString(strings.TrimSpace(cleaned), " ")
	return cleaned, directions
}
