package notifications

import (
	"fmt"
	"strings"
	"time"
)

// Event identifies a run milestone.
type Event string

const (
	EventRunStarted   Event = "run_started"
	EventRunCompleted Event = "run_completed"
	EventRunPartial   Event = "run_partial"
	EventRunFailed    Event = "run_failed"
	EventRunCancelled Event = "run_cancelled"
	EventJobFailed    Event = "job_failed"
	EventTest         Event = "test"
)

// Payload carries event details. Keys are event specific: runID, script,
// events, failed, output, duration, error, kind, eventIndex, speaker.
type Payload map[string]any

func (p Payload) text(key string) string {
	if p == nil {
		return ""
	}
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case time.Duration:
		return v.Round(time.Second).String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

// format renders a human-readable message. ok is false for events that are
// only published on machine transports.
func format(event Event, p Payload) (message, bool) {
	run := shortRun(p.text("runID"))
	switch event {
	case EventRunStarted:
		return message{
			title: "Talking Heads - Render Started",
			body:  fmt.Sprintf("Rendering %s (%s events) as run %s", p.text("script"), orDefault(p.text("events"), "0"), run),
			tags:  []string{"talkingheads", "render", "started"},
		}, true
	case EventRunCompleted:
		return message{
			title: "Talking Heads - Render Complete",
			body:  fmt.Sprintf("Rendered %s in %s", p.text("output"), orDefault(p.text("duration"), "0s")),
			tags:  []string{"talkingheads", "render", "completed"},
		}, true
	case EventRunPartial:
		return message{
			title: "Talking Heads - Partial Render",
			body:  fmt.Sprintf("Rendered %s with %s failed events skipped", p.text("output"), orDefault(p.text("failed"), "0")),
			tags:  []string{"talkingheads", "render", "partial"},
		}, true
	case EventRunFailed:
		var b strings.Builder
		b.WriteString("Render failed")
		if kind := p.text("kind"); kind != "" {
			b.WriteString(" (")
			b.WriteString(kind)
			b.WriteString(")")
		}
		b.WriteString(": ")
		b.WriteString(orDefault(p.text("error"), "unknown"))
		return message{
			title:    "Talking Heads - Render Failed",
			body:     b.String(),
			tags:     []string{"talkingheads", "render", "failed"},
			priority: "high",
		}, true
	case EventRunCancelled:
		return message{
			title: "Talking Heads - Render Cancelled",
			body:  fmt.Sprintf("Run %s was cancelled", run),
			tags:  []string{"talkingheads", "render", "cancelled"},
		}, true
	case EventTest:
		return message{
			title:    "Talking Heads - Test",
			body:     "Notification system test",
			tags:     []string{"talkingheads", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func shortRun(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return orDefault(id, "-")
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
