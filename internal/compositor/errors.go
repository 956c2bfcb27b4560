package compositor

import (
	"fmt"

	"talkingheads/internal/services"
)

// LayoutError reports a timeline that cannot be laid out under the
// requested mode.
type LayoutError struct {
	// Position is the segment index the failure applies to, or -1.
	Position int
	Reason   string
}

func (e *LayoutError) Error() string {
	if e.Position < 0 {
		return "layout: " + e.Reason
	}
	return fmt.Sprintf("layout: segment %d: %s", e.Position, e.Reason)
}

// ErrorKind implements services.ErrorClassifier.
func (e *LayoutError) ErrorKind() string { return string(services.KindLayout) }

func (e *LayoutError) Unwrap() error { return services.ErrLayout }

// CompositingError reports clips or scene assets that cannot be composited
// correctly, such as an opaque clip over a background scene.
type CompositingError struct {
	EventIndex int
	Path       string
	Reason     string
}

func (e *CompositingError) Error() string {
	if e.EventIndex < 0 {
		return fmt.Sprintf("compositing: %s (%s)", e.Reason, e.Path)
	}
	return fmt.Sprintf("compositing: event %d: %s (%s)", e.EventIndex, e.Reason, e.Path)
}

// ErrorKind implements services.ErrorClassifier.
func (e *CompositingError) ErrorKind() string { return string(services.KindCompositing) }

func (e *CompositingError) Unwrap() error { return services.ErrCompositing }

func layoutErr(position int, format string, args ...any) error {
	return &LayoutError{Position: position, Reason: fmt.Sprintf(format, args...)}
}
