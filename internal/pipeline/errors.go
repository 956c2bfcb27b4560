package pipeline

import (
	"fmt"
	"strings"

	"talkingheads/internal/services"
)

// RunError reports an aborted run together with every failed job. It unwraps
// to the error that decided the run's class: the fatal failure when there is
// one, otherwise the first failure in event order.
type RunError struct {
	RunID    string
	Jobs     int
	Failures []JobSummary
	Cause    error
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s aborted: %d of %d jobs failed", shortID(e.RunID), len(e.Failures), e.Jobs)
	if e.Cause != nil {
		fmt.Fprintf(&b, " (%s: %v)", services.KindOf(e.Cause), e.Cause)
	}
	return b.String()
}

func (e *RunError) Unwrap() error { return e.Cause }

// ErrorKind implements services.ErrorClassifier for causes that carry no marker.
func (e *RunError) ErrorKind() string {
	return string(services.KindOf(e.Cause))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
