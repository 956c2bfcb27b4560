package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrParse          = errors.New("parse error")
	ErrUnknownPersona = errors.New("unknown persona")
	ErrRetryable      = errors.New("retryable backend error")
	ErrFatal          = errors.New("fatal backend error")
	ErrBackend        = errors.New("backend error")
	ErrLayout         = errors.New("layout error")
	ErrCompositing    = errors.New("compositing error")
	ErrEncoding       = errors.New("encoding error")
	ErrCancelled      = errors.New("cancelled")
	ErrConfiguration  = errors.New("configuration error")
)

// Kind names one class of the error taxonomy.
type Kind string

const (
	KindParse         Kind = "parse"
	KindResolution    Kind = "resolution"
	KindRetryable     Kind = "retryable"
	KindBackend       Kind = "backend"
	KindFatal         Kind = "fatal"
	KindLayout        Kind = "layout"
	KindCompositing   Kind = "compositing"
	KindEncoding      Kind = "encoding"
	KindCancelled     Kind = "cancelled"
	KindConfiguration Kind = "configuration"
	KindUnknown       Kind = "unknown"
)

// ErrorClassifier is implemented by typed errors that know their own kind.
type ErrorClassifier interface {
	ErrorKind() string
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrBackend
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

var markerKinds = []struct {
	marker error
	kind   Kind
}{
	{ErrFatal, KindFatal},
	{ErrConfiguration, KindConfiguration},
	{ErrParse, KindParse},
	{ErrUnknownPersona, KindResolution},
	{ErrLayout, KindLayout},
	{ErrCompositing, KindCompositing},
	{ErrEncoding, KindEncoding},
	{ErrRetryable, KindRetryable},
	{ErrBackend, KindBackend},
}

// KindOf classifies err. Cancellation wins over every other class so a run
// interrupted mid-retry reports as cancelled rather than as a backend failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	for _, entry := range markerKinds {
		if errors.Is(err, entry.marker) {
			return entry.kind
		}
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		if kind := Kind(strings.TrimSpace(classifier.ErrorKind())); kind != "" {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetryable
	}
	return KindUnknown
}

// IsRetryable reports whether err may succeed on another attempt.
func IsRetryable(err error) bool {
	return KindOf(err) == KindRetryable
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindFatal, KindConfiguration:
		return true
	default:
		return false
	}
}

// Process exit codes, one per error class.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitParse         = 2
	ExitResolution    = 3
	ExitBackend       = 4
	ExitComposition   = 5
	ExitEncoding      = 6
	ExitConfiguration = 7
	ExitCancelled     = 130
)

// ExitCode maps err to the process exit code for its class.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindParse:
		return ExitParse
	case KindResolution:
		return ExitResolution
	case KindRetryable, KindBackend, KindFatal:
		return ExitBackend
	case KindLayout, KindCompositing:
		return ExitComposition
	case KindEncoding:
		return ExitEncoding
	case KindConfiguration:
		return ExitConfiguration
	case KindCancelled:
		return ExitCancelled
	default:
		return ExitFailure
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
