package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"talkingheads/internal/services"
)

type classified struct{ kind string }

func (c classified) Error() string     { return "classified " + c.kind }
func (c classified) ErrorKind() string { return c.kind }

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrRetryable, "synthesis", "synthesize", "rate limited", base)
	if !errors.Is(err, services.ErrRetryable) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"synthesis", "synthesize", "rate limited", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapWithoutMarkerDefaultsToBackend(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrBackend) {
		t.Fatalf("expected backend marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected default detail, got %q", err.Error())
	}
}

func TestKindOfAndExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind services.Kind
		code int
	}{
		{"nil", nil, "", services.ExitOK},
		{"parse", services.Wrap(services.ErrParse, "script", "parse", "bad line", nil), services.KindParse, services.ExitParse},
		{"resolution", fmt.Errorf("resolve: %w", services.ErrUnknownPersona), services.KindResolution, services.ExitResolution},
		{"retryable", services.Wrap(services.ErrRetryable, "avatar", "render", "", nil), services.KindRetryable, services.ExitBackend},
		{"fatal", services.Wrap(services.ErrFatal, "avatar", "render", "auth", nil), services.KindFatal, services.ExitBackend},
		{"layout", services.ErrLayout, services.KindLayout, services.ExitComposition},
		{"compositing", services.ErrCompositing, services.KindCompositing, services.ExitComposition},
		{"encoding", services.ErrEncoding, services.KindEncoding, services.ExitEncoding},
		{"configuration", services.ErrConfiguration, services.KindConfiguration, services.ExitConfiguration},
		{"cancelled", context.Canceled, services.KindCancelled, services.ExitCancelled},
		{"cancel beats retryable", services.Wrap(services.ErrRetryable, "avatar", "render", "", context.Canceled), services.KindCancelled, services.ExitCancelled},
		{"deadline", context.DeadlineExceeded, services.KindRetryable, services.ExitBackend},
		{"classifier", fmt.Errorf("wrapped: %w", classified{kind: "layout"}), services.KindLayout, services.ExitComposition},
		{"unknown", errors.New("mystery"), services.KindUnknown, services.ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := services.KindOf(tt.err); got != tt.kind {
				t.Fatalf("KindOf = %q, want %q", got, tt.kind)
			}
			if got := services.ExitCode(tt.err); got != tt.code {
				t.Fatalf("ExitCode = %d, want %d", got, tt.code)
			}
		})
	}
}

func TestIsFatalCoversConfiguration(t *testing.T) {
	if !services.IsFatal(services.ErrConfiguration) {
		t.Fatal("configuration errors must abort the run")
	}
	if services.IsFatal(services.ErrRetryable) {
		t.Fatal("retryable errors are not fatal")
	}
	if !services.IsRetryable(services.Wrap(services.ErrRetryable, "", "", "", nil)) {
		t.Fatal("expected retryable classification")
	}
}
