package services

import "context"

type contextKey string

const (
	runIDKey      contextKey = "run_id"
	eventIndexKey contextKey = "event_index"
	stageKey      contextKey = "stage"
	requestIDKey  contextKey = "request_id"
)

// WithRunID annotates context with the render run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the render run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithEventIndex annotates context with the dialogue event index a job is bound to.
func WithEventIndex(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, eventIndexKey, index)
}

// EventIndexFromContext extracts the dialogue event index if present.
func EventIndexFromContext(ctx context.Context) (int, bool) {
	switch v := ctx.Value(eventIndexKey).(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	if str, ok := ctx.Value(stageKey).(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
