package logging

import (
	"context"
	"log/slog"

	"talkingheads/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRunID is the standardized key for render run identifiers.
	FieldRunID = "run_id"
	// FieldEventIndex is the standardized key for 0-based dialogue event indexes.
	FieldEventIndex = "event_index"
	// FieldSpeaker is the standardized key for canonical speaker tags.
	FieldSpeaker = "speaker"
	// FieldStage is the standardized key for pipeline stage names.
	FieldStage = "stage"
	// FieldCorrelationID is the standardized key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering (job_transition, backend_retry, ...).
	FieldEventType = "event_type"
	// FieldErrorHint carries a short operator-facing next step.
	FieldErrorHint = "error_hint"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldErrorKind is the classified error kind from services.KindOf.
	FieldErrorKind = "error_kind"
	// FieldCacheKey is the content-addressed cache key for an artifact.
	FieldCacheKey = "cache_key"
	// FieldAttempt is the 1-based attempt number of a backend call.
	FieldAttempt = "attempt"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.RunIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunID, id))
	}
	if idx, ok := services.EventIndexFromContext(ctx); ok {
		fields = append(fields, slog.Int(FieldEventIndex, idx))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
