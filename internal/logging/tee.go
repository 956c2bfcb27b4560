package logging

import (
	"context"
	"log/slog"
)

// runTee writes every record to the process logger and to a run's log file.
// The run file usually has a lower level than the console, so each side is
// filtered on its own.
type runTee struct {
	console slog.Handler
	run     slog.Handler
}

func (t runTee) Enabled(ctx context.Context, level slog.Level) bool {
	return t.console.Enabled(ctx, level) || t.run.Enabled(ctx, level)
}

func (t runTee) Handle(ctx context.Context, record slog.Record) error {
	var consoleErr error
	if t.console.Enabled(ctx, record.Level) {
		consoleErr = t.console.Handle(ctx, record.Clone())
	}
	if t.run.Enabled(ctx, record.Level) {
		if err := t.run.Handle(ctx, record); err != nil {
			return err
		}
	}
	return consoleErr
}

func (t runTee) WithAttrs(attrs []slog.Attr) slog.Handler {
	return runTee{console: t.console.WithAttrs(attrs), run: t.run.WithAttrs(attrs)}
}

func (t runTee) WithGroup(name string) slog.Handler {
	return runTee{console: t.console.WithGroup(name), run: t.run.WithGroup(name)}
}

// WithRunFile returns a logger that also writes to run, the handler from
// NewRunFileHandler. A nil base logs to the run file only.
func WithRunFile(base *slog.Logger, run slog.Handler) *slog.Logger {
	switch {
	case run == nil && base == nil:
		return NewNop()
	case run == nil:
		return base
	case base == nil:
		return slog.New(run)
	}
	return slog.New(runTee{console: base.Handler(), run: run})
}
