// Package logging assembles structured slog loggers and formatting helpers used
// across the rendering pipeline.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so stage code automatically tags
// log lines with run ids, event indexes, stages, and correlation ids. A no-op
// logger is provided for tests and wiring code that cannot fail.
package logging
