// Package pipeline drives a script through speech synthesis, avatar
// rendering, composition, and encoding.
//
// Every dialogue event becomes a Job tracked through a small state machine.
// Synthesis and rendering run in independent worker pools; a single
// coordinator goroutine owns all job state and reacts to completion messages
// from the workers, enqueueing an event's render as soon as its own speech is
// ready. Composition and encoding wait until every job is terminal.
//
// Runs are recorded in the SQLite ledger, announced through the notification
// service, and measured by the metrics recorder; each of those is optional.
package pipeline
