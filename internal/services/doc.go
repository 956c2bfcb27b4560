// Package services defines shared utilities consumed by the pipeline stages
// and the backend integrations under it.
//
// Key responsibilities:
//   - Context helpers that stamp run ids, event indexes, stage names, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper, and KindOf/ExitCode which
//     translate any failure into one error class and a process exit code.
//
// Backend clients live in subpackages (elevenlabs, did, stillavatar) so the
// core pipeline only ever depends on the interfaces in internal/backend.
package services
