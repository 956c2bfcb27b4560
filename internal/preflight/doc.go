// Package preflight provides readiness checks run before a render starts.
//
// RunAll checks the storage directories the pipeline writes to and, when the
// hosted engines are selected, that their APIs accept the configured key.
// CheckSystemDeps lists the binaries a render shells out to. The CLI "create"
// command refuses to start when any check fails so a run never burns backend
// quota only to fail at encode time.
package preflight
