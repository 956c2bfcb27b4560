// Package store persists the run ledger: one row per render run and one row
// per render job, updated on every job state transition.
//
// The ledger lives in SQLite (WAL mode, busy timeout) so `talkingheads runs`
// can inspect runs while another process is rendering. Writes retry briefly on
// SQLITE_BUSY.
package store
