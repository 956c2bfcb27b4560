// Package logs locates and reads the per-run JSON log files written under
// the state directory, for `talkingheads runs logs`.
package logs
