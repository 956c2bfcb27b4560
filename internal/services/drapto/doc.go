// Package drapto integrates the Drapto Go library so the encoder can hand the
// final AV1 transcode of a rendered video to Drapto and observe structured
// progress updates.
//
// It exposes a Client interface, a Library implementation that calls Drapto
// directly, and a reporter adapter that translates Drapto's Reporter callbacks
// into ProgressUpdate values. Tests swap in fakes to avoid running the encoder.
package drapto
