// Package ffprobe wraps ffprobe JSON output.
//
// Inspect runs ffprobe and returns a Result; helper methods report stream
// counts, duration, and whether the first video stream carries an alpha
// channel, which the compositor needs to key avatars over a scene.
package ffprobe
