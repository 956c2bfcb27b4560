// Package deps reports whether the external binaries the renderer shells out
// to (ffmpeg, ffprobe) can be found on PATH.
package deps
