// Package ffmpeg runs ffmpeg commands and keeps the tail of stderr for errors.
package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

const stderrTailBytes = 2048

// Runner executes one command. Tests swap it for a recorder.
type Runner func(ctx context.Context, name string, args ...string) error

// Run is the default Runner.
func Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	var stderr tailBuffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// BaseArgs are prepended to every invocation.
func BaseArgs() []string {
	return []string{"-hide_banner", "-nostdin", "-loglevel", "error", "-y"}
}

// tailBuffer keeps only the last stderrTailBytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrTailBytes; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
