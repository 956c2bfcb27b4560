package ffmpeg

import (
	"strings"
	"testing"
)

func TestTailBufferKeepsEnd(t *testing.T) {
	var buf tailBuffer
	_, _ = buf.Write([]byte(strings.Repeat("a", stderrTailBytes)))
	_, _ = buf.Write([]byte("final error line"))
	got := buf.String()
	if len(got) != stderrTailBytes {
		t.Fatalf("expected %d bytes, got %d", stderrTailBytes, len(got))
	}
	if !strings.HasSuffix(got, "final error line") {
		t.Fatalf("expected tail to end with the last write, got %q", got[len(got)-20:])
	}
}
