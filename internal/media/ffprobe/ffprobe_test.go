package ffprobe

import (
	"math"
	"testing"
)

const avatarProbe = `{
  "streams": [
    {"index": 0, "codec_name": "prores", "codec_type": "video", "width": 512, "height": 512,
     "pix_fmt": "yuva444p10le", "avg_frame_rate": "30000/1001", "duration": "2.402000"},
    {"index": 1, "codec_name": "pcm_s16le", "codec_type": "audio", "sample_rate": "44100", "channels": 1,
     "duration": "2.400000"}
  ],
  "format": {"filename": "clip.mov", "nb_streams": 2, "duration": "2.402000", "size": "1000", "format_name": "mov,mp4"}
}`

func TestParseAvatarClip(t *testing.T) {
	result, err := Parse([]byte(avatarProbe))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if result.VideoStreamCount() != 1 || result.AudioStreamCount() != 1 {
		t.Fatalf("unexpected stream counts: %+v", result.Streams)
	}
	if result.DurationSeconds() != 2.402 {
		t.Fatalf("unexpected duration: %v", result.DurationSeconds())
	}
	if !result.HasAlpha() {
		t.Fatal("expected yuva444p10le to report alpha")
	}
	if fps := result.FrameRate(); math.Abs(fps-29.97) > 0.01 {
		t.Fatalf("unexpected frame rate %v", fps)
	}
	if result.SizeBytes() != 1000 {
		t.Fatalf("unexpected size: %d", result.SizeBytes())
	}
}

func TestDurationFallsBackToStreams(t *testing.T) {
	result := Result{
		Streams: []Stream{{CodecType: "audio", Duration: "1.5"}, {CodecType: "video", Duration: "1.6"}},
		Format:  Format{Duration: "N/A"},
	}
	if got := result.DurationSeconds(); got != 1.6 {
		t.Fatalf("expected stream fallback 1.6, got %v", got)
	}
}

func TestResultHelpersHandleInvalidNumbers(t *testing.T) {
	result := Result{Format: Format{Duration: "bad", Size: "-1"}}
	if !math.IsNaN(result.DurationSeconds()) {
		t.Fatalf("expected duration NaN, got %v", result.DurationSeconds())
	}
	if result.SizeBytes() != 0 {
		t.Fatalf("expected size 0, got %d", result.SizeBytes())
	}
}

func TestPixFmtHasAlpha(t *testing.T) {
	cases := map[string]bool{
		"yuva420p":  true,
		"rgba":      true,
		"bgra":      true,
		"gbrap":     true,
		"ya8":       true,
		"yuv420p":   false,
		"yuvj420p":  false,
		"rgb24":     false,
		"":          false,
		"gbrp10le":  false,
		"argb":      true,
		"yuv444p10": false,
	}
	for pixFmt, want := range cases {
		if got := PixFmtHasAlpha(pixFmt); got != want {
			t.Errorf("PixFmtHasAlpha(%q) = %v, want %v", pixFmt, got, want)
		}
	}
}
