package encoding_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"talkingheads/internal/compositor"
	"talkingheads/internal/encoding"
	"talkingheads/internal/logging"
	"talkingheads/internal/media/ffprobe"
	"talkingheads/internal/pipeline"
	"talkingheads/internal/scene"
	"talkingheads/internal/services"
	"talkingheads/internal/services/drapto"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls [][]string
	fail  error
}

func (r *recordingRunner) run(ctx context.Context, name string, args ...string) error {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	out := args[len(args)-1]
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	return os.WriteFile(out, []byte("media"), 0o644)
}

func (r *recordingRunner) joinCall(t *testing.T) []string {
	t.Helper()
	for _, call := range r.calls {
		out := call[len(call)-1]
		if !strings.Contains(out, "segment-") {
			return call
		}
	}
	t.Fatal("no join invocation recorded")
	return nil
}

func probeReturning(duration string) encoding.Prober {
	return func(ctx context.Context, binary, path string) (ffprobe.Result, error) {
		return ffprobe.Result{
			Streams: []ffprobe.Stream{{CodecType: "video"}, {CodecType: "audio"}},
			Format:  ffprobe.Format{Duration: duration},
		}, nil
	}
}

func twoSpeakerTimeline() *compositor.Timeline {
	full := compositor.Region{PersonaID: "ALICE", X: 0, Y: 0, W: 320, H: 180, Focal: true}
	bob := full
	bob.PersonaID = "BOB"
	return &compositor.Timeline{
		Width:  320,
		Height: 180,
		FPS:    25,
		Scene:  scene.Scene{ID: "studio", Color: "#1f2430"},
		Segments: []compositor.Segment{
			{
				Index: 0, EventIndex: 0, Start: 0, End: 2, Speaker: "ALICE",
				Clips: []compositor.ClipRef{{EventIndex: 0, PersonaID: "ALICE", Path: "/clips/a0.mov", Speaking: true, HasAlpha: true}},
				Plan:  compositor.LayoutPlan{Mode: compositor.Switching, Regions: []compositor.Region{full}},
			},
			{
				Index: 1, EventIndex: 1, Start: 2, End: 3.5, Speaker: "BOB",
				Clips:      []compositor.ClipRef{{EventIndex: 1, PersonaID: "BOB", Path: "/clips/b1.mov", Speaking: true, HasAlpha: true}},
				Plan:       compositor.LayoutPlan{Mode: compositor.Switching, Regions: []compositor.Region{bob}},
				Transition: &compositor.Transition{Type: "fade", Duration: 0.5},
			},
		},
		Duration: 3.5,
	}
}

func TestEncodeRendersSegmentsThenJoins(t *testing.T) {
	runner := &recordingRunner{}
	enc := encoding.New(logging.NewNop(), encoding.WithRunner(runner.run), encoding.WithProber(probeReturning("3.5")), encoding.WithParallelism(1))
	output := filepath.Join(t.TempDir(), "out", "episode.mp4")

	err := enc.Encode(context.Background(), twoSpeakerTimeline(), pipeline.EncodeRequest{
		RunID:      "run",
		OutputPath: output,
		WorkDir:    t.TempDir(),
		Quality:    "fast",
		Codec:      "h264",
		Format:     "mp4",
		Audio:      map[int]string{0: "/audio/0.wav", 1: "/audio/1.wav"},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(runner.calls) != 3 {
		t.Fatalf("expected 2 segment renders and 1 join, got %d calls", len(runner.calls))
	}
	if _, err := os.Stat(output); err != nil {
		t.Fatalf("expected output at %s: %v", output, err)
	}

	first := strings.Join(runner.calls[0], " ")
	for _, want := range []string{"color=c=0x1f2430:s=320x180:r=25", "/clips/a0.mov", "/audio/0.wav", "trim=end_frame=50", "atrim=end_sample=96000"} {
		if !strings.Contains(first, want) {
			t.Fatalf("segment invocation missing %q:\n%s", want, first)
		}
	}

	join := strings.Join(runner.joinCall(t), " ")
	for _, want := range []string{"xfade=transition=fade:duration=0.500000:offset=2.000000", "tpad=stop_mode=clone:stop_duration=0.500000", "concat=n=2:v=0:a=1", "libx264", "veryfast", "+faststart", "aac"} {
		if !strings.Contains(join, want) {
			t.Fatalf("join invocation missing %q:\n%s", want, join)
		}
	}
}

func TestEncodeCutUsesConcat(t *testing.T) {
	tl := twoSpeakerTimeline()
	tl.Segments[1].Transition = &compositor.Transition{Type: "cut"}
	runner := &recordingRunner{}
	enc := encoding.New(logging.NewNop(), encoding.WithRunner(runner.run), encoding.WithProber(probeReturning("3.5")))

	err := enc.Encode(context.Background(), tl, pipeline.EncodeRequest{OutputPath: filepath.Join(t.TempDir(), "o.webm"), WorkDir: t.TempDir(), Codec: "vp9", Format: "webm"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	join := strings.Join(runner.joinCall(t), " ")
	if strings.Contains(join, "xfade") {
		t.Fatalf("cut should not cross-fade:\n%s", join)
	}
	for _, want := range []string{"[v0][v1]concat=n=2:v=1:a=0", "libvpx-vp9", "libopus"} {
		if !strings.Contains(join, want) {
			t.Fatalf("join invocation missing %q:\n%s", want, join)
		}
	}
}

func TestEncodeRejectsDurationMismatch(t *testing.T) {
	runner := &recordingRunner{}
	enc := encoding.New(logging.NewNop(), encoding.WithRunner(runner.run), encoding.WithProber(probeReturning("2.0")))
	output := filepath.Join(t.TempDir(), "out.mp4")

	err := enc.Encode(context.Background(), twoSpeakerTimeline(), pipeline.EncodeRequest{OutputPath: output, WorkDir: t.TempDir()})
	if !errors.Is(err, services.ErrEncoding) {
		t.Fatalf("expected encoding error, got %v", err)
	}
	if _, statErr := os.Stat(output); !os.IsNotExist(statErr) {
		t.Fatal("invalid output must not be moved into place")
	}
}

func TestEncodeWrapsRunnerFailure(t *testing.T) {
	runner := &recordingRunner{fail: errors.New("ffmpeg: exit status 1: Invalid argument")}
	enc := encoding.New(logging.NewNop(), encoding.WithRunner(runner.run), encoding.WithProber(probeReturning("3.5")))

	err := enc.Encode(context.Background(), twoSpeakerTimeline(), pipeline.EncodeRequest{OutputPath: filepath.Join(t.TempDir(), "o.mp4"), WorkDir: t.TempDir()})
	if services.KindOf(err) != services.KindEncoding {
		t.Fatalf("expected encoding kind, got %v (%v)", services.KindOf(err), err)
	}
}

func TestEncodeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &recordingRunner{fail: context.Canceled}
	enc := encoding.New(logging.NewNop(), encoding.WithRunner(runner.run), encoding.WithProber(probeReturning("3.5")))

	err := enc.Encode(ctx, twoSpeakerTimeline(), pipeline.EncodeRequest{OutputPath: filepath.Join(t.TempDir(), "o.mp4"), WorkDir: t.TempDir()})
	if services.KindOf(err) != services.KindCancelled {
		t.Fatalf("expected cancelled kind, got %v", err)
	}
}

func TestEncodeEmptyTimeline(t *testing.T) {
	enc := encoding.New(logging.NewNop())
	err := enc.Encode(context.Background(), &compositor.Timeline{Width: 320, Height: 180, FPS: 25}, pipeline.EncodeRequest{OutputPath: "/tmp/x.mp4"})
	if !errors.Is(err, services.ErrEncoding) {
		t.Fatalf("expected encoding error, got %v", err)
	}
}

type fakeDrapto struct {
	input string
}

func (f *fakeDrapto) Encode(ctx context.Context, inputPath, outputDir string, progress func(drapto.ProgressUpdate)) (string, error) {
	f.input = inputPath
	progress(drapto.ProgressUpdate{Type: drapto.EventTypeEncodingProgress, Stage: "encoding", Percent: 50})
	progress(drapto.ProgressUpdate{Type: drapto.EventTypeWarning, Message: "low disk"})
	out := drapto.OutputPath(inputPath, outputDir)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	return out, os.WriteFile(out, []byte("av1"), 0o644)
}

func TestEncodeWithDraptoUsesMezzanine(t *testing.T) {
	runner := &recordingRunner{}
	client := &fakeDrapto{}
	enc := encoding.New(logging.NewNop(), encoding.WithRunner(runner.run), encoding.WithProber(probeReturning("3.5")), encoding.WithDrapto(client))
	if enc.Identity() != "ffmpeg/1+drapto" {
		t.Fatalf("unexpected identity %q", enc.Identity())
	}
	output := filepath.Join(t.TempDir(), "episode.mkv")

	if err := enc.Encode(context.Background(), twoSpeakerTimeline(), pipeline.EncodeRequest{OutputPath: output, WorkDir: t.TempDir(), Codec: "av1", Format: "mkv"}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if filepath.Base(client.input) != "mezzanine.mkv" {
		t.Fatalf("drapto should encode the mezzanine, got %q", client.input)
	}
	data, err := os.ReadFile(output)
	if err != nil || string(data) != "av1" {
		t.Fatalf("expected drapto output moved into place, got %q (%v)", data, err)
	}
	join := strings.Join(runner.joinCall(t), " ")
	if !strings.Contains(join, "flac") {
		t.Fatalf("mezzanine should carry lossless audio:\n%s", join)
	}
}
