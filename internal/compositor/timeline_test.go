package compositor_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"talkingheads/internal/backend"
	"talkingheads/internal/compositor"
	"talkingheads/internal/scene"
	"talkingheads/internal/script"
	"talkingheads/internal/services"
)

func dialogue(t *testing.T, text string) []script.DialogueEvent {
	t.Helper()
	events, err := script.Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return events
}

func clipsFor(events []script.DialogueEvent, durations []float64, alpha bool) []backend.AvatarClip {
	clips := make([]backend.AvatarClip, len(events))
	for i, evt := range events {
		clips[i] = backend.AvatarClip{
			EventIndex: evt.Index,
			PersonaID:  evt.Speaker,
			Path:       fmt.Sprintf("/clips/%d.mov", evt.Index),
			Duration:   durations[i%len(durations)],
			Width:      512,
			Height:     512,
			HasAlpha:   alpha,
		}
	}
	return clips
}

func baseOptions(mode compositor.Mode) compositor.Options {
	return compositor.Options{
		Mode:       mode,
		MaxVisible: 2,
		Width:      1920,
		Height:     1080,
		FPS:        30,
		Transition: compositor.TransitionSpec{Type: "fade", Duration: 0.5},
		Scene:      scene.DefaultRegistry()["studio"],
		Margin:     32,
		InsetScale: 0.25,
	}
}

func TestSwitchingTwoSpeakersYieldsOneTransition(t *testing.T) {
	events := dialogue(t, "ALICE: Hi\nBOB: Hello")
	timeline, err := compositor.Build(clipsFor(events, []float64{1.2, 0.9}, true), events, baseOptions(compositor.Switching))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(timeline.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(timeline.Segments))
	}
	if timeline.Transitions() != 1 || timeline.Segments[1].Transition == nil {
		t.Fatalf("expected one transition into segment 1, got %d", timeline.Transitions())
	}
	for _, seg := range timeline.Segments {
		if len(seg.Plan.Regions) != 1 || !seg.Plan.Regions[0].Focal {
			t.Fatalf("switching segment %d should have one focal region: %+v", seg.Index, seg.Plan)
		}
		if seg.Plan.Regions[0].PersonaID != seg.Speaker {
			t.Fatalf("focal region should belong to the speaker")
		}
	}
}

func TestSwitchingSameSpeakerHasNoTransition(t *testing.T) {
	events := dialogue(t, "ALICE: One\nALICE: Two\nBOB: Three")
	timeline, err := compositor.Build(clipsFor(events, []float64{1}, true), events, baseOptions(compositor.Switching))
	if err != nil {
		t.Fatal(err)
	}
	if timeline.Segments[1].Transition != nil || timeline.Segments[2].Transition == nil {
		t.Fatalf("unexpected transitions: %+v", timeline.Segments)
	}
}

func TestSegmentDurationsSumExactly(t *testing.T) {
	durations := []float64{0.1, 0.2, 0.3, 1.0 / 3.0, 2.718281828, 0.7}
	events := dialogue(t, "ALICE: a\nBOB: b\nALICE: c\nBOB: d\nALICE: e\nBOB: f")
	for _, mode := range compositor.Modes {
		t.Run(string(mode), func(t *testing.T) {
			timeline, err := compositor.Build(clipsFor(events, durations, true), events, baseOptions(mode))
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			var want float64
			for _, d := range durations {
				want += d
			}
			if timeline.Duration != want {
				t.Fatalf("timeline duration %v != %v", timeline.Duration, want)
			}
			if timeline.Segments[0].Start != 0 {
				t.Fatalf("first segment should start at 0")
			}
			for i := 1; i < len(timeline.Segments); i++ {
				if timeline.Segments[i].Start != timeline.Segments[i-1].End {
					t.Fatalf("segment %d not contiguous", i)
				}
			}
			if last := timeline.Segments[len(timeline.Segments)-1]; last.End != want {
				t.Fatalf("last segment ends at %v, want %v", last.End, want)
			}
		})
	}
}

func TestGridNeverOverlaps(t *testing.T) {
	const maxVisible = 9
	for n := 1; n <= maxVisible; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			text := ""
			for i := range n {
				text += fmt.Sprintf("P%d: line\n", i)
			}
			events := dialogue(t, text)
			opts := baseOptions(compositor.Grid)
			opts.MaxVisible = maxVisible
			timeline, err := compositor.Build(clipsFor(events, []float64{1}, true), events, opts)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			for _, seg := range timeline.Segments {
				if len(seg.Plan.Regions) != n {
					t.Fatalf("expected %d regions, got %d", n, len(seg.Plan.Regions))
				}
				if err := compositor.CheckNonOverlapping(seg.Plan.Regions); err != nil {
					t.Fatalf("segment %d: %v", seg.Index, err)
				}
				for _, r := range seg.Plan.Regions {
					if r.W <= 0 || r.H <= 0 || r.X+r.W > opts.Width || r.Y+r.H > opts.Height {
						t.Fatalf("region out of frame: %+v", r)
					}
				}
			}
		})
	}
}

func TestGridExceedingMaxVisibleIsLayoutError(t *testing.T) {
	events := dialogue(t, "A: 1\nB: 2\nC: 3")
	_, err := compositor.Build(clipsFor(events, []float64{1}, true), events, baseOptions(compositor.Grid))
	var layoutErr *compositor.LayoutError
	if !errors.As(err, &layoutErr) {
		t.Fatalf("expected LayoutError, got %v", err)
	}
	if services.KindOf(err) != services.KindLayout {
		t.Fatalf("expected layout kind, got %q", services.KindOf(err))
	}
}

func TestPrecheckGridSpeakerCount(t *testing.T) {
	events := dialogue(t, "A: 1\nB: 2\nC: 3\nA: 4")
	tests := []struct {
		name    string
		mode    compositor.Mode
		max     int
		wantErr bool
	}{
		{name: "grid over limit", mode: compositor.Grid, max: 2, wantErr: true},
		{name: "grid default limit", mode: compositor.Grid, max: 0, wantErr: true},
		{name: "grid at limit", mode: compositor.Grid, max: 3},
		{name: "switching ignores limit", mode: compositor.Switching, max: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := baseOptions(tt.mode)
			opts.MaxVisible = tt.max
			err := compositor.Precheck(events, opts)
			var layoutErr *compositor.LayoutError
			if tt.wantErr != errors.As(err, &layoutErr) {
				t.Fatalf("Precheck err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSideBySideShowsMostRecentSpeakers(t *testing.T) {
	events := dialogue(t, "ALICE: 1\nBOB: 2\nCHARLIE: 3\nBOB: 4")
	timeline, err := compositor.Build(clipsFor(events, []float64{1}, true), events, baseOptions(compositor.SideBySide))
	if err != nil {
		t.Fatal(err)
	}
	ids := func(seg compositor.Segment) []string {
		out := make([]string, 0, len(seg.Plan.Regions))
		for _, r := range seg.Plan.Regions {
			out = append(out, r.PersonaID)
		}
		return out
	}
	if got := ids(timeline.Segments[0]); len(got) != 1 || got[0] != "ALICE" {
		t.Fatalf("segment 0 visible = %v", got)
	}
	if got := ids(timeline.Segments[2]); len(got) != 2 || got[0] != "BOB" || got[1] != "CHARLIE" {
		t.Fatalf("segment 2 visible = %v", got)
	}
	if timeline.Segments[3].Transition != nil {
		t.Fatal("same visible set should not transition")
	}
	for _, r := range timeline.Segments[3].Plan.Regions {
		if r.Emphasized != (r.PersonaID == "BOB") {
			t.Fatalf("emphasis should follow the speaker: %+v", r)
		}
	}
	if err := compositor.CheckNonOverlapping(timeline.Segments[2].Plan.Regions); err != nil {
		t.Fatal(err)
	}
	if r := timeline.Segments[2].Plan.Regions; r[0].W+r[1].W != 1920 {
		t.Fatalf("strips should tile the frame: %+v", r)
	}
}

func TestPictureInPictureInsetsStayInsideMargin(t *testing.T) {
	events := dialogue(t, "ALICE: 1\nBOB: 2\nCHARLIE: 3")
	opts := baseOptions(compositor.PictureInPicture)
	opts.MaxVisible = 3
	timeline, err := compositor.Build(clipsFor(events, []float64{1}, true), events, opts)
	if err != nil {
		t.Fatal(err)
	}
	seg := timeline.Segments[2]
	focal, ok := seg.Plan.Focal()
	if !ok || focal.PersonaID != "CHARLIE" {
		t.Fatalf("expected CHARLIE focal, got %+v", seg.Plan)
	}
	insets := seg.Plan.Regions[1:]
	if len(insets) != 2 {
		t.Fatalf("expected 2 insets, got %d", len(insets))
	}
	for _, r := range insets {
		if r.X < opts.Margin || r.Y < opts.Margin || r.X+r.W > opts.Width-opts.Margin || r.Y+r.H > opts.Height-opts.Margin {
			t.Fatalf("inset crosses the margin band: %+v", r)
		}
	}
	if err := compositor.CheckNonOverlapping(insets); err != nil {
		t.Fatal(err)
	}
	for _, ref := range seg.Clips[1:] {
		if ref.Speaking || !ref.HoldLast {
			t.Fatalf("listeners should hold their last frame: %+v", ref)
		}
	}
}

func TestPictureInPictureTooManyInsetsIsLayoutError(t *testing.T) {
	events := dialogue(t, "A: 1\nB: 2\nC: 3\nD: 4\nE: 5")
	opts := baseOptions(compositor.PictureInPicture)
	opts.MaxVisible = 5
	opts.InsetScale = 0.4
	_, err := compositor.Build(clipsFor(events, []float64{1}, true), events, opts)
	var layoutErr *compositor.LayoutError
	if !errors.As(err, &layoutErr) {
		t.Fatalf("expected LayoutError, got %v", err)
	}
}

func TestDuplicateClipForEventIsLayoutError(t *testing.T) {
	events := dialogue(t, "ALICE: 1\nALICE: 2")
	clips := clipsFor(events, []float64{1}, true)
	clips[1].EventIndex = 0
	_, err := compositor.Build(clips, events, baseOptions(compositor.Switching))
	if services.KindOf(err) != services.KindLayout {
		t.Fatalf("expected layout error, got %v", err)
	}
}

func TestClipCountMismatchIsLayoutError(t *testing.T) {
	events := dialogue(t, "ALICE: 1\nBOB: 2")
	_, err := compositor.Build(clipsFor(events[:1], []float64{1}, true), events, baseOptions(compositor.Switching))
	if services.KindOf(err) != services.KindLayout {
		t.Fatalf("expected layout error, got %v", err)
	}
}

func TestOpaqueClipOverBackgroundIsCompositingError(t *testing.T) {
	bg := filepath.Join(t.TempDir(), "bg.png")
	if err := os.WriteFile(bg, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	events := dialogue(t, "ALICE: 1\nBOB: 2")
	opts := baseOptions(compositor.Switching)
	opts.Scene = scene.Scene{ID: "beach", Background: bg}

	_, err := compositor.Build(clipsFor(events, []float64{1}, false), events, opts)
	var compErr *compositor.CompositingError
	if !errors.As(err, &compErr) {
		t.Fatalf("expected CompositingError, got %v", err)
	}
	if services.KindOf(err) != services.KindCompositing {
		t.Fatalf("expected compositing kind, got %q", services.KindOf(err))
	}

	if _, err := compositor.Build(clipsFor(events, []float64{1}, true), events, opts); err != nil {
		t.Fatalf("alpha clips should composite over the background: %v", err)
	}
}

func TestMissingBackgroundIsCompositingError(t *testing.T) {
	events := dialogue(t, "ALICE: 1")
	opts := baseOptions(compositor.Switching)
	opts.Scene = scene.Scene{ID: "beach", Background: filepath.Join(t.TempDir(), "missing.png")}
	_, err := compositor.Build(clipsFor(events, []float64{1}, true), events, opts)
	if services.KindOf(err) != services.KindCompositing {
		t.Fatalf("expected compositing error, got %v", err)
	}
}

func TestTransitionClampedToSegmentLength(t *testing.T) {
	events := dialogue(t, "ALICE: 1\nBOB: 2")
	opts := baseOptions(compositor.Switching)
	opts.Transition.Duration = 5
	timeline, err := compositor.Build(clipsFor(events, []float64{0.4, 1}, true), events, opts)
	if err != nil {
		t.Fatal(err)
	}
	if got := timeline.Segments[1].Transition.Duration; got != 0.2 {
		t.Fatalf("expected transition clamped to 0.2s, got %v", got)
	}
}

func TestParseModeAcceptsHyphens(t *testing.T) {
	mode, err := compositor.ParseMode("Side-By-Side")
	if err != nil || mode != compositor.SideBySide {
		t.Fatalf("ParseMode = %q, %v", mode, err)
	}
	if _, err := compositor.ParseMode("mosaic"); err == nil {
		t.Fatal("expected unknown mode error")
	}
}
