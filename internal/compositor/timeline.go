// Package compositor assembles rendered avatar clips, a background scene, and
// a layout policy into a frame-accurate composition timeline.
//
// The timeline is pure data: segment time ranges, the regions each visible
// persona occupies, the clip shown in each region, and the transition into
// each segment. The encoder turns it into ffmpeg filter graphs.
package compositor

import (
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	"talkingheads/internal/backend"
	"talkingheads/internal/scene"
	"talkingheads/internal/script"
)

// Mode selects how avatars share the frame.
type Mode string

const (
	Switching        Mode = "switching"
	SideBySide       Mode = "side_by_side"
	PictureInPicture Mode = "picture_in_picture"
	Grid             Mode = "grid"
)

const defaultMaxVisible = 2

// Modes lists every supported layout mode.
var Modes = []Mode{Switching, SideBySide, PictureInPicture, Grid}

// ParseMode accepts the config spelling of a mode, including hyphenated forms.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "-", "_"))
	if slices.Contains(Modes, mode) {
		return mode, nil
	}
	return "", layoutErr(-1, "unknown layout mode %q", value)
}

// TransitionSpec is the configured transition between segments.
type TransitionSpec struct {
	// Type is none, cut, fade, or dissolve.
	Type     string
	Duration float64
}

// Options configures Build.
type Options struct {
	Mode       Mode
	MaxVisible int
	Width      int
	Height     int
	FPS        int
	Transition TransitionSpec
	Scene      scene.Scene
	Margin     int
	InsetScale float64
}

// Transition describes how a segment is entered from the previous one.
type Transition struct {
	Type     string  `json:"type"`
	Duration float64 `json:"duration"`
}

// ClipRef points a region at a rendered clip.
type ClipRef struct {
	EventIndex int    `json:"event_index"`
	PersonaID  string `json:"persona_id"`
	Path       string `json:"path"`
	// Speaking is false for visible personas that are listening; the encoder
	// shows a held frame of their clip.
	Speaking bool `json:"speaking"`
	// HoldLast selects the clip's last frame for a listener that has already
	// spoken; otherwise its first frame is held.
	HoldLast bool `json:"hold_last,omitempty"`
	HasAlpha bool `json:"has_alpha"`
}

// Segment is one contiguous time range of the timeline. Clips[i] fills
// Plan.Regions[i].
type Segment struct {
	Index      int         `json:"index"`
	EventIndex int         `json:"event_index"`
	Start      float64     `json:"start"`
	End        float64     `json:"end"`
	Speaker    string      `json:"speaker"`
	Clips      []ClipRef   `json:"clips"`
	Plan       LayoutPlan  `json:"plan"`
	Transition *Transition `json:"transition,omitempty"`
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 { return s.End - s.Start }

// Timeline is the complete composition for one run.
type Timeline struct {
	Width    int         `json:"width"`
	Height   int         `json:"height"`
	FPS      int         `json:"fps"`
	Scene    scene.Scene `json:"scene"`
	Segments []Segment   `json:"segments"`
	Duration float64     `json:"duration"`
}

// Transitions counts the segments entered through a transition.
func (t *Timeline) Transitions() int {
	n := 0
	for _, seg := range t.Segments {
		if seg.Transition != nil {
			n++
		}
	}
	return n
}

// Precheck reports layout errors that follow from the events and options
// alone, so a run can be rejected before any clip is produced.
func Precheck(events []script.DialogueEvent, opts Options) error {
	if opts.Mode != Grid {
		return nil
	}
	limit := opts.MaxVisible
	if limit == 0 {
		limit = defaultMaxVisible
	}
	if n := len(script.Speakers(events)); n > limit {
		return layoutErr(0, "grid would show %d personas, max_avatars_visible is %d", n, limit)
	}
	return nil
}

// Build lays clips out over events. clips must hold exactly one clip per
// event; they may arrive in any order.
func Build(clips []backend.AvatarClip, events []script.DialogueEvent, opts Options) (*Timeline, error) {
	opts, err := normalizeOptions(opts)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, layoutErr(-1, "no events to compose")
	}
	if len(clips) != len(events) {
		return nil, layoutErr(-1, "%d clips for %d events", len(clips), len(events))
	}
	byEvent, err := indexClips(clips, events)
	if err != nil {
		return nil, err
	}
	if err := checkAlpha(opts.Scene, clips); err != nil {
		return nil, err
	}

	if err := Precheck(events, opts); err != nil {
		return nil, err
	}
	speakers := script.Speakers(events)
	firstSeen := make(map[string]int, len(speakers))
	for i, id := range speakers {
		firstSeen[id] = i
	}
	firstClip := make(map[string]backend.AvatarClip, len(speakers))
	for _, evt := range events {
		if _, ok := firstClip[evt.Speaker]; !ok {
			firstClip[evt.Speaker] = byEvent[evt.Index]
		}
	}

	f := frame{width: opts.Width, height: opts.Height, margin: opts.Margin, insetScale: opts.InsetScale}
	timeline := &Timeline{
		Width:    opts.Width,
		Height:   opts.Height,
		FPS:      opts.FPS,
		Scene:    opts.Scene,
		Segments: make([]Segment, 0, len(events)),
	}
	lastClip := make(map[string]backend.AvatarClip, len(speakers))
	var recency []string
	var elapsed float64

	for pos, evt := range events {
		clip := byEvent[evt.Index]
		recency = touch(recency, evt.Speaker)

		var regions []Region
		switch opts.Mode {
		case Switching:
			regions = f.switching(evt.Speaker)
		case SideBySide:
			visible := byFirstAppearance(window(recency, opts.MaxVisible), firstSeen)
			regions = f.sideBySide(visible, evt.Speaker)
		case PictureInPicture:
			visible := window(recency, opts.MaxVisible)
			regions, err = f.pictureInPicture(pos, evt.Speaker, visible[1:])
			if err != nil {
				return nil, err
			}
		case Grid:
			regions = f.grid(speakers, evt.Speaker)
		}
		if opts.Mode == SideBySide || opts.Mode == Grid {
			if err := CheckNonOverlapping(regions); err != nil {
				return nil, layoutErr(pos, "%v", err)
			}
		}

		refs := make([]ClipRef, 0, len(regions))
		for _, region := range regions {
			if region.PersonaID == evt.Speaker {
				refs = append(refs, ClipRef{EventIndex: evt.Index, PersonaID: evt.Speaker, Path: clip.Path, Speaking: true, HasAlpha: clip.HasAlpha})
				continue
			}
			held, spoke := lastClip[region.PersonaID]
			if !spoke {
				held = firstClip[region.PersonaID]
			}
			refs = append(refs, ClipRef{EventIndex: held.EventIndex, PersonaID: region.PersonaID, Path: held.Path, HoldLast: spoke, HasAlpha: held.HasAlpha})
		}

		start := elapsed
		elapsed += clip.Duration
		seg := Segment{
			Index:      pos,
			EventIndex: evt.Index,
			Start:      start,
			End:        elapsed,
			Speaker:    evt.Speaker,
			Clips:      refs,
			Plan:       LayoutPlan{Mode: opts.Mode, Regions: regions},
		}
		if pos > 0 && changed(opts.Mode, timeline.Segments[pos-1], seg) {
			seg.Transition = transitionBetween(opts.Transition, timeline.Segments[pos-1], seg)
		}
		timeline.Segments = append(timeline.Segments, seg)
		lastClip[evt.Speaker] = clip
	}
	timeline.Duration = elapsed
	return timeline, nil
}

func normalizeOptions(opts Options) (Options, error) {
	if opts.Mode == "" {
		opts.Mode = Switching
	}
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return opts, err
	}
	opts.Mode = mode
	if opts.MaxVisible == 0 {
		opts.MaxVisible = defaultMaxVisible
	}
	if opts.MaxVisible < 1 {
		return opts, layoutErr(-1, "max_avatars_visible must be at least 1, got %d", opts.MaxVisible)
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return opts, layoutErr(-1, "invalid frame size %dx%d", opts.Width, opts.Height)
	}
	if opts.FPS <= 0 {
		return opts, layoutErr(-1, "invalid fps %d", opts.FPS)
	}
	if opts.InsetScale == 0 {
		opts.InsetScale = 0.25
	}
	if opts.InsetScale < 0 || opts.InsetScale >= 1 {
		return opts, layoutErr(-1, "inset scale must be in (0,1), got %.2f", opts.InsetScale)
	}
	if opts.Margin < 0 {
		opts.Margin = 0
	}
	opts.Transition.Type = strings.ToLower(strings.TrimSpace(opts.Transition.Type))
	if opts.Transition.Duration < 0 {
		return opts, layoutErr(-1, "transition duration must be >= 0")
	}
	return opts, nil
}

// indexClips binds each clip to its event and rejects two clips claiming the
// same event, which would give one persona overlapping time ranges.
func indexClips(clips []backend.AvatarClip, events []script.DialogueEvent) (map[int]backend.AvatarClip, error) {
	speakerOf := make(map[int]string, len(events))
	for _, evt := range events {
		speakerOf[evt.Index] = evt.Speaker
	}
	byEvent := make(map[int]backend.AvatarClip, len(clips))
	for _, clip := range clips {
		speaker, ok := speakerOf[clip.EventIndex]
		if !ok {
			return nil, layoutErr(-1, "clip for event %d has no matching event", clip.EventIndex)
		}
		if clip.PersonaID != "" && clip.PersonaID != speaker {
			return nil, layoutErr(-1, "clip for event %d belongs to %s but %s speaks", clip.EventIndex, clip.PersonaID, speaker)
		}
		if prev, dup := byEvent[clip.EventIndex]; dup {
			return nil, layoutErr(-1, "persona %s has overlapping clips for event %d (%s, %s)", speaker, clip.EventIndex, prev.Path, clip.Path)
		}
		if math.IsNaN(clip.Duration) || math.IsInf(clip.Duration, 0) || clip.Duration <= 0 {
			return nil, layoutErr(-1, "clip for event %d has invalid duration %v", clip.EventIndex, clip.Duration)
		}
		byEvent[clip.EventIndex] = clip
	}
	return byEvent, nil
}

func checkAlpha(sc scene.Scene, clips []backend.AvatarClip) error {
	if !sc.HasAsset() {
		return nil
	}
	if _, err := os.Stat(sc.Background); err != nil {
		return &CompositingError{EventIndex: -1, Path: sc.Background, Reason: fmt.Sprintf("scene %s background unavailable: %v", sc.ID, err)}
	}
	for _, clip := range clips {
		if !clip.HasAlpha {
			return &CompositingError{EventIndex: clip.EventIndex, Path: clip.Path, Reason: fmt.Sprintf("clip has no alpha channel; scene %s needs keyed avatars", sc.ID)}
		}
	}
	return nil
}

// touch moves id to the front of the recency list.
func touch(recency []string, id string) []string {
	out := make([]string, 0, len(recency)+1)
	out = append(out, id)
	for _, existing := range recency {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func window(recency []string, n int) []string {
	if len(recency) > n {
		return recency[:n]
	}
	return recency
}

func byFirstAppearance(ids []string, firstSeen map[string]int) []string {
	out := slices.Clone(ids)
	slices.SortFunc(out, func(a, b string) int { return firstSeen[a] - firstSeen[b] })
	return out
}

// changed reports whether the visible composition differs between two
// consecutive segments in a way that warrants a transition.
func changed(mode Mode, prev, next Segment) bool {
	switch mode {
	case Switching:
		return prev.Speaker != next.Speaker
	case PictureInPicture:
		return prev.Speaker != next.Speaker || !sameVisible(prev.Plan, next.Plan)
	case SideBySide:
		return !sameVisible(prev.Plan, next.Plan)
	default:
		return false
	}
}

func sameVisible(a, b LayoutPlan) bool {
	if len(a.Regions) != len(b.Regions) {
		return false
	}
	ids := make(map[string]struct{}, len(a.Regions))
	for _, r := range a.Regions {
		ids[r.PersonaID] = struct{}{}
	}
	for _, r := range b.Regions {
		if _, ok := ids[r.PersonaID]; !ok {
			return false
		}
	}
	return true
}

// transitionBetween clamps the configured transition so it fits inside half
// of each neighbouring segment; transitions never change segment bounds.
func transitionBetween(spec TransitionSpec, prev, next Segment) *Transition {
	switch spec.Type {
	case "", "none":
		return nil
	case "cut":
		return &Transition{Type: "cut"}
	}
	limit := math.Min(prev.Duration(), next.Duration()) / 2
	return &Transition{Type: spec.Type, Duration: math.Min(spec.Duration, limit)}
}
