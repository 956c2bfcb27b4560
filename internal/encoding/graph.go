package encoding

import (
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"talkingheads/internal/compositor"
	"talkingheads/internal/media/ffmpeg"
	"talkingheads/internal/scene"
)

const audioSampleRate = 48000

// frameAt converts a timeline position to a frame number. Segment frame counts
// are differences of frameAt values so rounding never accumulates.
func frameAt(seconds float64, fps int) int {
	return int(math.Round(seconds * float64(fps)))
}

// segmentFrames returns the number of frames a segment occupies, at least one.
func segmentFrames(seg compositor.Segment, fps int) int {
	n := frameAt(seg.End, fps) - frameAt(seg.Start, fps)
	if n < 1 {
		return 1
	}
	return n
}

// timelineFrames returns the frame count of the whole timeline.
func timelineFrames(tl *compositor.Timeline) int {
	total := 0
	for _, seg := range tl.Segments {
		total += segmentFrames(seg, tl.FPS)
	}
	return total
}

func seconds(value float64) string {
	return strconv.FormatFloat(value, 'f', 6, 64)
}

type inputs struct {
	args  []string
	count int
}

func (in *inputs) add(args ...string) int {
	in.args = append(in.args, args...)
	idx := in.count
	in.count++
	return idx
}

var imageExts = []string{".png", ".jpg", ".jpeg", ".webp", ".bmp", ".tif", ".tiff"}

func isImage(path string) bool {
	return slices.Contains(imageExts, strings.ToLower(filepath.Ext(path)))
}

// backgroundFilter adds the scene input and returns the filter producing [base].
func backgroundFilter(in *inputs, sc scene.Scene, width, height, fps int, length string) string {
	if !sc.HasAsset() {
		idx := in.add("-f", "lavfi", "-t", length, "-i",
			fmt.Sprintf("color=c=%s:s=%dx%d:r=%d", sc.FillColor(), width, height, fps))
		return fmt.Sprintf("[%d:v]setsar=1,format=yuv420p[base]", idx)
	}
	var idx int
	if isImage(sc.Background) {
		idx = in.add("-loop", "1", "-framerate", strconv.Itoa(fps), "-t", length, "-i", sc.Background)
	} else {
		idx = in.add("-stream_loop", "-1", "-t", length, "-i", sc.Background)
	}
	return fmt.Sprintf("[%d:v]scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,fps=%d,setsar=1,format=yuv420p[base]",
		idx, width, height, width, height, fps)
}

// drawOrder returns region indices with focal regions first so insets are
// drawn over the primary.
func drawOrder(plan compositor.LayoutPlan) []int {
	order := make([]int, len(plan.Regions))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		fa, fb := plan.Regions[a].Focal, plan.Regions[b].Focal
		switch {
		case fa && !fb:
			return -1
		case fb && !fa:
			return 1
		default:
			return 0
		}
	})
	return order
}

// segmentArgs builds the ffmpeg invocation that renders one segment to
// output. audioPath may be empty, in which case the segment is silent.
func segmentArgs(tl *compositor.Timeline, seg compositor.Segment, audioPath, output string) []string {
	frames := segmentFrames(seg, tl.FPS)
	length := seconds(float64(frames+1) / float64(tl.FPS))

	var in inputs
	filters := []string{backgroundFilter(&in, tl.Scene, tl.Width, tl.Height, tl.FPS, length)}

	last := "base"
	for n, i := range drawOrder(seg.Plan) {
		if i >= len(seg.Clips) {
			break
		}
		ref := seg.Clips[i]
		region := seg.Plan.Regions[i]

		var idx int
		if ref.HoldLast {
			idx = in.add("-sseof", "-0.1", "-i", ref.Path)
		} else {
			idx = in.add("-i", ref.Path)
		}
		chain := fmt.Sprintf("[%d:v]", idx)
		if ref.Speaking {
			chain += fmt.Sprintf("setpts=PTS-STARTPTS,fps=%d,", tl.FPS)
		} else {
			chain += "trim=end_frame=1,setpts=PTS-STARTPTS,"
		}
		chain += fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,format=yuva420p[c%d]", region.W, region.H, n)
		filters = append(filters, chain)

		overlay := fmt.Sprintf("[%s][c%d]overlay=x=%d+(%d-overlay_w)/2:y=%d+(%d-overlay_h)/2:eof_action=repeat",
			last, n, region.X, region.W, region.Y, region.H)
		if region.Emphasized {
			overlay += fmt.Sprintf(",drawbox=x=%d:y=%d:w=%d:h=%d:color=white@0.85:t=6", region.X, region.Y, region.W, region.H)
		}
		last = fmt.Sprintf("o%d", n)
		filters = append(filters, overlay+"["+last+"]")
	}
	filters = append(filters, fmt.Sprintf("[%s]trim=end_frame=%d,setpts=PTS-STARTPTS,format=yuv420p[vout]", last, frames))

	var audio int
	if strings.TrimSpace(audioPath) != "" {
		audio = in.add("-i", audioPath)
	} else {
		audio = in.add("-f", "lavfi", "-t", length, "-i", fmt.Sprintf("anullsrc=r=%d:cl=stereo", audioSampleRate))
	}
	samples := int(math.Round(float64(frames) / float64(tl.FPS) * audioSampleRate))
	filters = append(filters, fmt.Sprintf(
		"[%d:a]aresample=%d,aformat=sample_fmts=s16:channel_layouts=stereo,apad,atrim=end_sample=%d,asetpts=PTS-STARTPTS[aout]",
		audio, audioSampleRate, samples))

	args := ffmpeg.BaseArgs()
	args = append(args, in.args...)
	args = append(args, "-filter_complex", strings.Join(filters, ";"), "-map", "[vout]", "-map", "[aout]")
	args = append(args, segmentCodecArgs()...)
	args = append(args, "-r", strconv.Itoa(tl.FPS), "-ar", strconv.Itoa(audioSampleRate), output)
	return args
}

// xfadeName maps a transition type to the xfade transition it renders with.
// Types without a blend (cut, none) return "".
func xfadeName(tr *compositor.Transition) string {
	if tr == nil || tr.Duration <= 0 {
		return ""
	}
	switch tr.Type {
	case "fade":
		return "fade"
	case "dissolve":
		return "dissolve"
	default:
		return ""
	}
}

// joinArgs builds the ffmpeg invocation that stitches segment intermediates
// into output. A blended transition pads the outgoing segment with its last
// frame for the transition length and cross-fades at the incoming segment's
// start, so segment bounds and total duration are unchanged.
func joinArgs(tl *compositor.Timeline, paths []string, codecArgs []string, output string) []string {
	var in inputs
	filters := make([]string, 0, 2*len(paths)+1)
	for i, path := range paths {
		idx := in.add("-i", path)
		filters = append(filters, fmt.Sprintf("[%d:v]settb=AVTB,fps=%d,format=yuv420p,setpts=PTS-STARTPTS[v%d]", idx, tl.FPS, i))
	}

	acc := "v0"
	elapsed := float64(segmentFrames(tl.Segments[0], tl.FPS)) / float64(tl.FPS)
	for i := 1; i < len(paths); i++ {
		seg := tl.Segments[i]
		next := fmt.Sprintf("x%d", i)
		if name := xfadeName(seg.Transition); name != "" {
			d := seconds(seg.Transition.Duration)
			filters = append(filters, fmt.Sprintf(
				"[%s]tpad=stop_mode=clone:stop_duration=%s[p%d];[p%d][v%d]xfade=transition=%s:duration=%s:offset=%s[%s]",
				acc, d, i, i, i, name, d, seconds(elapsed), next))
		} else {
			filters = append(filters, fmt.Sprintf("[%s][v%d]concat=n=2:v=1:a=0[%s]", acc, i, next))
		}
		acc = next
		elapsed += float64(segmentFrames(seg, tl.FPS)) / float64(tl.FPS)
	}
	filters = append(filters, fmt.Sprintf("[%s]setsar=1[vout]", acc))

	var audio strings.Builder
	for i := range paths {
		fmt.Fprintf(&audio, "[%d:a]", i)
	}
	fmt.Fprintf(&audio, "concat=n=%d:v=0:a=1[aout]", len(paths))
	filters = append(filters, audio.String())

	args := ffmpeg.BaseArgs()
	args = append(args, in.args...)
	args = append(args, "-filter_complex", strings.Join(filters, ";"), "-map", "[vout]", "-map", "[aout]")
	args = append(args, codecArgs...)
	args = append(args, "-r", strconv.Itoa(tl.FPS), output)
	return args
}
