package encoding

import (
	"fmt"
	"strconv"
	"strings"
)

// Profile is the final-pass codec configuration for a quality level.
type Profile struct {
	Quality string
	Codec   string
	Format  string
}

type preset struct {
	speed string
	crf   int
}

// x264 presets and CRF per quality level; the other codecs derive from these.
var qualityPresets = map[string]preset{
	"fastest": {speed: "ultrafast", crf: 28},
	"fast":    {speed: "veryfast", crf: 23},
	"medium":  {speed: "medium", crf: 21},
	"high":    {speed: "slow", crf: 18},
}

var svtPresets = map[string]int{"fastest": 12, "fast": 10, "medium": 8, "high": 6}

var vp9Speeds = map[string]int{"fastest": 8, "fast": 5, "medium": 3, "high": 1}

func (p Profile) normalized() Profile {
	p.Quality = strings.ToLower(strings.TrimSpace(p.Quality))
	if _, ok := qualityPresets[p.Quality]; !ok {
		p.Quality = "high"
	}
	p.Codec = strings.ToLower(strings.TrimSpace(p.Codec))
	if p.Codec == "" {
		p.Codec = "h264"
	}
	p.Format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(p.Format), "."))
	if p.Format == "" {
		p.Format = "mp4"
	}
	return p
}

// VideoArgs returns the ffmpeg video encoder arguments.
func (p Profile) VideoArgs() ([]string, error) {
	p = p.normalized()
	base := qualityPresets[p.Quality]
	switch p.Codec {
	case "h264":
		return []string{"-c:v", "libx264", "-preset", base.speed, "-crf", strconv.Itoa(base.crf), "-pix_fmt", "yuv420p"}, nil
	case "h265":
		return []string{"-c:v", "libx265", "-preset", base.speed, "-crf", strconv.Itoa(base.crf + 4), "-pix_fmt", "yuv420p", "-tag:v", "hvc1"}, nil
	case "vp9":
		return []string{"-c:v", "libvpx-vp9", "-b:v", "0", "-crf", strconv.Itoa(base.crf + 13), "-cpu-used", strconv.Itoa(vp9Speeds[p.Quality]), "-row-mt", "1", "-pix_fmt", "yuv420p"}, nil
	case "av1":
		return []string{"-c:v", "libsvtav1", "-preset", strconv.Itoa(svtPresets[p.Quality]), "-crf", strconv.Itoa(base.crf + 12), "-pix_fmt", "yuv420p10le"}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", p.Codec)
	}
}

// AudioArgs returns the ffmpeg audio encoder arguments for the container.
func (p Profile) AudioArgs() []string {
	p = p.normalized()
	switch p.Format {
	case "webm", "mkv":
		return []string{"-c:a", "libopus", "-b:a", "128k"}
	default:
		return []string{"-c:a", "aac", "-b:a", "192k"}
	}
}

// ContainerArgs returns muxer flags for the container.
func (p Profile) ContainerArgs() []string {
	switch p.normalized().Format {
	case "mp4", "mov":
		return []string{"-movflags", "+faststart"}
	default:
		return nil
	}
}

// mezzanine is the intermediate profile used when Drapto performs the final
// encode; it keeps enough quality for a second generation.
func mezzanine() []string {
	return []string{"-c:v", "libx264", "-preset", "veryfast", "-crf", "12", "-pix_fmt", "yuv420p", "-c:a", "flac"}
}

// segmentCodecArgs encode per-segment intermediates.
func segmentCodecArgs() []string {
	return []string{"-c:v", "libx264", "-preset", "veryfast", "-crf", "14", "-pix_fmt", "yuv420p", "-c:a", "pcm_s16le"}
}
