package ffprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// Result represents the parsed output from an ffprobe inspection.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes a single stream in the media container.
type Stream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Duration     string `json:"duration"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	PixFmt       string `json:"pix_fmt"`
	AvgFrameRate string `json:"avg_frame_rate"`
	SampleRate   string `json:"sample_rate"`
	Channels     int    `json:"channels"`
}

// Format captures container-level metadata extracted by ffprobe.
type Format struct {
	Filename   string `json:"filename"`
	NBStreams  int    `json:"nb_streams"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
	FormatName string `json:"format_name"`
}

// Inspect executes ffprobe against the provided path and decodes the JSON response.
func Inspect(ctx context.Context, binary string, path string) (Result, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Result{}, errors.New("ffprobe inspect: empty path")
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, fmt.Errorf("ffprobe inspect: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return Result{}, fmt.Errorf("ffprobe inspect: %w", err)
	}
	return Parse(output)
}

// Parse decodes raw ffprobe JSON.
func Parse(data []byte) (Result, error) {
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// VideoStream returns the first video stream.
func (r Result) VideoStream() (Stream, bool) {
	return r.first("video")
}

// AudioStream returns the first audio stream.
func (r Result) AudioStream() (Stream, bool) {
	return r.first("audio")
}

func (r Result) first(kind string) (Stream, bool) {
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, kind) {
			return stream, true
		}
	}
	return Stream{}, false
}

// VideoStreamCount returns the number of video streams discovered.
func (r Result) VideoStreamCount() int {
	return r.count("video")
}

// AudioStreamCount returns the number of audio streams discovered.
func (r Result) AudioStreamCount() int {
	return r.count("audio")
}

func (r Result) count(kind string) int {
	n := 0
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, kind) {
			n++
		}
	}
	return n
}

// DurationSeconds returns the container duration, falling back to the
// longest stream duration. It is 0 when unavailable and NaN when malformed.
func (r Result) DurationSeconds() float64 {
	if d := parseFloat(r.Format.Duration); d != 0 {
		return d
	}
	longest := 0.0
	for _, stream := range r.Streams {
		if d := parseFloat(stream.Duration); d > longest {
			longest = d
		}
	}
	return longest
}

// SizeBytes returns the reported container size in bytes, or 0 when unavailable.
func (r Result) SizeBytes() int64 {
	size := parseFloat(r.Format.Size)
	if math.IsNaN(size) || size < 0 {
		return 0
	}
	return int64(size)
}

// HasAlpha reports whether the first video stream uses a pixel format with
// an alpha plane.
func (r Result) HasAlpha() bool {
	video, ok := r.VideoStream()
	if !ok {
		return false
	}
	return PixFmtHasAlpha(video.PixFmt)
}

// PixFmtHasAlpha reports whether an ffmpeg pixel format name carries alpha.
func PixFmtHasAlpha(pixFmt string) bool {
	switch name := strings.ToLower(strings.TrimSpace(pixFmt)); {
	case name == "":
		return false
	case strings.HasPrefix(name, "yuva"), strings.HasPrefix(name, "gbrap"):
		return true
	case strings.HasPrefix(name, "ya"):
		return true
	case strings.Contains(name, "rgba"), strings.Contains(name, "bgra"),
		strings.Contains(name, "argb"), strings.Contains(name, "abgr"):
		return true
	default:
		return false
	}
}

// FrameRate returns the average frame rate of the first video stream.
func (r Result) FrameRate() float64 {
	video, ok := r.VideoStream()
	if !ok {
		return 0
	}
	num, den, found := strings.Cut(video.AvgFrameRate, "/")
	if !found {
		return parseFloat(num)
	}
	n, d := parseFloat(num), parseFloat(den)
	if d == 0 || math.IsNaN(n) || math.IsNaN(d) {
		return 0
	}
	return n / d
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" || cleaned == "N/A" {
		return 0
	}
	if parsed, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return parsed
	}
	return math.NaN()
}
