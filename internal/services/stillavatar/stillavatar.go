// Package stillavatar renders a talking-head stand-in locally with ffmpeg:
// the persona portrait (or a coloured card when none is configured) held for
// the length of the utterance, muxed with its audio.
//
// Clips are written as ProRes 4444 with an alpha plane so they can be keyed
// over any scene. No network access is needed, which makes this the engine
// for offline drafts.
package stillavatar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"talkingheads/internal/backend"
	"talkingheads/internal/config"
	"talkingheads/internal/media/ffmpeg"
)

const identityVersion = "still/1"

// palette gives each persona a stable card colour.
var palette = []string{"0x3A86FF", "0xFF006E", "0xFB5607", "0x8338EC", "0x06D6A0", "0xFFBE0B"}

// Renderer implements backend.AvatarRenderer.
type Renderer struct {
	binary string
	run    ffmpeg.Runner
}

// Option customizes the renderer.
type Option func(*Renderer)

// WithRunner overrides how ffmpeg is executed.
func WithRunner(run ffmpeg.Runner) Option {
	return func(r *Renderer) {
		if run != nil {
			r.run = run
		}
	}
}

// New builds a renderer that invokes binary.
func New(binary string, opts ...Option) *Renderer {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	r := &Renderer{binary: binary, run: ffmpeg.Run}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewFromConfig builds a renderer using the configured ffmpeg binary.
func NewFromConfig(cfg *config.Config, opts ...Option) *Renderer {
	return New(cfg.FFmpegBinary(), opts...)
}

// Identity names the renderer and its output format.
func (r *Renderer) Identity() string {
	return identityVersion + ":prores4444"
}

// Render writes req.OutputPath.
func (r *Renderer) Render(ctx context.Context, req backend.AvatarRequest) (backend.AvatarClip, error) {
	if req.Audio.Duration <= 0 {
		return backend.AvatarClip{}, backend.Permanent("still render", errors.New("audio clip has no duration"))
	}
	if req.Width <= 0 || req.Height <= 0 || req.FPS <= 0 {
		return backend.AvatarClip{}, backend.Permanent("still render", fmt.Errorf("invalid geometry %dx%d@%d", req.Width, req.Height, req.FPS))
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return backend.AvatarClip{}, fmt.Errorf("create clip dir: %w", err)
	}

	args := r.args(req)
	if err := r.run(ctx, r.binary, args...); err != nil {
		if ctx.Err() != nil {
			return backend.AvatarClip{}, ctx.Err()
		}
		return backend.AvatarClip{}, backend.Permanent("still render", err)
	}

	data, err := os.ReadFile(req.OutputPath)
	if err != nil {
		return backend.AvatarClip{}, backend.Permanent("still render", fmt.Errorf("read clip: %w", err))
	}
	sum := sha256.Sum256(data)
	return backend.AvatarClip{
		EventIndex:  req.EventIndex,
		PersonaID:   req.PersonaID,
		Path:        req.OutputPath,
		Duration:    req.Audio.Duration,
		Width:       req.Width,
		Height:      req.Height,
		HasAlpha:    true,
		ContentHash: hex.EncodeToString(sum[:]),
	}, nil
}

func (r *Renderer) args(req backend.AvatarRequest) []string {
	duration := strconv.FormatFloat(req.Audio.Duration, 'f', 6, 64)
	size := fmt.Sprintf("%dx%d", req.Width, req.Height)
	fps := strconv.Itoa(req.FPS)

	args := ffmpeg.BaseArgs()
	var video string
	if portrait := strings.TrimSpace(req.Portrait); portrait != "" {
		args = append(args, "-loop", "1", "-framerate", fps, "-i", portrait)
		video = fmt.Sprintf("[0:v]scale=%d:%d:force_original_aspect_ratio=decrease,"+
			"pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black@0,format=yuva444p10le,fps=%s[v]",
			req.Width, req.Height, req.Width, req.Height, fps)
	} else {
		args = append(args, "-f", "lavfi", "-i", "color=c=black@0.0:s="+size+":r="+fps)
		video = fmt.Sprintf("[0:v]format=yuva444p10le,drawbox=x=iw/8:y=ih/8:w=iw*3/4:h=ih*3/4:color=%s@1.0:t=fill[v]",
			cardColor(req.PersonaID))
	}
	args = append(args,
		"-i", req.Audio.Path,
		"-filter_complex", video,
		"-map", "[v]", "-map", "1:a",
		"-t", duration,
		"-c:v", "prores_ks", "-profile:v", "4444", "-pix_fmt", "yuva444p10le",
		"-c:a", "pcm_s16le",
		req.OutputPath,
	)
	return args
}

func cardColor(persona string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(persona))
	return palette[int(h.Sum32()%uint32(len(palette)))]
}
