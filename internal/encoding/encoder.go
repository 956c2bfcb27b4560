package encoding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"talkingheads/internal/compositor"
	"talkingheads/internal/config"
	"talkingheads/internal/fileutil"
	"talkingheads/internal/logging"
	"talkingheads/internal/media/ffmpeg"
	"talkingheads/internal/media/ffprobe"
	"talkingheads/internal/pipeline"
	"talkingheads/internal/services"
	"talkingheads/internal/services/drapto"
)

const stageName = "encoding"

// Prober inspects a media file.
type Prober func(ctx context.Context, binary, path string) (ffprobe.Result, error)

// Encoder renders timelines with ffmpeg, optionally finishing with Drapto.
type Encoder struct {
	ffmpegBinary  string
	ffprobeBinary string
	run           ffmpeg.Runner
	probe         Prober
	drapto        drapto.Client
	parallelism   int
	logger        *slog.Logger
}

// Option customizes an Encoder.
type Option func(*Encoder)

// WithRunner replaces the ffmpeg command runner.
func WithRunner(run ffmpeg.Runner) Option {
	return func(e *Encoder) {
		if run != nil {
			e.run = run
		}
	}
}

// WithProber replaces the ffprobe inspector used to validate output.
func WithProber(probe Prober) Option {
	return func(e *Encoder) {
		if probe != nil {
			e.probe = probe
		}
	}
}

// WithDrapto hands the final encode to a Drapto client.
func WithDrapto(client drapto.Client) Option {
	return func(e *Encoder) {
		e.drapto = client
	}
}

// WithParallelism bounds how many segments render at once.
func WithParallelism(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithBinaries overrides the ffmpeg and ffprobe executables.
func WithBinaries(ffmpegBinary, ffprobeBinary string) Option {
	return func(e *Encoder) {
		if strings.TrimSpace(ffmpegBinary) != "" {
			e.ffmpegBinary = ffmpegBinary
		}
		if strings.TrimSpace(ffprobeBinary) != "" {
			e.ffprobeBinary = ffprobeBinary
		}
	}
}

// New constructs an Encoder.
func New(logger *slog.Logger, opts ...Option) *Encoder {
	e := &Encoder{
		ffmpegBinary:  "ffmpeg",
		ffprobeBinary: "ffprobe",
		run:           ffmpeg.Run,
		probe:         ffprobe.Inspect,
		parallelism:   max(1, runtime.NumCPU()/2),
		logger:        logging.NewComponentLogger(logger, stageName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewFromConfig builds an Encoder for the video section of cfg.
func NewFromConfig(cfg *config.Config, logger *slog.Logger, opts ...Option) *Encoder {
	base := []Option{WithBinaries(cfg.FFmpegBinary(), cfg.FFprobeBinary())}
	if cfg.Video.Drapto {
		base = append(base, WithDrapto(drapto.NewLibrary()))
	}
	return New(logger, append(base, opts...)...)
}

// Identity implements pipeline.VideoEncoder.
func (e *Encoder) Identity() string {
	if e.drapto != nil {
		return "ffmpeg/1+drapto"
	}
	return "ffmpeg/1"
}

// Encode implements pipeline.VideoEncoder.
func (e *Encoder) Encode(ctx context.Context, tl *compositor.Timeline, req pipeline.EncodeRequest) error {
	if tl == nil || len(tl.Segments) == 0 {
		return services.Wrap(services.ErrEncoding, stageName, "timeline", "timeline has no segments", nil)
	}
	if tl.FPS <= 0 || tl.Width <= 0 || tl.Height <= 0 {
		return services.Wrap(services.ErrEncoding, stageName, "timeline", fmt.Sprintf("invalid frame geometry %dx%d@%d", tl.Width, tl.Height, tl.FPS), nil)
	}
	if strings.TrimSpace(req.OutputPath) == "" {
		return services.Wrap(services.ErrEncoding, stageName, "output", "output path required", nil)
	}
	profile := Profile{Quality: req.Quality, Codec: req.Codec, Format: req.Format}.normalized()
	videoArgs, err := profile.VideoArgs()
	if err != nil {
		return services.Wrap(services.ErrEncoding, stageName, "profile", "", err)
	}

	workDir := req.WorkDir
	if strings.TrimSpace(workDir) == "" {
		workDir, err = os.MkdirTemp("", "talkingheads-encode-")
		if err != nil {
			return services.Wrap(services.ErrEncoding, stageName, "workdir", "", err)
		}
		defer os.RemoveAll(workDir)
	}
	segDir := filepath.Join(workDir, "segments")
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return services.Wrap(services.ErrEncoding, stageName, "workdir", segDir, err)
	}

	ctx = services.WithStage(ctx, stageName)
	logger := logging.WithContext(ctx, e.logger)
	started := time.Now()

	paths, err := e.renderSegments(ctx, logger, tl, req.Audio, segDir)
	if err != nil {
		return err
	}

	var final string
	if e.drapto != nil {
		final, err = e.encodeWithDrapto(ctx, logger, tl, paths, workDir)
	} else {
		final = filepath.Join(workDir, "final."+profile.Format)
		codec := append(append(videoArgs, profile.AudioArgs()...), profile.ContainerArgs()...)
		err = e.exec(ctx, "join segments", joinArgs(tl, paths, codec, final))
	}
	if err != nil {
		return err
	}

	if err := e.validate(ctx, final, tl); err != nil {
		return err
	}
	if err := fileutil.MoveFile(final, req.OutputPath); err != nil {
		return services.Wrap(services.ErrEncoding, stageName, "finalize output", req.OutputPath, err)
	}
	logger.Info("video encoded",
		logging.String("output", req.OutputPath),
		logging.Int("segments", len(paths)),
		logging.Int("transitions", tl.Transitions()),
		logging.String("codec", profile.Codec),
		logging.String("quality", profile.Quality),
		logging.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func (e *Encoder) renderSegments(ctx context.Context, logger *slog.Logger, tl *compositor.Timeline, audio map[int]string, dir string) ([]string, error) {
	paths := make([]string, len(tl.Segments))
	var (
		mu      sync.Mutex
		done    int
		sampler = logging.NewProgressSampler(25)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, seg := range tl.Segments {
		g.Go(func() error {
			out := filepath.Join(dir, fmt.Sprintf("segment-%04d.mkv", seg.Index))
			if err := e.exec(gctx, fmt.Sprintf("render segment %d", seg.Index), segmentArgs(tl, seg, audio[seg.EventIndex], out)); err != nil {
				return err
			}
			paths[i] = out

			mu.Lock()
			done++
			percent := float64(done) / float64(len(tl.Segments)) * 100
			if sampler.ShouldLog(percent, "segments") {
				logger.Info("segments rendered",
					logging.Int("done", done),
					logging.Int("total", len(tl.Segments)),
				)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (e *Encoder) encodeWithDrapto(ctx context.Context, logger *slog.Logger, tl *compositor.Timeline, paths []string, workDir string) (string, error) {
	mezz := filepath.Join(workDir, "mezzanine.mkv")
	if err := e.exec(ctx, "join segments", joinArgs(tl, paths, mezzanine(), mezz)); err != nil {
		return "", err
	}
	sampler := logging.NewProgressSampler(10)
	output, err := e.drapto.Encode(ctx, mezz, filepath.Join(workDir, "drapto"), func(update drapto.ProgressUpdate) {
		switch update.Type {
		case drapto.EventTypeWarning:
			logger.Warn("drapto warning",
				logging.String("message", update.Message),
				logging.String(logging.FieldEventType, "drapto_warning"),
			)
		case drapto.EventTypeError:
			attrs := []logging.Attr{
				logging.String("message", update.Message),
				logging.String(logging.FieldEventType, "drapto_error"),
			}
			if update.Issue != nil && update.Issue.Suggestion != "" {
				attrs = append(attrs, logging.String(logging.FieldErrorHint, update.Issue.Suggestion))
			}
			logger.Error("drapto reported an error", logging.Args(attrs...)...)
		default:
			if sampler.ShouldLog(update.Percent, update.Stage) {
				logger.Info("drapto progress",
					logging.String("phase", update.Stage),
					logging.Float64("percent", update.Percent),
					logging.Float64("fps", update.FPS),
					logging.Duration("eta", update.ETA),
				)
			}
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", services.Wrap(services.ErrCancelled, stageName, "drapto", "", ctx.Err())
		}
		return "", services.Wrap(services.ErrEncoding, stageName, "drapto", "AV1 encode failed", err)
	}
	return output, nil
}

func (e *Encoder) exec(ctx context.Context, op string, args []string) error {
	if err := e.run(ctx, e.ffmpegBinary, args...); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return services.Wrap(services.ErrCancelled, stageName, op, "", err)
		}
		return services.Wrap(services.ErrEncoding, stageName, op, "", err)
	}
	return nil
}

// validate checks that the output carries video and audio and that its
// duration matches the timeline to within two frames.
func (e *Encoder) validate(ctx context.Context, path string, tl *compositor.Timeline) error {
	result, err := e.probe(ctx, e.ffprobeBinary, path)
	if err != nil {
		return services.Wrap(services.ErrEncoding, stageName, "validate output", path, err)
	}
	if result.VideoStreamCount() == 0 {
		return services.Wrap(services.ErrEncoding, stageName, "validate output", "output has no video stream", nil)
	}
	if result.AudioStreamCount() == 0 {
		return services.Wrap(services.ErrEncoding, stageName, "validate output", "output has no audio stream", nil)
	}
	expected := float64(timelineFrames(tl)) / float64(tl.FPS)
	tolerance := math.Max(0.25, 2/float64(tl.FPS))
	got := result.DurationSeconds()
	if math.IsNaN(got) || math.Abs(got-expected) > tolerance {
		return services.Wrap(services.ErrEncoding, stageName, "validate output",
			fmt.Sprintf("duration %.3fs does not match timeline %.3fs", got, expected), nil)
	}
	return nil
}

var _ pipeline.VideoEncoder = (*Encoder)(nil)
