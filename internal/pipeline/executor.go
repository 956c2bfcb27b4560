package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"talkingheads/internal/avatar"
	"talkingheads/internal/backend"
	"talkingheads/internal/cache"
	"talkingheads/internal/compositor"
	"talkingheads/internal/config"
	"talkingheads/internal/logging"
	"talkingheads/internal/logs"
	"talkingheads/internal/metrics"
	"talkingheads/internal/notifications"
	"talkingheads/internal/persona"
	"talkingheads/internal/retry"
	"talkingheads/internal/scene"
	"talkingheads/internal/script"
	"talkingheads/internal/services"
	"talkingheads/internal/store"
	"talkingheads/internal/synthesis"
)

// DefaultScene is used when a request names no scene.
const DefaultScene = "studio"

// Deps are the collaborators an Executor drives. Ledger, Notifier, and
// Metrics are optional.
type Deps struct {
	Synthesizer backend.VoiceSynthesizer
	Renderer    backend.AvatarRenderer
	Encoder     VideoEncoder
	Cache       *cache.Store
	Personas    persona.Registry
	Scenes      scene.Registry
	Ledger      *store.Store
	Notifier    notifications.Service
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
}

// Request describes one render.
type Request struct {
	// Script is the script text. When empty, ScriptPath is read.
	Script     string
	ScriptPath string
	SceneID    string
	Layout     string
	Quality    string
	// OutputName is a file name or path for the video. Relative names land in
	// the outputs directory; the configured format's extension is added when
	// the name has none.
	OutputName    string
	PartialRender bool
}

// Summary is the report of a run.
type Summary struct {
	RunID       string        `json:"run_id"`
	Output      string        `json:"output,omitempty"`
	Scene       string        `json:"scene"`
	Layout      string        `json:"layout"`
	Quality     string        `json:"quality"`
	Jobs        []JobSummary  `json:"jobs"`
	Failures    []JobSummary  `json:"failures,omitempty"`
	Duration    time.Duration `json:"duration"`
	VideoLength float64       `json:"video_length"`
	Transitions int           `json:"transitions"`
	Partial     bool          `json:"partial"`
	Status      string        `json:"status"`
}

// Executor renders scripts to video.
type Executor struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
}

// New validates deps and constructs an Executor.
func New(cfg *config.Config, deps Deps) (*Executor, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "new", "config required", nil)
	}
	switch {
	case deps.Synthesizer == nil:
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "new", "voice synthesizer required", nil)
	case deps.Renderer == nil:
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "new", "avatar renderer required", nil)
	case deps.Encoder == nil:
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "new", "video encoder required", nil)
	case deps.Cache == nil:
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "new", "artifact cache required", nil)
	}
	if deps.Personas == nil {
		deps.Personas = persona.DefaultRegistry()
	}
	if deps.Scenes == nil {
		deps.Scenes = scene.DefaultRegistry()
	}
	if deps.Notifier == nil {
		deps.Notifier = notifications.NewService(&config.Config{}, deps.Logger)
	}
	return &Executor{
		cfg:    cfg,
		deps:   deps,
		logger: logging.NewComponentLogger(deps.Logger, "pipeline"),
	}, nil
}

// plan is a validated request.
type plan struct {
	runID      string
	events     []script.DialogueEvent
	assigned   *persona.Assignments
	scene      scene.Scene
	mode       compositor.Mode
	quality    string
	output     string
	scriptPath string
	scriptHash string
	partial    bool
}

// prepare parses, resolves, and validates everything a run needs before any
// backend is called.
func (e *Executor) prepare(req Request) (*plan, error) {
	text := req.Script
	if strings.TrimSpace(text) == "" && strings.TrimSpace(req.ScriptPath) != "" {
		data, err := os.ReadFile(req.ScriptPath)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "pipeline", "read script", req.ScriptPath, err)
		}
		text = string(data)
	}
	events, err := script.Parse(text)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, &script.ParseError{Line: 0, Reason: "script contains no dialogue"}
	}
	assigned, err := persona.Resolve(events, e.deps.Personas)
	if err != nil {
		return nil, err
	}

	sceneID := strings.TrimSpace(req.SceneID)
	if sceneID == "" {
		sceneID = DefaultScene
	}
	sc, err := e.deps.Scenes.Get(sceneID)
	if err != nil {
		return nil, err
	}
	layout := strings.TrimSpace(req.Layout)
	if layout == "" {
		layout = e.cfg.Layout.Mode
	}
	mode, err := compositor.ParseMode(layout)
	if err != nil {
		return nil, err
	}
	if err := compositor.Precheck(events, e.layoutOptions(mode, sc)); err != nil {
		return nil, err
	}
	quality := strings.ToLower(strings.TrimSpace(req.Quality))
	if quality == "" {
		quality = e.cfg.Video.Quality
	}
	if !slices.Contains(config.QualityLevels, quality) {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "quality",
			fmt.Sprintf("unsupported quality %q (expected one of %s)", quality, strings.Join(config.QualityLevels, ", ")), nil)
	}

	sum := sha256.Sum256([]byte(text))
	p := &plan{
		runID:      uuid.NewString(),
		events:     events,
		assigned:   assigned,
		scene:      sc,
		mode:       mode,
		quality:    quality,
		scriptPath: req.ScriptPath,
		scriptHash: hex.EncodeToString(sum[:]),
		partial:    req.PartialRender || e.cfg.Pipeline.PartialRender,
	}
	p.output = e.outputPath(req, p.runID)
	return p, nil
}

func (e *Executor) outputPath(req Request, runID string) string {
	name := strings.TrimSpace(req.OutputName)
	if name == "" && req.ScriptPath != "" {
		base := filepath.Base(req.ScriptPath)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if name == "" {
		name = "talkingheads-" + shortID(runID)
	}
	if filepath.Ext(name) == "" {
		name += "." + e.cfg.Video.Format
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(e.cfg.Storage.OutputsDir, name)
}

// Run renders req. The summary is returned whenever a run was started, also
// alongside an error, so callers can report per-job failures.
func (e *Executor) Run(ctx context.Context, req Request) (*Summary, error) {
	started := time.Now()
	p, err := e.prepare(req)
	if err != nil {
		e.logger.Error("render rejected before any backend call",
			logging.Error(err),
			logging.String(logging.FieldErrorKind, string(services.KindOf(err))),
			logging.String(logging.FieldEventType, "run_rejected"),
		)
		return nil, err
	}

	ctx = services.WithRunID(ctx, p.runID)
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger, closeLog := e.runLogger(ctx, p.runID)
	defer closeLog()

	workDir := filepath.Join(e.cfg.Storage.TempDir, p.runID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "workdir", workDir, err)
	}
	defer os.RemoveAll(workDir)

	release, err := e.deps.Cache.LockShared(ctx)
	if err != nil {
		return nil, err
	}
	locked := true
	defer func() {
		if locked {
			_ = release()
		}
	}()

	jobs := make([]*Job, len(p.events))
	for i, evt := range p.events {
		profile, _ := p.assigned.For(evt.Index)
		jobs[i] = &Job{Event: evt, Profile: profile, State: StatePending}
	}
	e.createRun(ctx, logger, p, jobs)
	e.publish(ctx, logger, notifications.EventRunStarted, notifications.Payload{
		"runID":  p.runID,
		"script": scriptLabel(p.scriptPath),
		"events": len(jobs),
	})
	logger.Info("render started",
		logging.Int("events", len(jobs)),
		logging.Int("personas", len(p.assigned.Distinct())),
		logging.String("scene", p.scene.ID),
		logging.String("layout", string(p.mode)),
		logging.String("quality", p.quality),
		logging.Bool("partial_render", p.partial),
		logging.String(logging.FieldEventType, "run_started"),
	)

	synth := synthesis.New(e.deps.Synthesizer, e.deps.Cache, retry.FromConfig(e.cfg), synthesis.OptionsFromConfig(e.cfg, workDir), logger)
	render := avatar.New(e.deps.Renderer, e.deps.Cache, retry.FromConfig(e.cfg), avatar.OptionsFromConfig(e.cfg, workDir), logger)
	co := newCoordinator(e, p.runID, jobs, synth, render, logger)
	fatal := co.run(ctx)

	summary := &Summary{
		RunID:   p.runID,
		Scene:   p.scene.ID,
		Layout:  string(p.mode),
		Quality: p.quality,
	}
	runErr := e.finishJobs(ctx, p, jobs, fatal, logger)
	if runErr == nil {
		runErr = e.composeAndEncode(ctx, logger, p, jobs, workDir, co, summary)
	}

	if runErr != nil {
		co.skipUnfinished(runErr)
	}

	_ = release()
	locked = false
	if result, pruned, err := e.deps.Cache.PruneIfIdle(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("cache prune failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "cache_prune_failed"),
			logging.String(logging.FieldImpact, "the cache may exceed its size budget until the next prune"),
		)
	} else if pruned && result.Removed > 0 {
		logger.Info("cache pruned", logging.Int("removed", result.Removed), logging.Int64("freed_bytes", result.FreedBytes))
	}

	return e.finishRun(ctx, logger, p, jobs, summary, runErr, started)
}

// finishJobs decides whether the run may proceed to composition.
func (e *Executor) finishJobs(ctx context.Context, p *plan, jobs []*Job, fatal error, logger *slog.Logger) error {
	failures := 0
	for _, job := range jobs {
		if job.Failed() {
			failures++
		}
	}
	switch {
	case fatal != nil:
		return e.runError(p, jobs, fatal)
	case ctx.Err() != nil:
		return services.Wrap(services.ErrCancelled, "pipeline", "run", "render cancelled", ctx.Err())
	case failures == 0:
		return nil
	case !p.partial:
		return e.runError(p, jobs, nil)
	case failures == len(jobs):
		return e.runError(p, jobs, nil)
	}
	logger.Warn("continuing with partial render",
		logging.Int("failed", failures),
		logging.Int("events", len(jobs)),
		logging.String(logging.FieldEventType, "partial_render"),
		logging.String(logging.FieldImpact, "failed events are skipped in the output"),
	)
	return nil
}

func (e *Executor) runError(p *plan, jobs []*Job, cause error) *RunError {
	re := &RunError{RunID: p.runID, Jobs: len(jobs), Cause: cause}
	for _, job := range jobs {
		if !job.Failed() {
			continue
		}
		re.Failures = append(re.Failures, job.summary())
		if re.Cause == nil {
			re.Cause = job.Err
		}
	}
	return re
}

func (e *Executor) composeAndEncode(ctx context.Context, logger *slog.Logger, p *plan, jobs []*Job, workDir string, co *coordinator, summary *Summary) error {
	var (
		clips  []backend.AvatarClip
		events []script.DialogueEvent
		audio  = make(map[int]string, len(jobs))
	)
	for _, job := range jobs {
		if !job.ready() {
			continue
		}
		clips = append(clips, *job.Avatar)
		events = append(events, job.Event)
		if job.Audio != nil {
			audio[job.Event.Index] = job.Audio.Path
		}
	}

	timeline, err := compositor.Build(clips, events, e.layoutOptions(p.mode, p.scene))
	if err != nil {
		return err
	}
	co.advance(StateComposited)
	summary.VideoLength = timeline.Duration
	summary.Transitions = timeline.Transitions()
	logger.Info("timeline composed",
		logging.Int("segments", len(timeline.Segments)),
		logging.Int("transitions", timeline.Transitions()),
		logging.Float64("duration_seconds", timeline.Duration),
	)

	if err := ctx.Err(); err != nil {
		return services.Wrap(services.ErrCancelled, "pipeline", "encode", "render cancelled", err)
	}
	encodeCtx := services.WithStage(ctx, "encoding")
	if err := e.deps.Encoder.Encode(encodeCtx, timeline, EncodeRequest{
		RunID:      p.runID,
		OutputPath: p.output,
		WorkDir:    filepath.Join(workDir, "encode"),
		Quality:    p.quality,
		Codec:      e.cfg.Video.Codec,
		Format:     e.cfg.Video.Format,
		Audio:      audio,
	}); err != nil {
		if services.KindOf(err) == services.KindUnknown {
			err = services.Wrap(services.ErrEncoding, "pipeline", "encode", e.deps.Encoder.Identity(), err)
		}
		return err
	}
	co.advance(StateEncoded)
	summary.Output = p.output
	if info, err := os.Stat(p.output); err == nil {
		e.deps.Metrics.OutputWritten(info.Size())
	}
	return nil
}

func (e *Executor) layoutOptions(mode compositor.Mode, sc scene.Scene) compositor.Options {
	return compositor.Options{
		Mode:       mode,
		MaxVisible: e.cfg.Layout.MaxAvatarsVisible,
		Width:      e.cfg.Video.Width,
		Height:     e.cfg.Video.Height,
		FPS:        e.cfg.Video.FPS,
		Transition: compositor.TransitionSpec{Type: e.cfg.Layout.TransitionType, Duration: e.cfg.Layout.TransitionDuration},
		Scene:      sc,
		Margin:     e.cfg.Layout.Margin,
		InsetScale: e.cfg.Layout.InsetScale,
	}
}

func (e *Executor) finishRun(ctx context.Context, logger *slog.Logger, p *plan, jobs []*Job, summary *Summary, runErr error, started time.Time) (*Summary, error) {
	summary.Duration = time.Since(started)
	for _, job := range jobs {
		js := job.summary()
		summary.Jobs = append(summary.Jobs, js)
		if job.Failed() {
			summary.Failures = append(summary.Failures, js)
		}
	}
	summary.Partial = runErr == nil && len(summary.Failures) > 0

	status := store.RunCompleted
	event := notifications.EventRunCompleted
	switch {
	case runErr != nil && services.KindOf(runErr) == services.KindCancelled:
		status, event = store.RunCancelled, notifications.EventRunCancelled
	case runErr != nil:
		status, event = store.RunFailed, notifications.EventRunFailed
	case summary.Partial:
		status, event = store.RunPartial, notifications.EventRunPartial
	}
	summary.Status = string(status)

	ledgerCtx := context.WithoutCancel(ctx)
	if e.deps.Ledger != nil {
		rec := store.Run{ID: p.runID, Status: status, Partial: summary.Partial, FailedCount: len(summary.Failures), OutputPath: summary.Output}
		if runErr != nil {
			rec.ErrorKind = string(services.KindOf(runErr))
			rec.ErrorMessage = runErr.Error()
		}
		if err := e.deps.Ledger.FinishRun(ledgerCtx, rec); err != nil {
			logger.Warn("run ledger update failed", logging.Error(err), logging.String(logging.FieldEventType, "ledger_write_failed"))
		}
	}

	payload := notifications.Payload{
		"runID":    p.runID,
		"output":   summary.Output,
		"duration": summary.Duration,
		"failed":   len(summary.Failures),
		"events":   len(jobs),
	}
	if runErr != nil {
		payload["error"] = runErr
		payload["kind"] = string(services.KindOf(runErr))
	}
	e.publish(ledgerCtx, logger, event, payload)

	e.deps.Metrics.RunFinished(string(status), summary.Duration)
	if err := e.deps.Metrics.Flush(); err != nil {
		logger.Warn("metrics export failed", logging.Error(err), logging.String(logging.FieldEventType, "metrics_flush_failed"))
	}

	if runErr != nil {
		logger.Error("render failed",
			logging.Error(runErr),
			logging.String(logging.FieldErrorKind, string(services.KindOf(runErr))),
			logging.Int("failed", len(summary.Failures)),
			logging.Duration("elapsed", summary.Duration),
			logging.String(logging.FieldEventType, "run_complete"),
		)
		return summary, runErr
	}
	logger.Info("render complete",
		logging.String("output", summary.Output),
		logging.Bool("partial", summary.Partial),
		logging.Float64("video_seconds", summary.VideoLength),
		logging.Duration("elapsed", summary.Duration),
		logging.String(logging.FieldEventType, "run_complete"),
	)
	return summary, nil
}

// runLogger tees the executor logger into a per-run JSON log file under the
// state directory. A log file that cannot be opened only costs the file.
func (e *Executor) runLogger(ctx context.Context, runID string) (*slog.Logger, func()) {
	base := logging.WithContext(ctx, e.logger)
	if strings.TrimSpace(e.cfg.Storage.StateDir) == "" {
		return base, func() {}
	}
	handler, closer, err := logging.NewRunFileHandler(logs.Dir(e.cfg.Storage.StateDir), runID, e.cfg.Logging.Level)
	if err != nil {
		base.Warn("run log unavailable",
			logging.Error(err),
			logging.String(logging.FieldEventType, "run_log_failed"),
			logging.String(logging.FieldImpact, "this run is only logged to the console"),
		)
		return base, func() {}
	}
	return logging.WithContext(ctx, logging.WithRunFile(e.logger, handler)), func() { closeQuietly(closer) }
}

func (e *Executor) createRun(ctx context.Context, logger *slog.Logger, p *plan, jobs []*Job) {
	if e.deps.Ledger == nil {
		return
	}
	records := make([]store.Job, len(jobs))
	for i, job := range jobs {
		records[i] = job.record(p.runID)
	}
	run := store.Run{
		ID:         p.runID,
		ScriptPath: p.scriptPath,
		ScriptHash: p.scriptHash,
		Scene:      p.scene.ID,
		Layout:     string(p.mode),
		Quality:    p.quality,
	}
	if err := e.deps.Ledger.CreateRun(context.WithoutCancel(ctx), run, records); err != nil {
		logger.Warn("run ledger insert failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "ledger_write_failed"),
			logging.String(logging.FieldImpact, "this run will be missing from run history"),
		)
	}
}

func (e *Executor) publish(ctx context.Context, logger *slog.Logger, event notifications.Event, payload notifications.Payload) {
	if err := e.deps.Notifier.Publish(ctx, event, payload); err != nil {
		logger.Warn("notification failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldEventType, "notification_failed"),
			logging.String(logging.FieldErrorHint, "check notifications settings"),
		)
	}
}

func scriptLabel(path string) string {
	if path == "" {
		return "inline script"
	}
	return filepath.Base(path)
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
