// Package avatar renders talking-head clips for synthesized speech through a
// pluggable avatar backend. Rendering is the slowest and most rate-limited
// stage, so besides its own worker pool it carries a request throttle.
package avatar

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"talkingheads/internal/backend"
	"talkingheads/internal/cache"
	"talkingheads/internal/config"
	"talkingheads/internal/logging"
	"talkingheads/internal/persona"
	"talkingheads/internal/retry"
	"talkingheads/internal/script"
	"talkingheads/internal/services"
)

// StageName identifies the rendering stage in cache keys, logs, and the ledger.
const StageName = "rendering"

// Options controls how clips are requested.
type Options struct {
	Style             string
	DefaultExpression string
	FPS               int
	Width             int
	Height            int
	WorkDir           string
	// RequestsPerMinute caps backend attempts across all workers. Zero disables it.
	RequestsPerMinute int
}

// OptionsFromConfig derives stage options from the avatar section.
func OptionsFromConfig(cfg *config.Config, workDir string) Options {
	return Options{
		Style:             cfg.Avatar.Style,
		DefaultExpression: cfg.Avatar.DefaultExpression,
		FPS:               cfg.Avatar.FPS,
		Width:             cfg.Avatar.Width,
		Height:            cfg.Avatar.Height,
		WorkDir:           workDir,
		RequestsPerMinute: cfg.Avatar.RequestsPerMinute,
	}
}

// Result is the outcome of rendering one event.
type Result struct {
	Clip     backend.AvatarClip
	Cached   bool
	Attempts int
}

// Stage renders avatar clips.
type Stage struct {
	backend backend.AvatarRenderer
	cache   *cache.Store
	policy  retry.Policy
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New constructs a rendering stage.
func New(renderer backend.AvatarRenderer, store *cache.Store, policy retry.Policy, opts Options, logger *slog.Logger) *Stage {
	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return &Stage{
		backend: renderer,
		cache:   store,
		policy:  policy,
		opts:    opts,
		limiter: limiter,
		logger:  logging.NewComponentLogger(logger, StageName),
	}
}

type flightResult struct {
	clip     backend.AvatarClip
	cached   bool
	attempts int
	leader   int
}

// request assembles the backend request for one event.
func (s *Stage) request(event script.DialogueEvent, profile persona.Profile, audio backend.AudioClip, output string) backend.AvatarRequest {
	expression := firstNonEmpty(event.Expression, profile.DefaultExpression, s.opts.DefaultExpression)
	return backend.AvatarRequest{
		EventIndex: event.Index,
		PersonaID:  profile.ID,
		Audio:      audio,
		AvatarID:   profile.AvatarID,
		Portrait:   profile.Portrait,
		Expression: expression,
		Style:      firstNonEmpty(profile.Style, s.opts.Style),
		FPS:        s.opts.FPS,
		Width:      s.opts.Width,
		Height:     s.opts.Height,
		OutputPath: output,
	}
}

// Key returns the cache key for a request. The audio content hash ties the
// clip to the exact speech it lip-syncs.
func (s *Stage) Key(req backend.AvatarRequest) string {
	return cache.Key(StageName, s.backend.Identity(),
		req.Audio.ContentHash,
		req.AvatarID,
		req.Portrait,
		req.Expression,
		req.Style,
		strconv.Itoa(req.FPS),
		strconv.Itoa(req.Width)+"x"+strconv.Itoa(req.Height),
	)
}

// Render returns a talking-head clip for event lip-synced to audio.
func (s *Stage) Render(ctx context.Context, event script.DialogueEvent, profile persona.Profile, audio backend.AudioClip) (Result, error) {
	if strings.TrimSpace(profile.AvatarID) == "" && strings.TrimSpace(profile.Portrait) == "" {
		return Result{}, backend.Permanent("render", services.Wrap(services.ErrConfiguration, StageName, "avatar", "persona "+profile.ID+" has no avatar_id", nil))
	}
	if strings.TrimSpace(audio.ContentHash) == "" {
		return Result{}, backend.Permanent("render", services.Wrap(services.ErrBackend, StageName, "audio", "audio clip has no content hash", nil))
	}
	probe := s.request(event, profile, audio, "")
	key := s.Key(probe)
	ctx = services.WithStage(services.WithEventIndex(ctx, event.Index), StageName)
	logger := logging.WithContext(ctx, s.logger).With(
		logging.String(logging.FieldSpeaker, event.Speaker),
		logging.String(logging.FieldCacheKey, shortKey(key)),
	)

	value, _, err := s.cache.Do(ctx, key, func() (any, error) {
		return s.produce(ctx, logger, key, probe)
	})
	if err != nil {
		return Result{}, err
	}
	res := value.(flightResult)
	clip := res.clip
	clip.EventIndex = event.Index
	clip.PersonaID = profile.ID
	clip.Duration = audio.Duration
	if res.leader != event.Index {
		return Result{Clip: clip, Cached: true}, nil
	}
	return Result{Clip: clip, Cached: res.cached, Attempts: res.attempts}, nil
}

func (s *Stage) produce(ctx context.Context, logger *slog.Logger, key string, req backend.AvatarRequest) (flightResult, error) {
	scratch := filepath.Join(s.opts.WorkDir, StageName)
	var meta clipMeta
	if path, _, ok, err := s.cache.Get(StageName, key, scratch, &meta); err != nil {
		logger.Warn("cache read failed; rendering",
			logging.Error(err),
			logging.String(logging.FieldEventType, "cache_read_failed"),
			logging.String(logging.FieldImpact, "the clip is requested from the backend again"),
		)
	} else if ok {
		logger.Debug("avatar cache hit")
		return flightResult{clip: meta.clip(req, path), cached: true, leader: req.EventIndex}, nil
	}

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return flightResult{}, services.Wrap(services.ErrConfiguration, StageName, "workdir", scratch, err)
	}
	req.OutputPath = filepath.Join(scratch, key+".mov")

	var clip backend.AvatarClip
	started := time.Now()
	attempts, err := retry.Do(ctx, s.policy, func(callCtx context.Context, attempt int) error {
		if s.limiter != nil {
			if err := s.limiter.Wait(callCtx); err != nil {
				return backend.Retryable("throttle", err)
			}
		}
		var callErr error
		clip, callErr = s.backend.Render(callCtx, req)
		return callErr
	}, func(attempt int, delay time.Duration, err error) {
		logger.Warn("avatar render attempt failed; retrying",
			logging.Int(logging.FieldAttempt, attempt),
			logging.Duration("retry_in", delay),
			logging.Error(err),
			logging.String(logging.FieldEventType, "backend_retry"),
			logging.String(logging.FieldErrorHint, "lower avatar.requests_per_minute if rate limits persist"),
		)
	})
	if err != nil {
		return flightResult{attempts: attempts}, err
	}
	if clip.Path == "" {
		clip.Path = req.OutputPath
	}

	path, _, putErr := s.cache.Put(StageName, key, clip.Path, cache.PutOptions{
		Backend: s.backend.Identity(),
		Meta:    newClipMeta(clip),
	})
	if putErr != nil {
		logger.Warn("avatar cache write failed",
			logging.Error(putErr),
			logging.String(logging.FieldEventType, "cache_write_failed"),
			logging.String(logging.FieldImpact, "the clip is used for this run but will be rendered again next time"),
		)
	} else {
		clip.Path = path
	}
	logger.Info("avatar rendered",
		logging.Int(logging.FieldAttempt, attempts),
		logging.Bool("has_alpha", clip.HasAlpha),
		logging.Duration("elapsed", time.Since(started)),
	)
	return flightResult{clip: clip, attempts: attempts, leader: req.EventIndex}, nil
}

type clipMeta struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	HasAlpha    bool   `json:"has_alpha"`
	ContentHash string `json:"content_hash"`
}

func newClipMeta(clip backend.AvatarClip) clipMeta {
	return clipMeta{Width: clip.Width, Height: clip.Height, HasAlpha: clip.HasAlpha, ContentHash: clip.ContentHash}
}

func (m clipMeta) clip(req backend.AvatarRequest, path string) backend.AvatarClip {
	return backend.AvatarClip{
		EventIndex:  req.EventIndex,
		PersonaID:   req.PersonaID,
		Path:        path,
		Duration:    req.Audio.Duration,
		Width:       m.Width,
		Height:      m.Height,
		HasAlpha:    m.HasAlpha,
		ContentHash: m.ContentHash,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
