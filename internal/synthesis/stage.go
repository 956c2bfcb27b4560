// Package synthesis turns dialogue events into speech through a pluggable
// voice backend, caching every clip by its content.
package synthesis

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"talkingheads/internal/backend"
	"talkingheads/internal/cache"
	"talkingheads/internal/config"
	"talkingheads/internal/logging"
	"talkingheads/internal/persona"
	"talkingheads/internal/retry"
	"talkingheads/internal/script"
	"talkingheads/internal/services"
)

// StageName identifies the synthesis stage in cache keys, logs, and the ledger.
const StageName = "synthesis"

// Options controls how speech is requested and stored.
type Options struct {
	Model      string
	Rate       float64
	Pitch      float64
	SampleRate int
	// WorkDir receives backend output and expanded cache artifacts for a run.
	WorkDir string
	// CompressAudio stores PCM/WAV artifacts zstd-compressed in the cache.
	CompressAudio bool
}

// OptionsFromConfig derives stage options from the TTS section.
func OptionsFromConfig(cfg *config.Config, workDir string) Options {
	return Options{
		Model:         cfg.TTS.Model,
		Rate:          cfg.TTS.Rate,
		Pitch:         cfg.TTS.Pitch,
		SampleRate:    cfg.TTS.SampleRate,
		WorkDir:       workDir,
		CompressAudio: true,
	}
}

// Result is the outcome of synthesizing one event.
type Result struct {
	Clip backend.AudioClip
	// Cached is true when no backend call was made for this event.
	Cached   bool
	Attempts int
}

// Stage synthesizes speech for dialogue events.
type Stage struct {
	backend backend.VoiceSynthesizer
	cache   *cache.Store
	policy  retry.Policy
	opts    Options
	logger  *slog.Logger
}

// New constructs a synthesis stage.
func New(synth backend.VoiceSynthesizer, store *cache.Store, policy retry.Policy, opts Options, logger *slog.Logger) *Stage {
	return &Stage{
		backend: synth,
		cache:   store,
		policy:  policy,
		opts:    opts,
		logger:  logging.NewComponentLogger(logger, StageName),
	}
}

type flightResult struct {
	clip     backend.AudioClip
	cached   bool
	attempts int
	leader   int
}

// Key returns the cache key for speaking text with a voice at the configured
// rate and pitch.
func (s *Stage) Key(text, voiceID string) string {
	return cache.Key(StageName, s.backend.Identity(),
		text,
		voiceID,
		strconv.FormatFloat(s.opts.Rate, 'f', 3, 64),
		strconv.FormatFloat(s.opts.Pitch, 'f', 3, 64),
		s.opts.Model,
	)
}

// Synthesize returns audio for event spoken by profile. Identical requests are
// served from the cache; concurrent identical requests share one backend call.
func (s *Stage) Synthesize(ctx context.Context, event script.DialogueEvent, profile persona.Profile) (Result, error) {
	if strings.TrimSpace(profile.VoiceID) == "" {
		return Result{}, backend.Permanent("synthesize", services.Wrap(services.ErrConfiguration, StageName, "voice", "persona "+profile.ID+" has no voice_id", nil))
	}
	key := s.Key(event.Text, profile.VoiceID)
	ctx = services.WithStage(services.WithEventIndex(ctx, event.Index), StageName)
	logger := logging.WithContext(ctx, s.logger).With(
		logging.String(logging.FieldSpeaker, event.Speaker),
		logging.String(logging.FieldCacheKey, shortKey(key)),
	)

	value, _, err := s.cache.Do(ctx, key, func() (any, error) {
		return s.produce(ctx, logger, key, event, profile)
	})
	if err != nil {
		return Result{}, err
	}
	res := value.(flightResult)
	clip := res.clip
	clip.EventIndex = event.Index
	if res.leader != event.Index {
		return Result{Clip: clip, Cached: true}, nil
	}
	return Result{Clip: clip, Cached: res.cached, Attempts: res.attempts}, nil
}

func (s *Stage) produce(ctx context.Context, logger *slog.Logger, key string, event script.DialogueEvent, profile persona.Profile) (flightResult, error) {
	scratch := filepath.Join(s.opts.WorkDir, StageName)
	var meta clipMeta
	if path, _, ok, err := s.cache.Get(StageName, key, scratch, &meta); err != nil {
		logger.Warn("cache read failed; synthesizing",
			logging.Error(err),
			logging.String(logging.FieldEventType, "cache_read_failed"),
			logging.String(logging.FieldImpact, "speech is requested from the backend again"),
		)
	} else if ok {
		logger.Debug("speech cache hit")
		return flightResult{clip: meta.clip(event.Index, path), cached: true, leader: event.Index}, nil
	}

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return flightResult{}, services.Wrap(services.ErrConfiguration, StageName, "workdir", scratch, err)
	}
	output := filepath.Join(scratch, key+".wav")
	req := backend.SpeechRequest{
		EventIndex: event.Index,
		Text:       event.Text,
		VoiceID:    profile.VoiceID,
		Model:      s.opts.Model,
		Rate:       s.opts.Rate,
		Pitch:      s.opts.Pitch,
		SampleRate: s.opts.SampleRate,
		OutputPath: output,
	}

	var clip backend.AudioClip
	started := time.Now()
	attempts, err := retry.Do(ctx, s.policy, func(callCtx context.Context, attempt int) error {
		var callErr error
		clip, callErr = s.backend.Synthesize(callCtx, req)
		return callErr
	}, func(attempt int, delay time.Duration, err error) {
		logger.Warn("speech synthesis attempt failed; retrying",
			logging.Int(logging.FieldAttempt, attempt),
			logging.Duration("retry_in", delay),
			logging.Error(err),
			logging.String(logging.FieldEventType, "backend_retry"),
			logging.String(logging.FieldErrorHint, "transient backend failure; check rate limits if this repeats"),
		)
	})
	if err != nil {
		return flightResult{attempts: attempts}, err
	}
	if clip.Path == "" {
		clip.Path = output
	}

	path, _, putErr := s.cache.Put(StageName, key, clip.Path, cache.PutOptions{
		Backend:  s.backend.Identity(),
		Compress: s.opts.CompressAudio && compressible(clip.Path),
		Meta:     newClipMeta(clip),
	})
	if putErr != nil {
		logger.Warn("speech cache write failed",
			logging.Error(putErr),
			logging.String(logging.FieldEventType, "cache_write_failed"),
			logging.String(logging.FieldImpact, "the clip is used for this run but will be synthesized again next time"),
		)
	} else {
		clip.Path = path
	}
	logger.Info("speech synthesized",
		logging.Int(logging.FieldAttempt, attempts),
		logging.Float64("duration_seconds", clip.Duration),
		logging.Duration("elapsed", time.Since(started)),
	)
	return flightResult{clip: clip, attempts: attempts, leader: event.Index}, nil
}

type clipMeta struct {
	Duration    float64 `json:"duration"`
	SampleRate  int     `json:"sample_rate"`
	ContentHash string  `json:"content_hash"`
}

func newClipMeta(clip backend.AudioClip) clipMeta {
	return clipMeta{Duration: clip.Duration, SampleRate: clip.SampleRate, ContentHash: clip.ContentHash}
}

func (m clipMeta) clip(index int, path string) backend.AudioClip {
	return backend.AudioClip{
		EventIndex:  index,
		Path:        path,
		Duration:    m.Duration,
		SampleRate:  m.SampleRate,
		ContentHash: m.ContentHash,
	}
}

func compressible(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".pcm", ".raw":
		return true
	}
	return false
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
