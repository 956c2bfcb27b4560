package main

import (
	"context"
	"fmt"
	"log/slog"

	"talkingheads/internal/backend"
	"talkingheads/internal/config"
	"talkingheads/internal/deps"
	"talkingheads/internal/encoding"
	"talkingheads/internal/logging"
	"talkingheads/internal/metrics"
	"talkingheads/internal/notifications"
	"talkingheads/internal/pipeline"
	"talkingheads/internal/preflight"
	"talkingheads/internal/services"
	"talkingheads/internal/services/did"
	"talkingheads/internal/services/elevenlabs"
	"talkingheads/internal/services/stillavatar"
)

// backendSet is the external work a render delegates.
type backendSet struct {
	Synthesizer backend.VoiceSynthesizer
	Renderer    backend.AvatarRenderer
	Encoder     pipeline.VideoEncoder
}

// newBackends is replaced in tests with in-process fakes.
var newBackends = configuredBackends

func configuredBackends(cfg *config.Config, logger *slog.Logger) (backendSet, error) {
	if err := cfg.ValidateCredentials(); err != nil {
		return backendSet{}, services.Wrap(services.ErrConfiguration, "cli", "credentials", "", err)
	}
	if err := deps.RequireAll(preflight.CheckSystemDeps(cfg)); err != nil {
		return backendSet{}, err
	}

	set := backendSet{
		Synthesizer: elevenlabs.NewFromConfig(cfg),
		Encoder:     encoding.NewFromConfig(cfg, logger),
	}
	switch cfg.Avatar.Engine {
	case "did":
		set.Renderer = did.NewFromConfig(cfg)
	case "still":
		set.Renderer = stillavatar.NewFromConfig(cfg)
	default:
		return backendSet{}, services.Wrap(services.ErrConfiguration, "cli", "avatar engine",
			fmt.Sprintf("unsupported avatar engine %q", cfg.Avatar.Engine), nil)
	}
	return set, nil
}

// renderEnv owns everything a render needs beyond the request itself.
type renderEnv struct {
	executor *pipeline.Executor
	closers  []func() error
}

func (e *renderEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

func (c *commandContext) renderEnvironment(ctx context.Context) (*renderEnv, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}
	personas, err := c.personas()
	if err != nil {
		return nil, err
	}
	scenes, err := c.scenes()
	if err != nil {
		return nil, err
	}
	set, err := newBackends(cfg, logger)
	if err != nil {
		return nil, err
	}
	artifacts, err := c.openCache()
	if err != nil {
		return nil, err
	}

	env := &renderEnv{}
	ledger, err := c.openLedger(ctx)
	if err != nil {
		logger.Warn("run ledger unavailable; runs will not be recorded",
			logging.Error(err),
			logging.String(logging.FieldEventType, "ledger_unavailable"),
		)
	} else {
		env.closers = append(env.closers, ledger.Close)
	}
	notifier := notifications.NewService(cfg, logger)
	env.closers = append(env.closers, notifier.Close)

	runDeps := pipeline.Deps{
		Synthesizer: set.Synthesizer,
		Renderer:    set.Renderer,
		Encoder:     set.Encoder,
		Cache:       artifacts,
		Personas:    personas,
		Scenes:      scenes,
		Notifier:    notifier,
		Metrics:     metrics.New(cfg.Metrics.Textfile),
		Ledger:      ledger,
		Logger:      logger,
	}
	env.executor, err = pipeline.New(cfg, runDeps)
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}
