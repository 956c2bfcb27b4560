package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"talkingheads/internal/cache"
	"talkingheads/internal/config"
	"talkingheads/internal/logging"
	"talkingheads/internal/persona"
	"talkingheads/internal/scene"
	"talkingheads/internal/script"
	"talkingheads/internal/services"
	"talkingheads/internal/store"
)

// interruptedAfter is how long a run may sit in "running" without a ledger
// update before a later invocation marks it interrupted.
const interruptedAfter = 10 * time.Minute

type commandContext struct {
	configFlag *string
	verbose    *bool

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
}

func newCommandContext(configFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		verbose:    verbose,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		if c.verbose != nil && *c.verbose {
			cfg.Logging.Level = "debug"
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		c.logger, c.loggerErr = logging.NewFromConfig(c.configValue())
	})
	return c.logger, c.loggerErr
}

func (c *commandContext) personas() (persona.Registry, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return persona.LoadRegistry(cfg.Registry.Personas, persona.Defaults{
		Expression: cfg.Avatar.DefaultExpression,
		Style:      cfg.Avatar.Style,
		Voice:      cfg.TTS.DefaultVoice,
	})
}

// checkScript parses the script and resolves its speakers, so input mistakes
// are reported ahead of missing credentials or binaries.
func (c *commandContext) checkScript(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "cli", "read script", path, err)
	}
	events, err := script.Parse(string(data))
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return &script.ParseError{Reason: "script contains no dialogue"}
	}
	personas, err := c.personas()
	if err != nil {
		return err
	}
	_, err = persona.Resolve(events, personas)
	return err
}

func (c *commandContext) scenes() (scene.Registry, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return scene.LoadRegistry(cfg.Registry.Scenes)
}

// openLedger opens the run ledger and flags runs abandoned by a process that
// exited mid-render.
func (c *commandContext) openLedger(ctx context.Context) (*store.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	ledger, err := store.OpenFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("open run ledger: %w", err)
	}
	if n, err := ledger.MarkInterrupted(ctx, time.Now().Add(-interruptedAfter)); err == nil && n > 0 {
		if logger, lerr := c.ensureLogger(); lerr == nil {
			logger.Info("marked abandoned runs as interrupted",
				logging.Int64("runs", n),
				logging.String(logging.FieldEventType, "runs_interrupted"),
			)
		}
	}
	return ledger, nil
}

func (c *commandContext) openCache() (*cache.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}
	return cache.Open(cfg.Storage.CacheDir, cfg.CacheMaxBytes(), logger)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
