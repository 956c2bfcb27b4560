package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"talkingheads/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Backend credentials are set to placeholders, registries point at missing
// files so the built-in personas and scenes apply, and retries are fast.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.API.ElevenLabs.APIKey = "test"
	cfgVal.API.DID.APIKey = "test"
	cfgVal.Storage.OutputsDir = filepath.Join(base, "outputs")
	cfgVal.Storage.CacheDir = filepath.Join(base, "cache")
	cfgVal.Storage.TempDir = filepath.Join(base, "tmp")
	cfgVal.Storage.StateDir = filepath.Join(base, "state")
	cfgVal.Registry.Personas = filepath.Join(base, "personas.yaml")
	cfgVal.Registry.Scenes = filepath.Join(base, "scenes.yaml")
	cfgVal.Pipeline.BaseDelayMillis = 1
	cfgVal.Pipeline.MaxDelayMillis = 5
	cfgVal.Pipeline.CallTimeoutSeconds = 5
	cfgVal.Avatar.RequestsPerMinute = 0
	cfgVal.Video.Width = 320
	cfgVal.Video.Height = 180
	cfgVal.Avatar.Width = 160
	cfgVal.Avatar.Height = 160

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithLayout overrides the layout mode and visible-avatar bound.
func WithLayout(mode string, maxVisible int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Layout.Mode = mode
		b.cfg.Layout.MaxAvatarsVisible = maxVisible
	}
}

// WithWorkers overrides the synthesis and rendering pool sizes.
func WithWorkers(synthesis, rendering int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.SynthesisWorkers = synthesis
		b.cfg.Pipeline.RenderingWorkers = rendering
	}
}

// WithPartialRender enables partial renders by default.
func WithPartialRender() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.PartialRender = true
	}
}

// WithPersonas writes a persona registry file with the given YAML body.
func WithPersonas(yamlBody string) ConfigOption {
	return func(b *configBuilder) {
		if err := os.WriteFile(b.cfg.Registry.Personas, []byte(yamlBody), 0o644); err != nil {
			b.t.Fatalf("write personas: %v", err)
		}
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, ffmpeg and ffprobe are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ffmpeg", "ffprobe"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Storage.OutputsDir)
}
