package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"talkingheads/internal/backend/backendtest"
	"talkingheads/internal/compositor"
	"talkingheads/internal/config"
	"talkingheads/internal/pipeline"
	"talkingheads/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	baseDir    string
	synth      *backendtest.Synthesizer
	render     *backendtest.Renderer
	encoder    *fakeEncoder
}

type fakeEncoder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEncoder) Identity() string { return "fake-encoder/1" }

func (f *fakeEncoder) Encode(ctx context.Context, tl *compositor.Timeline, req pipeline.EncodeRequest) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(req.OutputPath, []byte("video"), 0o644)
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	base := testsupport.BaseDir(cfg)
	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, cfg)

	env := &cliTestEnv{
		cfg:        cfg,
		configPath: configPath,
		baseDir:    base,
		synth:      backendtest.NewSynthesizer(),
		render:     backendtest.NewRenderer(),
		encoder:    &fakeEncoder{},
	}
	original := newBackends
	newBackends = func(*config.Config, *slog.Logger) (backendSet, error) {
		return backendSet{Synthesizer: env.synth, Renderer: env.render, Encoder: env.encoder}, nil
	}
	t.Cleanup(func() { newBackends = original })
	return env
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func (env *cliTestEnv) writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(env.baseDir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected output to contain %q\noutput:\n%s", substr, output)
	}
}
