package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"talkingheads/internal/config"
	"talkingheads/internal/pipeline"
	"talkingheads/internal/services"
)

func TestVersionSkipsConfig(t *testing.T) {
	out, _, err := runCLI(t, []string{"version"}, filepath.Join(t.TempDir(), "missing", "config.toml"))
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	requireContains(t, out, "The Talking Heads v"+version)
}

func TestListPersonasAndScenes(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"list-personas"}, env.configPath)
	if err != nil {
		t.Fatalf("list-personas: %v", err)
	}
	for _, id := range []string{"ALICE", "BOB", "CHARLIE"} {
		requireContains(t, out, id)
	}

	out, _, err = runCLI(t, []string{"list-scenes", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("list-scenes: %v", err)
	}
	var scenes []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(out), &scenes); err != nil {
		t.Fatalf("decode scenes: %v\n%s", err, out)
	}
	if len(scenes) != 5 {
		t.Fatalf("expected 5 built-in scenes, got %d", len(scenes))
	}
}

func TestCreateRendersAndRecordsRun(t *testing.T) {
	env := setupCLITestEnv(t)
	script := env.writeScript(t, "episode.txt", "ALICE: Welcome back.\nBOB: Glad to be here.\n")

	out, _, err := runCLI(t, []string{"create", script, "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var summary pipeline.Summary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, out)
	}
	if summary.Status != "completed" || len(summary.Jobs) != 2 || summary.Transitions != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	want := filepath.Join(env.cfg.Storage.OutputsDir, "episode.mp4")
	if summary.Output != want {
		t.Fatalf("output %q, want %q", summary.Output, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected output file: %v", err)
	}

	out, _, err = runCLI(t, []string{"runs", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("runs list: %v", err)
	}
	requireContains(t, out, shortRunID(summary.RunID))
	requireContains(t, out, "completed")

	out, _, err = runCLI(t, []string{"runs", "show", summary.RunID[:8]}, env.configPath)
	if err != nil {
		t.Fatalf("runs show: %v", err)
	}
	requireContains(t, out, summary.RunID)
	requireContains(t, out, "BOB")
	requireContains(t, out, "encoded")

	out, _, err = runCLI(t, []string{"runs", "logs", summary.RunID}, env.configPath)
	if err != nil {
		t.Fatalf("runs logs: %v", err)
	}
	requireContains(t, out, summary.RunID)

	out, _, err = runCLI(t, []string{"cache", "stats"}, env.configPath)
	if err != nil {
		t.Fatalf("cache stats: %v", err)
	}
	requireContains(t, out, "Usage:")

	out, _, err = runCLI(t, []string{"cache", "prune", "--max", "1B"}, env.configPath)
	if err != nil {
		t.Fatalf("cache prune: %v", err)
	}
	requireContains(t, out, "Removed")
}

func TestCreateTextSummary(t *testing.T) {
	env := setupCLITestEnv(t)
	script := env.writeScript(t, "short.txt", "ALICE: Hi\n")

	out, _, err := runCLI(t, []string{"create", script, "-o", "custom"}, env.configPath)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	requireContains(t, out, "ALICE")
	requireContains(t, out, filepath.Join(env.cfg.Storage.OutputsDir, "custom.mp4"))
}

func TestCreateParseErrorExitCode(t *testing.T) {
	env := setupCLITestEnv(t)
	script := env.writeScript(t, "bad.txt", "Hi there\n")

	_, _, err := runCLI(t, []string{"create", script}, env.configPath)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if code := services.ExitCode(err); code != services.ExitParse {
		t.Fatalf("exit code %d, want %d", code, services.ExitParse)
	}
	if env.synth.Calls() != 0 {
		t.Fatal("no backend may be called for an invalid script")
	}
}

func TestCreateReportsScriptErrorsBeforeCredentials(t *testing.T) {
	env := setupCLITestEnv(t)
	newBackends = func(*config.Config, *slog.Logger) (backendSet, error) {
		return backendSet{}, services.Wrap(services.ErrConfiguration, "cli", "credentials", "", errors.New("tts.api_key is required"))
	}

	tests := []struct {
		name   string
		script string
		want   int
	}{
		{name: "parse error", script: "Hi there\n", want: services.ExitParse},
		{name: "unknown persona", script: "ZED: Hi\n", want: services.ExitResolution},
		{name: "valid script", script: "ALICE: Hi\n", want: services.ExitConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := env.writeScript(t, strings.ReplaceAll(tt.name, " ", "_")+".txt", tt.script)
			_, _, err := runCLI(t, []string{"create", path}, env.configPath)
			if code := services.ExitCode(err); code != tt.want {
				t.Fatalf("exit code %d, want %d (%v)", code, tt.want, err)
			}
		})
	}
}

func TestCreateUnknownSceneExitCode(t *testing.T) {
	env := setupCLITestEnv(t)
	script := env.writeScript(t, "episode.txt", "ALICE: Hi\n")

	_, _, err := runCLI(t, []string{"create", script, "--scene", "moon"}, env.configPath)
	if code := services.ExitCode(err); code != services.ExitConfiguration {
		t.Fatalf("exit code %d, want %d (%v)", code, services.ExitConfiguration, err)
	}
}

func TestWatchFileRerendersOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.txt")
	if err := os.WriteFile(path, []byte("ALICE: Hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var renders atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- watchFile(ctx, path, func() { renders.Add(1) }, func(error) {})
	}()

	waitFor(t, 2*time.Second, func() bool { return renders.Load() == 1 })
	if err := os.WriteFile(path, []byte("ALICE: Hi again\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return renders.Load() == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watchFile: %v", err)
	}
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}
