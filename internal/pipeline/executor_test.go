package pipeline_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"talkingheads/internal/backend"
	"talkingheads/internal/backend/backendtest"
	"talkingheads/internal/cache"
	"talkingheads/internal/compositor"
	"talkingheads/internal/config"
	"talkingheads/internal/logging"
	"talkingheads/internal/logs"
	"talkingheads/internal/metrics"
	"talkingheads/internal/persona"
	"talkingheads/internal/pipeline"
	"talkingheads/internal/script"
	"talkingheads/internal/services"
	"talkingheads/internal/store"
	"talkingheads/internal/testsupport"
)

type fakeEncoder struct {
	mu       sync.Mutex
	calls    int
	timeline *compositor.Timeline
	req      pipeline.EncodeRequest
	err      error
}

func (f *fakeEncoder) Identity() string { return "fake-encoder/1" }

func (f *fakeEncoder) Encode(ctx context.Context, tl *compositor.Timeline, req pipeline.EncodeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.timeline = tl
	f.req = req
	if f.err != nil {
		return f.err
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(req.OutputPath, []byte("video"), 0o644)
}

type harness struct {
	cfg     *config.Config
	synth   *backendtest.Synthesizer
	render  *backendtest.Renderer
	encoder *fakeEncoder
	ledger  *store.Store
	exec    *pipeline.Executor
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	return newHarnessWithConfig(t, cfg, persona.DefaultRegistry())
}

func newHarnessWithConfig(t *testing.T, cfg *config.Config, personas persona.Registry) *harness {
	t.Helper()
	ledger := testsupport.MustOpenStore(t, cfg)
	artifacts, err := cache.Open(cfg.Storage.CacheDir, cfg.CacheMaxBytes(), logging.NewNop())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	h := &harness{
		cfg:     cfg,
		synth:   backendtest.NewSynthesizer(),
		render:  backendtest.NewRenderer(),
		encoder: &fakeEncoder{},
		ledger:  ledger,
	}
	h.exec, err = pipeline.New(cfg, pipeline.Deps{
		Synthesizer: h.synth,
		Renderer:    h.render,
		Encoder:     h.encoder,
		Cache:       artifacts,
		Personas:    personas,
		Ledger:      ledger,
		Metrics:     metrics.New(filepath.Join(testsupport.BaseDir(cfg), "metrics.prom")),
		Logger:      logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return h
}

func retryable() error {
	return backend.Retryable("render", errors.New("http 429: slow down"))
}

func TestRunAliceAndBob(t *testing.T) {
	h := newHarness(t)
	summary, err := h.exec.Run(context.Background(), pipeline.Request{Script: "ALICE: Hi\nBOB: Hello", OutputName: "dialogue"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(summary.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(summary.Jobs))
	}
	for _, job := range summary.Jobs {
		if job.State != pipeline.StateEncoded {
			t.Fatalf("job %d ended in %s", job.EventIndex, job.State)
		}
	}
	if summary.Status != string(store.RunCompleted) || summary.Partial {
		t.Fatalf("unexpected status %s partial=%v", summary.Status, summary.Partial)
	}
	want := filepath.Join(h.cfg.Storage.OutputsDir, "dialogue.mp4")
	if summary.Output != want {
		t.Fatalf("output %q, want %q", summary.Output, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected output file: %v", err)
	}

	tl := h.encoder.timeline
	if tl == nil || len(tl.Segments) != 2 {
		t.Fatalf("expected a 2-segment timeline, got %+v", tl)
	}
	if tl.Transitions() != 1 {
		t.Fatalf("expected one transition, got %d", tl.Transitions())
	}
	if len(h.encoder.req.Audio) != 2 {
		t.Fatalf("encoder should receive audio for both events, got %v", h.encoder.req.Audio)
	}
	if h.synth.Calls() != 2 || h.render.Calls() != 2 {
		t.Fatalf("unexpected backend calls: synth=%d render=%d", h.synth.Calls(), h.render.Calls())
	}

	run, err := h.ledger.GetRun(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.RunCompleted || run.OutputPath != want {
		t.Fatalf("unexpected ledger run: %+v", run)
	}
	jobs, err := h.ledger.ListJobs(context.Background(), summary.RunID)
	if err != nil {
		t.Fatal(err)
	}
	for _, job := range jobs {
		if job.State != string(pipeline.StateEncoded) || job.SynthAttempts != 1 || job.RenderAttempts != 1 {
			t.Fatalf("unexpected ledger job: %+v", job)
		}
	}
	if _, err := os.Stat(logs.Path(h.cfg.Storage.StateDir, summary.RunID)); err != nil {
		t.Fatalf("expected per-run log file: %v", err)
	}
}

func TestTimelineCoversAudioExactly(t *testing.T) {
	h := newHarness(t)
	h.synth.Durations = map[string]float64{"one": 0.1, "two": 0.2, "three": 0.3}
	if _, err := h.exec.Run(context.Background(), pipeline.Request{Script: "ALICE: one\nBOB: two\nALICE: three"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	tl := h.encoder.timeline
	var want float64
	for _, d := range []float64{0.1, 0.2, 0.3} {
		want += d
	}
	last := tl.Segments[len(tl.Segments)-1]
	if math.Abs(tl.Duration-want) > 1e-9 || math.Abs(last.End-want) > 1e-9 || tl.Segments[0].Start != 0 {
		t.Fatalf("timeline does not cover the audio exactly: %+v", tl)
	}
	for i := 1; i < len(tl.Segments); i++ {
		if tl.Segments[i].Start != tl.Segments[i-1].End {
			t.Fatalf("segments %d and %d are not contiguous", i-1, i)
		}
	}
}

func TestRunParseErrorMakesNoBackendCalls(t *testing.T) {
	h := newHarness(t)
	summary, err := h.exec.Run(context.Background(), pipeline.Request{Script: "Hi there"})
	var parseErr *script.ParseError
	if !errors.As(err, &parseErr) || parseErr.Line != 1 {
		t.Fatalf("expected ParseError at line 1, got %v", err)
	}
	if summary != nil {
		t.Fatal("rejected scripts should not start a run")
	}
	if services.ExitCode(err) != services.ExitParse {
		t.Fatalf("unexpected exit code %d", services.ExitCode(err))
	}
	if h.synth.Calls()+h.render.Calls()+h.encoder.calls != 0 {
		t.Fatal("no backend may be called for an invalid script")
	}
	runs, _ := h.ledger.ListRuns(context.Background(), 10)
	if len(runs) != 0 {
		t.Fatalf("rejected scripts should not be recorded, got %d runs", len(runs))
	}
}

func TestRunUnknownPersonaMakesNoBackendCalls(t *testing.T) {
	registry := persona.DefaultRegistry()
	delete(registry, "CHARLIE")
	h := newHarnessWithConfig(t, testsupport.NewConfig(t), registry)

	_, err := h.exec.Run(context.Background(), pipeline.Request{Script: "ALICE: Hi\nCHARLIE: Hey\nCHARLIE: Again"})
	var unknown *persona.UnknownPersonaError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownPersonaError, got %v", err)
	}
	if len(unknown.Tags) != 1 || unknown.Tags[0] != "CHARLIE" {
		t.Fatalf("unexpected tags %v", unknown.Tags)
	}
	if services.ExitCode(err) != services.ExitResolution {
		t.Fatalf("unexpected exit code %d", services.ExitCode(err))
	}
	if h.synth.Calls() != 0 || h.render.Calls() != 0 {
		t.Fatal("no backend may be called when personas are unresolved")
	}
}

func TestRunRetriesRenderingUntilSuccess(t *testing.T) {
	h := newHarness(t)
	h.render.FailEvent(0, retryable(), retryable())

	summary, err := h.exec.Run(context.Background(), pipeline.Request{Script: "ALICE: Hi\nBOB: Hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.render.CallsFor(0); got != 3 {
		t.Fatalf("expected 3 render calls for event 0, got %d", got)
	}
	job := summary.Jobs[0]
	if job.State != pipeline.StateEncoded || job.RenderAttempts != 3 {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestRunPermanentFailureAbortsByDefault(t *testing.T) {
	h := newHarness(t)
	h.render.FailEvent(1, backend.Permanent("render", errors.New("http 400: invalid avatar")))

	summary, err := h.exec.Run(context.Background(), pipeline.Request{Script: "ALICE: Hi\nBOB: Hello\nALICE: Bye"})
	var runErr *pipeline.RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected RunError, got %v", err)
	}
	if len(runErr.Failures) != 1 || runErr.Failures[0].EventIndex != 1 {
		t.Fatalf("unexpected failures: %+v", runErr.Failures)
	}
	if services.KindOf(err) != services.KindBackend {
		t.Fatalf("expected backend kind, got %s", services.KindOf(err))
	}
	if h.encoder.calls != 0 {
		t.Fatal("encoder must not run when the render aborts")
	}
	if summary == nil || summary.Status != string(store.RunFailed) {
		t.Fatalf("expected failed summary, got %+v", summary)
	}
	if summary.Jobs[0].RenderAttempts != 1 || summary.Jobs[2].RenderAttempts != 1 {
		t.Fatal("sibling jobs should complete despite one failure")
	}
	for _, i := range []int{0, 2} {
		if summary.Jobs[i].State != pipeline.StateSkipped {
			t.Fatalf("job %d should be skipped after the abort, got %s", i, summary.Jobs[i].State)
		}
	}
	requireTerminalLedgerJobs(t, h.ledger, summary.RunID)
}

func requireTerminalLedgerJobs(t *testing.T, ledger *store.Store, runID string) {
	t.Helper()
	jobs, err := ledger.ListJobs(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	for _, job := range jobs {
		switch pipeline.State(job.State) {
		case pipeline.StateEncoded, pipeline.StateFailed, pipeline.StateSkipped:
		default:
			t.Fatalf("ledger job %d left in %s", job.EventIndex, job.State)
		}
	}
}

func TestRunPartialRenderSkipsFailedEvents(t *testing.T) {
	h := newHarness(t)
	h.render.FailEvent(1, backend.Permanent("render", errors.New("http 400: invalid avatar")))

	summary, err := h.exec.Run(context.Background(), pipeline.Request{Script: "ALICE: Hi\nBOB: Hello\nALICE: Bye", PartialRender: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Partial || summary.Status != string(store.RunPartial) || len(summary.Failures) != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(h.encoder.timeline.Segments) != 2 {
		t.Fatalf("expected failed event to be skipped, got %d segments", len(h.encoder.timeline.Segments))
	}
	if summary.Jobs[1].State != pipeline.StateFailed || summary.Jobs[1].FailureKind != string(services.KindBackend) {
		t.Fatalf("unexpected failed job: %+v", summary.Jobs[1])
	}
}

func TestRunPartialRenderNeedsOneSuccess(t *testing.T) {
	h := newHarness(t, testsupport.WithPartialRender())
	permanent := backend.Permanent("synthesize", errors.New("http 422: text rejected"))
	h.synth.FailEvent(0, permanent)
	h.synth.FailEvent(1, permanent)

	_, err := h.exec.Run(context.Background(), pipeline.Request{Script: "ALICE: Hi\nBOB: Hello"})
	var runErr *pipeline.RunError
	if !errors.As(err, &runErr) || len(runErr.Failures) != 2 {
		t.Fatalf("expected RunError with both failures, got %v", err)
	}
}

func TestRunFatalFailureAbortsRun(t *testing.T) {
	h := newHarness(t, testsupport.WithWorkers(1, 1))
	h.synth.FailEvent(0, backend.Fatal("synthesize", errors.New("http 401: invalid api key")))

	summary, err := h.exec.Run(context.Background(), pipeline.Request{Script: "ALICE: one\nBOB: two\nALICE: three\nBOB: four\nALICE: five"})
	if services.KindOf(err) != services.KindFatal {
		t.Fatalf("expected fatal kind, got %s (%v)", services.KindOf(err), err)
	}
	if services.ExitCode(err) != services.ExitBackend {
		t.Fatalf("unexpected exit code %d", services.ExitCode(err))
	}
	if h.encoder.calls != 0 {
		t.Fatal("encoder must not run after a fatal failure")
	}
	first := summary.Jobs[0]
	if first.State != pipeline.StateFailed || first.FailureKind != string(services.KindFatal) {
		t.Fatalf("unexpected fatal job: %+v", first)
	}
	for _, job := range summary.Jobs {
		if job.State != pipeline.StateFailed && job.State != pipeline.StateSkipped {
			t.Fatalf("job %d left in %s after a fatal abort", job.EventIndex, job.State)
		}
	}
	requireTerminalLedgerJobs(t, h.ledger, summary.RunID)
	if summary.Status != string(store.RunFailed) {
		t.Fatalf("unexpected status %s", summary.Status)
	}
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t)
	h.synth.Gate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	summary, err := h.exec.Run(ctx, pipeline.Request{Script: "ALICE: Hi\nBOB: Hello"})
	if services.KindOf(err) != services.KindCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if services.ExitCode(err) != services.ExitCancelled {
		t.Fatalf("unexpected exit code %d", services.ExitCode(err))
	}
	if summary == nil || summary.Status != string(store.RunCancelled) {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	run, err := h.ledger.GetRun(context.Background(), summary.RunID)
	if err != nil || run.Status != store.RunCancelled {
		t.Fatalf("expected cancelled ledger run, got %+v (%v)", run, err)
	}
}

func TestRunCancelledKeepsCompletedAudio(t *testing.T) {
	h := newHarness(t, testsupport.WithWorkers(1, 1))
	h.render.Gate = make(chan struct{})
	req := pipeline.Request{Script: "ALICE: Hi\nBOB: Hello"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		waitForJobs(t, h.ledger, pipeline.StateRendering, 2)
		cancel()
	}()
	summary, err := h.exec.Run(ctx, req)
	if services.KindOf(err) != services.KindCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	requireTerminalLedgerJobs(t, h.ledger, summary.RunID)
	if h.synth.Calls() != 2 {
		t.Fatalf("expected both lines synthesized before the cancel, got %d", h.synth.Calls())
	}

	h.render.Gate = nil
	summary, err = h.exec.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if h.synth.Calls() != 2 {
		t.Fatalf("cancelled run should leave its audio cached, synth calls %d", h.synth.Calls())
	}
	for _, job := range summary.Jobs {
		if !job.AudioCached || job.State != pipeline.StateEncoded {
			t.Fatalf("unexpected job after rerun: %+v", job)
		}
	}
}

// waitForJobs polls the ledger until want jobs of the newest run are in state.
func waitForJobs(t *testing.T, ledger *store.Store, state pipeline.State, want int) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := ledger.ListRuns(context.Background(), 1)
		if err == nil && len(runs) == 1 {
			jobs, err := ledger.ListJobs(context.Background(), runs[0].ID)
			n := 0
			for _, job := range jobs {
				if job.State == string(state) {
					n++
				}
			}
			if err == nil && n >= want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("timed out waiting for %d jobs in %s", want, state)
}

func TestRunReusesCacheAcrossRuns(t *testing.T) {
	h := newHarness(t)
	req := pipeline.Request{Script: "ALICE: Hi\nBOB: Hello"}
	if _, err := h.exec.Run(context.Background(), req); err != nil {
		t.Fatalf("first run: %v", err)
	}
	summary, err := h.exec.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if h.synth.Calls() != 2 || h.render.Calls() != 2 {
		t.Fatalf("second run should be served from cache: synth=%d render=%d", h.synth.Calls(), h.render.Calls())
	}
	for _, job := range summary.Jobs {
		if !job.AudioCached || !job.AvatarCached || job.State != pipeline.StateEncoded {
			t.Fatalf("unexpected cached job: %+v", job)
		}
	}
}

func TestRunDeduplicatesIdenticalLines(t *testing.T) {
	h := newHarness(t)
	if _, err := h.exec.Run(context.Background(), pipeline.Request{Script: "ALICE: Hi\nALICE: Hi\nALICE: Hi"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.synth.Calls() != 1 {
		t.Fatalf("identical lines should share one synthesis call, got %d", h.synth.Calls())
	}
	if h.render.Calls() != 1 {
		t.Fatalf("identical lines should share one render call, got %d", h.render.Calls())
	}
}

func TestRunEncodingFailure(t *testing.T) {
	h := newHarness(t)
	h.encoder.err = services.Wrap(services.ErrEncoding, "encoding", "join segments", "", errors.New("ffmpeg exited 1"))

	summary, err := h.exec.Run(context.Background(), pipeline.Request{Script: "ALICE: Hi"})
	if services.ExitCode(err) != services.ExitEncoding {
		t.Fatalf("expected encoding exit code, got %d (%v)", services.ExitCode(err), err)
	}
	job := summary.Jobs[0]
	if job.State != pipeline.StateSkipped || !strings.Contains(job.Error, "composited") {
		t.Fatalf("job should be skipped after composition, got %+v", job)
	}
	requireTerminalLedgerJobs(t, h.ledger, summary.RunID)
}

func TestRunLayoutErrorAborts(t *testing.T) {
	h := newHarness(t, testsupport.WithLayout("grid", 2))
	summary, err := h.exec.Run(context.Background(), pipeline.Request{Script: "ALICE: one\nBOB: two\nCHARLIE: three"})
	var layoutErr *compositor.LayoutError
	if !errors.As(err, &layoutErr) {
		t.Fatalf("expected LayoutError, got %v", err)
	}
	if services.ExitCode(err) != services.ExitComposition {
		t.Fatalf("unexpected exit code %d", services.ExitCode(err))
	}
	if summary != nil {
		t.Fatal("a layout the script cannot fit should be rejected before the run starts")
	}
	if h.synth.Calls() != 0 || h.render.Calls() != 0 || h.encoder.calls != 0 {
		t.Fatalf("no backend may be called: synth=%d render=%d", h.synth.Calls(), h.render.Calls())
	}
}

func TestRunRejectsUnknownScene(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec.Run(context.Background(), pipeline.Request{Script: "ALICE: Hi", SceneID: "moon"})
	if services.KindOf(err) != services.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if h.synth.Calls() != 0 {
		t.Fatal("no backend may be called for an unknown scene")
	}
}
