package synthesis_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"talkingheads/internal/backend"
	"talkingheads/internal/backend/backendtest"
	"talkingheads/internal/cache"
	"talkingheads/internal/logging"
	"talkingheads/internal/persona"
	"talkingheads/internal/retry"
	"talkingheads/internal/script"
	"talkingheads/internal/services"
	"talkingheads/internal/synthesis"
)

func newStage(t *testing.T, synth backend.VoiceSynthesizer) *synthesis.Stage {
	t.Helper()
	root := t.TempDir()
	store, err := cache.Open(filepath.Join(root, "cache"), 0, logging.NewNop())
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	opts := synthesis.Options{Rate: 1, Pitch: 1, SampleRate: 44100, WorkDir: filepath.Join(root, "work"), CompressAudio: true}
	return synthesis.New(synth, store, policy, opts, logging.NewNop())
}

var alice = persona.Profile{ID: "ALICE", VoiceID: "voice-a", AvatarID: "alice"}

func event(index int, text string) script.DialogueEvent {
	return script.DialogueEvent{Index: index, Line: index + 1, Speaker: "ALICE", Text: text}
}

func TestSynthesizeSameRequestTwiceCallsBackendOnce(t *testing.T) {
	synth := backendtest.NewSynthesizer()
	stage := newStage(t, synth)
	ctx := context.Background()

	first, err := stage.Synthesize(ctx, event(0, "Hello there"), alice)
	if err != nil {
		t.Fatalf("first Synthesize: %v", err)
	}
	if first.Cached || first.Attempts != 1 {
		t.Fatalf("expected fresh synthesis, got %+v", first)
	}
	second, err := stage.Synthesize(ctx, event(3, "Hello there"), alice)
	if err != nil {
		t.Fatalf("second Synthesize: %v", err)
	}
	if !second.Cached {
		t.Fatalf("expected cache hit, got %+v", second)
	}
	if synth.Calls() != 1 {
		t.Fatalf("expected exactly one backend call, got %d", synth.Calls())
	}
	if second.Clip.EventIndex != 3 {
		t.Fatalf("expected clip bound to event 3, got %d", second.Clip.EventIndex)
	}
	if second.Clip.Duration != first.Clip.Duration || second.Clip.ContentHash != first.Clip.ContentHash {
		t.Fatalf("cached clip differs: %+v vs %+v", second.Clip, first.Clip)
	}
}

func TestSynthesizeKeyIncludesVoice(t *testing.T) {
	synth := backendtest.NewSynthesizer()
	stage := newStage(t, synth)
	bob := persona.Profile{ID: "BOB", VoiceID: "voice-b", AvatarID: "bob"}
	if _, err := stage.Synthesize(context.Background(), event(0, "Hi"), alice); err != nil {
		t.Fatal(err)
	}
	if _, err := stage.Synthesize(context.Background(), event(1, "Hi"), bob); err != nil {
		t.Fatal(err)
	}
	if synth.Calls() != 2 {
		t.Fatalf("expected distinct voices to miss the cache, got %d calls", synth.Calls())
	}
}

func TestSynthesizeConcurrentIdenticalRequestsShareOneCall(t *testing.T) {
	synth := backendtest.NewSynthesizer()
	synth.Delay = 30 * time.Millisecond
	stage := newStage(t, synth)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = stage.Synthesize(context.Background(), event(i, "Same line"), alice)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if synth.Calls() != 1 {
		t.Fatalf("expected one backend call, got %d", synth.Calls())
	}
}

func TestSynthesizeRetriesRetryableErrors(t *testing.T) {
	synth := backendtest.NewSynthesizer()
	synth.FailNext(backend.Retryable("synthesize", errors.New("429")))
	stage := newStage(t, synth)

	res, err := stage.Synthesize(context.Background(), event(0, "Retry me"), alice)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Attempts != 2 || synth.Calls() != 2 {
		t.Fatalf("expected 2 attempts, got result=%+v calls=%d", res, synth.Calls())
	}
}

func TestSynthesizeDoesNotRetryPermanentErrors(t *testing.T) {
	synth := backendtest.NewSynthesizer()
	synth.FailNext(backend.Permanent("synthesize", errors.New("invalid voice id")))
	stage := newStage(t, synth)

	_, err := stage.Synthesize(context.Background(), event(0, "Nope"), alice)
	if services.KindOf(err) != services.KindBackend {
		t.Fatalf("expected backend kind, got %v", err)
	}
	if synth.Calls() != 1 {
		t.Fatalf("expected a single call, got %d", synth.Calls())
	}
}

func TestSynthesizeRejectsMissingVoice(t *testing.T) {
	synth := backendtest.NewSynthesizer()
	stage := newStage(t, synth)
	_, err := stage.Synthesize(context.Background(), event(0, "Hi"), persona.Profile{ID: "GHOST"})
	if err == nil {
		t.Fatal("expected error for profile without voice")
	}
	if synth.Calls() != 0 {
		t.Fatalf("expected no backend calls, got %d", synth.Calls())
	}
}
