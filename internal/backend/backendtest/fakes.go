// Package backendtest provides deterministic in-process backends for tests.
package backendtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"talkingheads/internal/backend"
)

// recorder tracks calls and hands out scripted failures.
type recorder struct {
	mu      sync.Mutex
	calls   int
	byEvent map[int]int
	errs    []error
	failFor map[int][]error
}

func (r *recorder) record(eventIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.byEvent == nil {
		r.byEvent = make(map[int]int)
	}
	r.byEvent[eventIndex]++
	if queue := r.failFor[eventIndex]; len(queue) > 0 {
		r.failFor[eventIndex] = queue[1:]
		return queue[0]
	}
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return err
	}
	return nil
}

// Calls returns the total number of backend calls.
func (r *recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// CallsFor returns the number of calls made for one event.
func (r *recorder) CallsFor(eventIndex int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byEvent[eventIndex]
}

// FailNext queues errors returned by the next calls, in order.
func (r *recorder) FailNext(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, errs...)
}

// FailEvent queues errors returned by the next calls for one event.
func (r *recorder) FailEvent(eventIndex int, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor == nil {
		r.failFor = make(map[int][]error)
	}
	r.failFor[eventIndex] = append(r.failFor[eventIndex], errs...)
}

func wait(ctx context.Context, delay time.Duration, gate <-chan struct{}) error {
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeArtifact(path string, payload []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Synthesizer is a fake voice backend. Each call writes a small artifact whose
// bytes depend only on the request, so identical requests hash identically.
type Synthesizer struct {
	recorder

	ID string
	// Durations overrides the clip duration per text.
	Durations map[string]float64
	Delay     time.Duration
	// Gate, when set, blocks every call until it is closed.
	Gate chan struct{}
}

// NewSynthesizer returns a fake synthesizer with a stable identity.
func NewSynthesizer() *Synthesizer {
	return &Synthesizer{ID: "fake-voice/1"}
}

// Identity implements backend.VoiceSynthesizer.
func (s *Synthesizer) Identity() string { return s.ID }

// Synthesize implements backend.VoiceSynthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, req backend.SpeechRequest) (backend.AudioClip, error) {
	if err := s.record(req.EventIndex); err != nil {
		return backend.AudioClip{}, err
	}
	if err := wait(ctx, s.Delay, s.Gate); err != nil {
		return backend.AudioClip{}, err
	}
	payload := fmt.Sprintf("audio|%s|%s|%.3f|%.3f|%s", s.ID, req.VoiceID, req.Rate, req.Pitch, req.Text)
	hash, err := writeArtifact(req.OutputPath, []byte(payload))
	if err != nil {
		return backend.AudioClip{}, backend.Permanent("synthesize", err)
	}
	duration, ok := s.Durations[req.Text]
	if !ok {
		duration = 1 + float64(len(req.Text))/20
	}
	rate := req.SampleRate
	if rate <= 0 {
		rate = 44100
	}
	return backend.AudioClip{
		EventIndex:  req.EventIndex,
		Path:        req.OutputPath,
		Duration:    duration,
		SampleRate:  rate,
		ContentHash: hash,
	}, nil
}

// Renderer is a fake avatar backend.
type Renderer struct {
	recorder

	ID       string
	HasAlpha bool
	Delay    time.Duration
	Gate     chan struct{}
}

// NewRenderer returns a fake renderer that produces alpha-capable clips.
func NewRenderer() *Renderer {
	return &Renderer{ID: "fake-avatar/1", HasAlpha: true}
}

// Identity implements backend.AvatarRenderer.
func (r *Renderer) Identity() string { return r.ID }

// Render implements backend.AvatarRenderer.
func (r *Renderer) Render(ctx context.Context, req backend.AvatarRequest) (backend.AvatarClip, error) {
	if err := r.record(req.EventIndex); err != nil {
		return backend.AvatarClip{}, err
	}
	if err := wait(ctx, r.Delay, r.Gate); err != nil {
		return backend.AvatarClip{}, err
	}
	payload := fmt.Sprintf("video|%s|%s|%s|%s|%s", r.ID, req.AvatarID, req.Expression, req.Style, req.Audio.ContentHash)
	hash, err := writeArtifact(req.OutputPath, []byte(payload))
	if err != nil {
		return backend.AvatarClip{}, backend.Permanent("render", err)
	}
	return backend.AvatarClip{
		EventIndex:  req.EventIndex,
		PersonaID:   req.PersonaID,
		Path:        req.OutputPath,
		Duration:    req.Audio.Duration,
		Width:       req.Width,
		Height:      req.Height,
		HasAlpha:    r.HasAlpha,
		ContentHash: hash,
	}, nil
}

var (
	_ backend.VoiceSynthesizer = (*Synthesizer)(nil)
	_ backend.AvatarRenderer   = (*Renderer)(nil)
)
