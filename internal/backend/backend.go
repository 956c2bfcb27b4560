// Package backend declares the capability interfaces the pipeline drives:
// voice synthesis and avatar rendering. Concrete variants live under
// internal/services; deterministic fakes live in backendtest.
//
// Backends classify their own failures with Retryable, Fatal, or Permanent so
// the stages can decide whether to retry, fail one job, or abort the run.
package backend

import (
	"context"
	"fmt"
	"net/http"

	"talkingheads/internal/services"
)

// AudioClip is a synthesized utterance for one dialogue event.
type AudioClip struct {
	EventIndex int     `json:"event_index"`
	Path       string  `json:"path"`
	Duration   float64 `json:"duration"`
	SampleRate int     `json:"sample_rate"`
	// ContentHash is the sha256 of the audio bytes.
	ContentHash string `json:"content_hash"`
}

// AvatarClip is a rendered talking-head segment for one dialogue event.
type AvatarClip struct {
	EventIndex  int     `json:"event_index"`
	PersonaID   string  `json:"persona_id"`
	Path        string  `json:"path"`
	Duration    float64 `json:"duration"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	HasAlpha    bool    `json:"has_alpha"`
	ContentHash string  `json:"content_hash"`
}

// SpeechRequest asks a voice backend to speak Text with VoiceID and write the
// result to OutputPath.
type SpeechRequest struct {
	EventIndex int
	Text       string
	VoiceID    string
	Model      string
	Rate       float64
	Pitch      float64
	SampleRate int
	OutputPath string
}

// AvatarRequest asks an avatar backend to lip-sync AvatarID to Audio and write
// the clip to OutputPath.
type AvatarRequest struct {
	EventIndex int
	PersonaID  string
	Audio      AudioClip
	AvatarID   string
	Portrait   string
	Expression string
	Style      string
	FPS        int
	Width      int
	Height     int
	OutputPath string
}

// VoiceSynthesizer turns text into speech.
type VoiceSynthesizer interface {
	// Identity names the backend and its version; it is part of every cache key.
	Identity() string
	Synthesize(ctx context.Context, req SpeechRequest) (AudioClip, error)
}

// AvatarRenderer turns speech into a talking-head clip.
type AvatarRenderer interface {
	Identity() string
	Render(ctx context.Context, req AvatarRequest) (AvatarClip, error)
}

// Retryable marks err as transient: rate limits, timeouts, 5xx responses.
func Retryable(op string, err error) error {
	return services.Wrap(services.ErrRetryable, "backend", op, "", err)
}

// Fatal marks err as run-ending: bad credentials, exhausted quota.
func Fatal(op string, err error) error {
	return services.Wrap(services.ErrFatal, "backend", op, "", err)
}

// Permanent marks err as failing only the current job: invalid voice id,
// malformed text.
func Permanent(op string, err error) error {
	return services.Wrap(services.ErrBackend, "backend", op, "", err)
}

// StatusError classifies a non-2xx HTTP response.
func StatusError(op string, status int, body string) error {
	err := fmt.Errorf("http %d: %s", status, truncate(body, 256))
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return Retryable(op, err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusPaymentRequired:
		return Fatal(op, err)
	default:
		return Permanent(op, err)
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
