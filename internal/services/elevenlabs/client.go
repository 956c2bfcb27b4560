package elevenlabs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"talkingheads/internal/backend"
	"talkingheads/internal/config"
)

const (
	identityVersion     = "elevenlabs/1"
	defaultBaseURL      = "https://api.elevenlabs.io/v1"
	defaultModel        = "eleven_multilingual_v2"
	defaultSampleRate   = 44100
	defaultHTTPTimeout  = 2 * time.Minute
	maxErrorBodyBytes   = 4096
	defaultStability    = 0.5
	defaultSimilarity   = 0.75
	minimumSpeakingRate = 0.7
	maximumSpeakingRate = 1.2
)

// supportedRates are the pcm_<rate> output formats the API offers.
var supportedRates = []int{16000, 22050, 24000, 44100}

// Config captures the runtime settings required to talk to ElevenLabs.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	SampleRate int
}

// Client synthesizes speech through ElevenLabs.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// New constructs a client using the supplied configuration.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg: Config{
			APIKey:     strings.TrimSpace(cfg.APIKey),
			BaseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			Model:      strings.TrimSpace(cfg.Model),
			SampleRate: cfg.SampleRate,
		},
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	if c.cfg.BaseURL == "" {
		c.cfg.BaseURL = defaultBaseURL
	}
	if c.cfg.Model == "" {
		c.cfg.Model = defaultModel
	}
	if !slices.Contains(supportedRates, c.cfg.SampleRate) {
		c.cfg.SampleRate = defaultSampleRate
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig builds a client from the [api.elevenlabs] and [tts] sections.
func NewFromConfig(cfg *config.Config, opts ...Option) *Client {
	return New(Config{
		APIKey:     cfg.API.ElevenLabs.APIKey,
		BaseURL:    cfg.API.ElevenLabs.BaseURL,
		Model:      cfg.TTS.Model,
		SampleRate: cfg.TTS.SampleRate,
	}, opts...)
}

// Identity names the backend, model, and output format.
func (c *Client) Identity() string {
	return fmt.Sprintf("%s:%s:pcm_%d", identityVersion, c.cfg.Model, c.cfg.SampleRate)
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

type speechPayload struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// Synthesize requests PCM audio for req.Text and writes it as a WAV file to
// req.OutputPath. Pitch is not adjustable through this API and is ignored.
func (c *Client) Synthesize(ctx context.Context, req backend.SpeechRequest) (backend.AudioClip, error) {
	if c.cfg.APIKey == "" {
		return backend.AudioClip{}, backend.Fatal("elevenlabs synthesize", errors.New("api key not configured"))
	}
	if strings.TrimSpace(req.Text) == "" {
		return backend.AudioClip{}, backend.Permanent("elevenlabs synthesize", errors.New("empty text"))
	}
	model := c.cfg.Model
	if strings.TrimSpace(req.Model) != "" {
		model = strings.TrimSpace(req.Model)
	}

	payload := speechPayload{
		Text:    req.Text,
		ModelID: model,
		VoiceSettings: voiceSettings{
			Stability:       defaultStability,
			SimilarityBoost: defaultSimilarity,
			Speed:           clampRate(req.Rate),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return backend.AudioClip{}, backend.Permanent("elevenlabs encode request", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s?output_format=pcm_%d",
		c.cfg.BaseURL, url.PathEscape(req.VoiceID), c.cfg.SampleRate)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return backend.AudioClip{}, backend.Permanent("elevenlabs build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/pcm")
	httpReq.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return backend.AudioClip{}, ctx.Err()
		}
		return backend.AudioClip{}, backend.Retryable("elevenlabs request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return backend.AudioClip{}, backend.StatusError("elevenlabs synthesize", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return backend.AudioClip{}, ctx.Err()
		}
		return backend.AudioClip{}, backend.Retryable("elevenlabs read audio", err)
	}
	if len(pcm) < bytesPerSample {
		return backend.AudioClip{}, backend.Retryable("elevenlabs read audio", errors.New("empty audio response"))
	}
	pcm = pcm[:len(pcm)-len(pcm)%bytesPerSample]

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return backend.AudioClip{}, fmt.Errorf("create audio dir: %w", err)
	}
	wav := encodeWAV(pcm, c.cfg.SampleRate)
	if err := os.WriteFile(req.OutputPath, wav, 0o644); err != nil {
		return backend.AudioClip{}, fmt.Errorf("write audio: %w", err)
	}
	sum := sha256.Sum256(wav)
	return backend.AudioClip{
		EventIndex:  req.EventIndex,
		Path:        req.OutputPath,
		Duration:    pcmDuration(len(pcm), c.cfg.SampleRate),
		SampleRate:  c.cfg.SampleRate,
		ContentHash: hex.EncodeToString(sum[:]),
	}, nil
}

func clampRate(rate float64) float64 {
	switch {
	case rate == 0 || rate == 1:
		return 0
	case rate < minimumSpeakingRate:
		return minimumSpeakingRate
	case rate > maximumSpeakingRate:
		return maximumSpeakingRate
	default:
		return rate
	}
}
