package did

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"talkingheads/internal/backend"
	"talkingheads/internal/config"
	"talkingheads/internal/media/ffprobe"
)

const (
	identityVersion     = "d-id/talks/1"
	defaultBaseURL      = "https://api.d-id.com"
	defaultPollInterval = 2 * time.Second
	defaultHTTPTimeout  = 2 * time.Minute
	maxErrorBodyBytes   = 4096
)

// Prober inspects a downloaded clip.
type Prober func(ctx context.Context, path string) (ffprobe.Result, error)

// Config captures the runtime settings required to talk to D-ID.
type Config struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
}

// Client renders talking heads through D-ID.
type Client struct {
	cfg        Config
	httpClient *http.Client
	probe      Prober
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

// WithProber overrides how downloaded clips are inspected.
func WithProber(probe Prober) Option {
	return func(c *Client) {
		if probe != nil {
			c.probe = probe
		}
	}
}

// New constructs a client using the supplied configuration.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg: Config{
			APIKey:       strings.TrimSpace(cfg.APIKey),
			BaseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			PollInterval: cfg.PollInterval,
		},
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		probe: func(ctx context.Context, path string) (ffprobe.Result, error) {
			return ffprobe.Inspect(ctx, "ffprobe", path)
		},
	}
	if c.cfg.BaseURL == "" {
		c.cfg.BaseURL = defaultBaseURL
	}
	if c.cfg.PollInterval <= 0 {
		c.cfg.PollInterval = defaultPollInterval
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig builds a client from the [api.did] and [avatar] sections.
func NewFromConfig(cfg *config.Config, opts ...Option) *Client {
	probeBinary := cfg.FFprobeBinary()
	base := []Option{WithProber(func(ctx context.Context, path string) (ffprobe.Result, error) {
		return ffprobe.Inspect(ctx, probeBinary, path)
	})}
	return New(Config{
		APIKey:       cfg.API.DID.APIKey,
		BaseURL:      cfg.API.DID.BaseURL,
		PollInterval: time.Duration(cfg.Avatar.PollIntervalSeconds) * time.Second,
	}, append(base, opts...)...)
}

// Identity names the backend and API flavour.
func (c *Client) Identity() string {
	return identityVersion
}

type talkScript struct {
	Type     string `json:"type"`
	AudioURL string `json:"audio_url"`
}

type talkConfig struct {
	Stitch       bool   `json:"stitch"`
	ResultFormat string `json:"result_format"`
}

type expressionFrame struct {
	StartFrame int     `json:"start_frame"`
	Expression string  `json:"expression"`
	Intensity  float64 `json:"intensity"`
}

type driverExpressions struct {
	Expressions []expressionFrame `json:"expressions"`
}

type createTalk struct {
	SourceURL         string             `json:"source_url"`
	Script            talkScript         `json:"script"`
	Config            talkConfig         `json:"config"`
	DriverExpressions *driverExpressions `json:"driver_expressions,omitempty"`
}

type talkStatus struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	ResultURL string          `json:"result_url"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// Render lip-syncs the avatar to req.Audio and writes the clip to req.OutputPath.
func (c *Client) Render(ctx context.Context, req backend.AvatarRequest) (backend.AvatarClip, error) {
	if c.cfg.APIKey == "" {
		return backend.AvatarClip{}, backend.Fatal("d-id render", errors.New("api key not configured"))
	}
	source, err := c.sourceURL(ctx, req)
	if err != nil {
		return backend.AvatarClip{}, err
	}
	audioURL, err := c.upload(ctx, "/audios", "audio", req.Audio.Path)
	if err != nil {
		return backend.AvatarClip{}, err
	}

	payload := createTalk{
		SourceURL: source,
		Script:    talkScript{Type: "audio", AudioURL: audioURL},
		Config:    talkConfig{Stitch: true, ResultFormat: "mov"},
	}
	if expr := mapExpression(req.Expression); expr != "neutral" {
		payload.DriverExpressions = &driverExpressions{Expressions: []expressionFrame{{StartFrame: 0, Expression: expr, Intensity: 1}}}
	}
	var created talkStatus
	if err := c.doJSON(ctx, http.MethodPost, "/talks", payload, &created); err != nil {
		return backend.AvatarClip{}, err
	}
	if created.ID == "" {
		return backend.AvatarClip{}, backend.Retryable("d-id create talk", errors.New("response missing talk id"))
	}

	resultURL, err := c.await(ctx, created.ID)
	if err != nil {
		return backend.AvatarClip{}, err
	}
	if err := c.download(ctx, resultURL, req.OutputPath); err != nil {
		return backend.AvatarClip{}, err
	}
	return c.describe(ctx, req)
}

func (c *Client) sourceURL(ctx context.Context, req backend.AvatarRequest) (string, error) {
	avatar := strings.TrimSpace(req.AvatarID)
	if strings.HasPrefix(avatar, "http://") || strings.HasPrefix(avatar, "https://") || strings.HasPrefix(avatar, "s3://") {
		return avatar, nil
	}
	if portrait := strings.TrimSpace(req.Portrait); portrait != "" {
		return c.upload(ctx, "/images", "image", portrait)
	}
	return "", backend.Permanent("d-id source", fmt.Errorf("avatar %q is not a hosted image and no portrait is configured", avatar))
}

func (c *Client) await(ctx context.Context, id string) (string, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		var status talkStatus
		if err := c.doJSON(ctx, http.MethodGet, "/talks/"+id, nil, &status); err != nil {
			return "", err
		}
		switch strings.ToLower(status.Status) {
		case "done":
			if status.ResultURL == "" {
				return "", backend.Retryable("d-id poll talk", errors.New("talk done without result url"))
			}
			return status.ResultURL, nil
		case "error", "rejected":
			return "", backend.Permanent("d-id poll talk", fmt.Errorf("talk %s %s: %s", id, status.Status, strings.TrimSpace(string(status.Error))))
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) describe(ctx context.Context, req backend.AvatarRequest) (backend.AvatarClip, error) {
	data, err := os.ReadFile(req.OutputPath)
	if err != nil {
		return backend.AvatarClip{}, fmt.Errorf("read rendered clip: %w", err)
	}
	sum := sha256.Sum256(data)
	clip := backend.AvatarClip{
		EventIndex:  req.EventIndex,
		PersonaID:   req.PersonaID,
		Path:        req.OutputPath,
		Duration:    req.Audio.Duration,
		Width:       req.Width,
		Height:      req.Height,
		ContentHash: hex.EncodeToString(sum[:]),
	}
	probe, err := c.probe(ctx, req.OutputPath)
	if err != nil {
		return backend.AvatarClip{}, backend.Retryable("d-id probe result", err)
	}
	if video, ok := probe.VideoStream(); ok {
		clip.Width, clip.Height = video.Width, video.Height
	}
	if d := probe.DurationSeconds(); d > 0 {
		clip.Duration = d
	}
	clip.HasAlpha = probe.HasAlpha()
	return clip, nil
}

func (c *Client) upload(ctx context.Context, path, field, file string) (string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return "", backend.Permanent("d-id upload", err)
	}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(field, filepath.Base(file))
	if err != nil {
		return "", backend.Permanent("d-id upload", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", backend.Permanent("d-id upload", err)
	}
	if err := writer.Close(); err != nil {
		return "", backend.Permanent("d-id upload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, &body)
	if err != nil {
		return "", backend.Permanent("d-id upload", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	var out struct {
		URL string `json:"url"`
	}
	if err := c.send(ctx, req, "d-id upload "+field, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", backend.Retryable("d-id upload "+field, errors.New("response missing url"))
	}
	return out.URL, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return backend.Permanent("d-id encode request", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return backend.Permanent("d-id build request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(ctx, req, "d-id "+strings.ToLower(method)+" "+path, out)
}

func (c *Client) send(ctx context.Context, req *http.Request, op string, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+authToken(c.cfg.APIKey))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return backend.Retryable(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return backend.StatusError(op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backend.Retryable(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) download(ctx context.Context, resultURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return backend.Permanent("d-id download", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return backend.Retryable("d-id download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return backend.StatusError("d-id download", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create clip dir: %w", err)
	}
	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create clip: %w", err)
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		return backend.Retryable("d-id download", err)
	}
	return file.Close()
}

// authToken accepts either a raw "user:secret" pair or an already encoded key.
func authToken(key string) string {
	if strings.Contains(key, ":") {
		return base64.StdEncoding.EncodeToString([]byte(key))
	}
	return key
}

// mapExpression folds free-form expression names onto the D-ID driver set.
func mapExpression(expression string) string {
	switch strings.ToLower(strings.TrimSpace(expression)) {
	case "happy", "smiling", "smile", "laughing", "excited", "cheerful":
		return "happy"
	case "surprised", "surprise", "shocked", "amazed":
		return "surprise"
	case "serious", "stern", "angry", "sad", "concerned", "thoughtful":
		return "serious"
	default:
		return "neutral"
	}
}
