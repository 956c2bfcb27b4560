package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Credentials holds the API key and endpoint for a hosted backend.
type Credentials struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

// API groups credentials for every hosted backend the pipeline can drive.
type API struct {
	ElevenLabs Credentials `toml:"elevenlabs"`
	DID        Credentials `toml:"did"`
	HeyGen     Credentials `toml:"heygen"`
}

// TTS contains speech synthesis settings.
type TTS struct {
	Engine       string  `toml:"engine"`
	DefaultVoice string  `toml:"default_voice"`
	Model        string  `toml:"model"`
	Rate         float64 `toml:"rate"`
	Pitch        float64 `toml:"pitch"`
	SampleRate   int     `toml:"sample_rate"`
}

// Avatar contains talking-head rendering settings.
type Avatar struct {
	Engine            string `toml:"engine"`
	Style             string `toml:"style"`
	DefaultExpression string `toml:"default_expression"`
	FPS               int    `toml:"fps"`
	Width             int    `toml:"width"`
	Height            int    `toml:"height"`
	// RequestsPerMinute throttles avatar backend calls. Zero disables throttling.
	RequestsPerMinute int `toml:"requests_per_minute"`
	// PollIntervalSeconds controls how often asynchronous backends are polled.
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
}

// Video contains final output encoding settings.
type Video struct {
	Width   int    `toml:"width"`
	Height  int    `toml:"height"`
	FPS     int    `toml:"fps"`
	Quality string `toml:"quality"`
	Format  string `toml:"format"`
	Codec   string `toml:"codec"`
	// Drapto hands the final AV1 encode to the drapto library instead of
	// ffmpeg. Requires codec "av1"; output is always Matroska.
	Drapto bool `toml:"drapto"`
}

// Layout contains avatar composition policy.
type Layout struct {
	Mode               string  `toml:"mode"`
	MaxAvatarsVisible  int     `toml:"max_avatars_visible"`
	TransitionType     string  `toml:"transition_type"`
	TransitionDuration float64 `toml:"transition_duration"`
	Margin             int     `toml:"margin"`
	InsetScale         float64 `toml:"inset_scale"`
}

// Storage contains output, cache, and scratch locations.
type Storage struct {
	OutputsDir  string `toml:"outputs_dir"`
	CacheDir    string `toml:"cache_dir"`
	TempDir     string `toml:"temp_dir"`
	StateDir    string `toml:"state_dir"`
	CacheMaxGiB int    `toml:"cache_max_gib"`
}

// Pipeline contains worker pool sizing and retry policy for backend calls.
type Pipeline struct {
	SynthesisWorkers   int     `toml:"synthesis_workers"`
	RenderingWorkers   int     `toml:"rendering_workers"`
	MaxAttempts        int     `toml:"max_attempts"`
	BaseDelayMillis    int     `toml:"base_delay_ms"`
	MaxDelayMillis     int     `toml:"max_delay_ms"`
	Multiplier         float64 `toml:"multiplier"`
	CallTimeoutSeconds int     `toml:"call_timeout_seconds"`
	PartialRender      bool    `toml:"partial_render"`
}

// Registry points at the persona and scene registry files.
type Registry struct {
	Personas string `toml:"personas"`
	Scenes   string `toml:"scenes"`
}

// Notifications contains configuration for run event delivery.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	NATSURL        string `toml:"nats_url"`
	NATSSubject    string `toml:"nats_subject"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Metrics contains configuration for the Prometheus textfile export.
type Metrics struct {
	Textfile string `toml:"textfile"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Talking Heads.
//
// Configuration sections by subsystem:
//   - API: hosted backend credentials (ElevenLabs, D-ID, HeyGen)
//   - TTS: voice synthesis engine, rate, pitch
//   - Avatar: avatar engine, style, fps, resolution, throttle
//   - Video: final output resolution, fps, quality, codec
//   - Layout: layout mode, visible avatar bound, transitions
//   - Storage: outputs, cache, temp, and state directories
//   - Pipeline: worker pools and retry policy
//   - Registry: persona and scene registry files
//   - Notifications: ntfy and NATS event delivery
//   - Metrics: Prometheus textfile export
//   - Logging: log format and level
type Config struct {
	API           API           `toml:"api"`
	TTS           TTS           `toml:"tts"`
	Avatar        Avatar        `toml:"avatar"`
	Video         Video         `toml:"video"`
	Layout        Layout        `toml:"layout"`
	Storage       Storage       `toml:"storage"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Registry      Registry      `toml:"registry"`
	Notifications Notifications `toml:"notifications"`
	Metrics       Metrics       `toml:"metrics"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("talkingheads.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the output, cache, temp, and state directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Storage.OutputsDir, c.Storage.CacheDir, c.Storage.TempDir, c.Storage.StateDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// FFmpegBinary returns the ffmpeg executable name used for compositing.
func (c *Config) FFmpegBinary() string {
	return "ffmpeg"
}

// FFprobeBinary returns the ffprobe executable name used for clip inspection.
func (c *Config) FFprobeBinary() string {
	return "ffprobe"
}

// CallTimeout returns the per-backend-call timeout.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Pipeline.CallTimeoutSeconds) * time.Second
}

// CacheMaxBytes returns the cache size budget in bytes.
func (c *Config) CacheMaxBytes() int64 {
	return int64(c.Storage.CacheMaxGiB) * 1024 * 1024 * 1024
}

// LedgerPath returns the SQLite run ledger location.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Storage.StateDir, "runs.db")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
