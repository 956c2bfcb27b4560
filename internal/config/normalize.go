package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// credentialEnv lists environment fallbacks for values that should not live in
// the config file.
type credentialEnv struct {
	ElevenLabsAPIKey string `env:"ELEVENLABS_API_KEY"`
	DIDAPIKey        string `env:"DID_API_KEY"`
	HeyGenAPIKey     string `env:"HEYGEN_API_KEY"`
	NATSURL          string `env:"NATS_URL"`
	NtfyTopic        string `env:"TALKINGHEADS_NTFY_TOPIC"`
}

func (c *Config) normalize() error {
	if err := c.normalizeAPI(); err != nil {
		return err
	}
	c.normalizeEnums()
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	if err := c.normalizeRegistry(); err != nil {
		return err
	}
	c.normalizePipeline()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizeAPI() error {
	var fromEnv credentialEnv
	if err := env.Parse(&fromEnv); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	fillString(&c.API.ElevenLabs.APIKey, fromEnv.ElevenLabsAPIKey)
	fillString(&c.API.DID.APIKey, fromEnv.DIDAPIKey)
	fillString(&c.API.HeyGen.APIKey, fromEnv.HeyGenAPIKey)
	fillString(&c.Notifications.NATSURL, fromEnv.NATSURL)
	fillString(&c.Notifications.NtfyTopic, fromEnv.NtfyTopic)

	c.API.ElevenLabs.BaseURL = trimURL(c.API.ElevenLabs.BaseURL, defaultElevenLabsBaseURL)
	c.API.DID.BaseURL = trimURL(c.API.DID.BaseURL, defaultDIDBaseURL)
	c.API.HeyGen.BaseURL = trimURL(c.API.HeyGen.BaseURL, defaultHeyGenBaseURL)
	return nil
}

func (c *Config) normalizeEnums() {
	c.TTS.Engine = lowerOr(c.TTS.Engine, defaultTTSEngine)
	c.TTS.Model = strings.TrimSpace(c.TTS.Model)
	c.TTS.DefaultVoice = strings.TrimSpace(c.TTS.DefaultVoice)
	if c.TTS.SampleRate <= 0 {
		c.TTS.SampleRate = defaultTTSSampleRate
	}
	c.Avatar.Engine = lowerOr(c.Avatar.Engine, defaultAvatarEngine)
	c.Avatar.Style = lowerOr(c.Avatar.Style, defaultAvatarStyle)
	c.Avatar.DefaultExpression = lowerOr(c.Avatar.DefaultExpression, defaultExpression)
	if c.Avatar.PollIntervalSeconds <= 0 {
		c.Avatar.PollIntervalSeconds = defaultAvatarPollSeconds
	}
	if c.Avatar.RequestsPerMinute < 0 {
		c.Avatar.RequestsPerMinute = 0
	}
	c.Video.Quality = lowerOr(c.Video.Quality, defaultQuality)
	c.Video.Format = lowerOr(c.Video.Format, defaultFormat)
	c.Video.Codec = lowerOr(c.Video.Codec, defaultCodec)
	if c.Video.Drapto {
		c.Video.Format = "mkv"
	}
	c.Layout.Mode = strings.ReplaceAll(lowerOr(c.Layout.Mode, defaultLayoutMode), "-", "_")
	c.Layout.TransitionType = lowerOr(c.Layout.TransitionType, defaultTransitionType)
	if c.Layout.InsetScale <= 0 {
		c.Layout.InsetScale = defaultInsetScale
	}
	if c.Layout.Margin < 0 {
		c.Layout.Margin = 0
	}
	c.Notifications.NATSSubject = strings.TrimSpace(c.Notifications.NATSSubject)
	if c.Notifications.NATSSubject == "" {
		c.Notifications.NATSSubject = defaultNATSSubject
	}
	c.Notifications.NATSURL = strings.TrimSpace(c.Notifications.NATSURL)
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
}

func (c *Config) normalizeStorage() error {
	var err error
	if strings.TrimSpace(c.Storage.OutputsDir) == "" {
		c.Storage.OutputsDir = defaultOutputsDir
	}
	if c.Storage.OutputsDir, err = expandPath(c.Storage.OutputsDir); err != nil {
		return fmt.Errorf("storage.outputs_dir: %w", err)
	}
	if strings.TrimSpace(c.Storage.CacheDir) == "" {
		c.Storage.CacheDir = defaultCacheDir
	}
	if c.Storage.CacheDir, err = expandPath(c.Storage.CacheDir); err != nil {
		return fmt.Errorf("storage.cache_dir: %w", err)
	}
	if strings.TrimSpace(c.Storage.TempDir) == "" {
		c.Storage.TempDir = defaultTempDir
	}
	if c.Storage.TempDir, err = expandPath(c.Storage.TempDir); err != nil {
		return fmt.Errorf("storage.temp_dir: %w", err)
	}
	if strings.TrimSpace(c.Storage.StateDir) == "" {
		c.Storage.StateDir = defaultStateDir
	}
	if c.Storage.StateDir, err = expandPath(c.Storage.StateDir); err != nil {
		return fmt.Errorf("storage.state_dir: %w", err)
	}
	if c.Storage.CacheMaxGiB <= 0 {
		c.Storage.CacheMaxGiB = defaultCacheMaxGiB
	}
	if c.Metrics.Textfile, err = expandPath(strings.TrimSpace(c.Metrics.Textfile)); err != nil {
		return fmt.Errorf("metrics.textfile: %w", err)
	}
	return nil
}

func (c *Config) normalizeRegistry() error {
	var err error
	if c.Registry.Personas, err = expandPath(strings.TrimSpace(c.Registry.Personas)); err != nil {
		return fmt.Errorf("registry.personas: %w", err)
	}
	if c.Registry.Scenes, err = expandPath(strings.TrimSpace(c.Registry.Scenes)); err != nil {
		return fmt.Errorf("registry.scenes: %w", err)
	}
	return nil
}

func (c *Config) normalizePipeline() {
	if c.Pipeline.Multiplier == 0 {
		c.Pipeline.Multiplier = defaultMultiplier
	}
	if c.Pipeline.MaxDelayMillis == 0 {
		c.Pipeline.MaxDelayMillis = defaultMaxDelayMillis
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func fillString(target *string, fallback string) {
	*target = strings.TrimSpace(*target)
	if *target == "" {
		*target = strings.TrimSpace(fallback)
	}
}

func trimURL(value, fallback string) string {
	value = strings.TrimRight(strings.TrimSpace(value), "/")
	if value == "" {
		return fallback
	}
	return value
}

func lowerOr(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}
