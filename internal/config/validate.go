package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// LayoutModes lists the supported avatar layout policies.
	LayoutModes = []string{"switching", "side_by_side", "picture_in_picture", "grid"}
	// QualityLevels lists the supported output quality presets.
	QualityLevels = []string{"fastest", "fast", "medium", "high"}
	// Codecs lists the supported output video codecs.
	Codecs = []string{"h264", "h265", "vp9", "av1"}
	// Formats lists the supported output containers.
	Formats = []string{"mp4", "mov", "mkv", "webm"}
	// TransitionTypes lists the supported segment transitions.
	TransitionTypes = []string{"none", "cut", "fade", "dissolve"}

	ttsEngines    = []string{"elevenlabs"}
	avatarEngines = []string{"did", "still"}
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateEngines(); err != nil {
		return err
	}
	if err := c.validateVideo(); err != nil {
		return err
	}
	if err := c.validateLayout(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	return nil
}

// ValidateCredentials reports missing API keys for the configured hosted
// engines. It is separate from Validate so listing commands work without keys.
func (c *Config) ValidateCredentials() error {
	if c.TTS.Engine == "elevenlabs" && c.API.ElevenLabs.APIKey == "" {
		return errors.New("api.elevenlabs.api_key is required. Set ELEVENLABS_API_KEY env var or edit the config file (create with 'talkingheads config init')")
	}
	if c.Avatar.Engine == "did" && c.API.DID.APIKey == "" {
		return errors.New("api.did.api_key is required when avatar.engine is \"did\". Set DID_API_KEY env var")
	}
	return nil
}

func (c *Config) validateEngines() error {
	if !slices.Contains(ttsEngines, c.TTS.Engine) {
		return fmt.Errorf("tts.engine: unsupported value %q (expected one of %s)", c.TTS.Engine, strings.Join(ttsEngines, ", "))
	}
	if !slices.Contains(avatarEngines, c.Avatar.Engine) {
		return fmt.Errorf("avatar.engine: unsupported value %q (expected one of %s)", c.Avatar.Engine, strings.Join(avatarEngines, ", "))
	}
	if c.TTS.Rate <= 0 || c.TTS.Rate > 4 {
		return errors.New("tts.rate must be in (0, 4]")
	}
	if c.TTS.Pitch <= 0 || c.TTS.Pitch > 4 {
		return errors.New("tts.pitch must be in (0, 4]")
	}
	return ensurePositiveMap(map[string]int{
		"avatar.fps":    c.Avatar.FPS,
		"avatar.width":  c.Avatar.Width,
		"avatar.height": c.Avatar.Height,
	})
}

func (c *Config) validateVideo() error {
	if err := ensurePositiveMap(map[string]int{
		"video.width":  c.Video.Width,
		"video.height": c.Video.Height,
		"video.fps":    c.Video.FPS,
	}); err != nil {
		return err
	}
	if c.Video.Width%2 != 0 || c.Video.Height%2 != 0 {
		return errors.New("video.width and video.height must be even")
	}
	if !slices.Contains(QualityLevels, c.Video.Quality) {
		return fmt.Errorf("video.quality: unsupported value %q (expected one of %s)", c.Video.Quality, strings.Join(QualityLevels, ", "))
	}
	if !slices.Contains(Codecs, c.Video.Codec) {
		return fmt.Errorf("video.codec: unsupported value %q (expected one of %s)", c.Video.Codec, strings.Join(Codecs, ", "))
	}
	if !slices.Contains(Formats, c.Video.Format) {
		return fmt.Errorf("video.format: unsupported value %q (expected one of %s)", c.Video.Format, strings.Join(Formats, ", "))
	}
	if c.Video.Format == "webm" && c.Video.Codec != "vp9" && c.Video.Codec != "av1" {
		return errors.New("video.format \"webm\" requires codec vp9 or av1")
	}
	if c.Video.Drapto && c.Video.Codec != "av1" {
		return errors.New("video.drapto requires video.codec \"av1\"")
	}
	return nil
}

func (c *Config) validateLayout() error {
	if !slices.Contains(LayoutModes, c.Layout.Mode) {
		return fmt.Errorf("layout.mode: unsupported value %q (expected one of %s)", c.Layout.Mode, strings.Join(LayoutModes, ", "))
	}
	if c.Layout.MaxAvatarsVisible < 1 {
		return errors.New("layout.max_avatars_visible must be >= 1")
	}
	if !slices.Contains(TransitionTypes, c.Layout.TransitionType) {
		return fmt.Errorf("layout.transition_type: unsupported value %q (expected one of %s)", c.Layout.TransitionType, strings.Join(TransitionTypes, ", "))
	}
	if c.Layout.TransitionDuration < 0 {
		return errors.New("layout.transition_duration must be >= 0")
	}
	if c.Layout.InsetScale <= 0 || c.Layout.InsetScale >= 1 {
		return errors.New("layout.inset_scale must be between 0 and 1")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if err := ensurePositiveMap(map[string]int{
		"pipeline.synthesis_workers":    c.Pipeline.SynthesisWorkers,
		"pipeline.rendering_workers":    c.Pipeline.RenderingWorkers,
		"pipeline.max_attempts":         c.Pipeline.MaxAttempts,
		"pipeline.call_timeout_seconds": c.Pipeline.CallTimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Pipeline.BaseDelayMillis < 0 {
		return errors.New("pipeline.base_delay_ms must be >= 0")
	}
	if c.Pipeline.MaxDelayMillis < c.Pipeline.BaseDelayMillis {
		return errors.New("pipeline.max_delay_ms must be >= pipeline.base_delay_ms")
	}
	if c.Pipeline.Multiplier < 1 {
		return errors.New("pipeline.multiplier must be >= 1")
	}
	return nil
}

func (c *Config) validateStorage() error {
	if strings.TrimSpace(c.Storage.OutputsDir) == "" {
		return errors.New("storage.outputs_dir must be set")
	}
	if strings.TrimSpace(c.Storage.CacheDir) == "" {
		return errors.New("storage.cache_dir must be set")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
