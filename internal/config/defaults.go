package config

const (
	defaultConfigPath            = "~/.config/talkingheads/config.toml"
	defaultOutputsDir            = "~/.local/share/talkingheads/outputs"
	defaultCacheDir              = "~/.cache/talkingheads"
	defaultTempDir               = "~/.cache/talkingheads/temp"
	defaultStateDir              = "~/.local/share/talkingheads"
	defaultCacheMaxGiB           = 20
	defaultPersonasPath          = "~/.config/talkingheads/personas.yaml"
	defaultScenesPath            = "~/.config/talkingheads/scenes.yaml"
	defaultElevenLabsBaseURL     = "https://api.elevenlabs.io/v1"
	defaultDIDBaseURL            = "https://api.d-id.com"
	defaultHeyGenBaseURL         = "https://api.heygen.com/v1"
	defaultTTSEngine             = "elevenlabs"
	defaultTTSModel              = "eleven_multilingual_v2"
	defaultTTSSampleRate         = 44100
	defaultAvatarEngine          = "did"
	defaultAvatarStyle           = "cartoon"
	defaultExpression            = "neutral"
	defaultFPS                   = 30
	defaultWidth                 = 1920
	defaultHeight                = 1080
	defaultAvatarRequestsPerMin  = 20
	defaultAvatarPollSeconds     = 2
	defaultQuality               = "high"
	defaultFormat                = "mp4"
	defaultCodec                 = "h264"
	defaultLayoutMode            = "switching"
	defaultMaxAvatarsVisible     = 2
	defaultTransitionType        = "fade"
	defaultTransitionDuration    = 0.5
	defaultLayoutMargin          = 32
	defaultInsetScale            = 0.25
	defaultSynthesisWorkers      = 4
	defaultRenderingWorkers      = 2
	defaultMaxAttempts           = 3
	defaultBaseDelayMillis       = 500
	defaultMaxDelayMillis        = 10000
	defaultMultiplier            = 2.0
	defaultCallTimeoutSeconds    = 120
	defaultNATSSubject           = "talkingheads.runs"
	defaultNotifyRequestTimeout  = 10
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		API: API{
			ElevenLabs: Credentials{BaseURL: defaultElevenLabsBaseURL},
			DID:        Credentials{BaseURL: defaultDIDBaseURL},
			HeyGen:     Credentials{BaseURL: defaultHeyGenBaseURL},
		},
		TTS: TTS{
			Engine:     defaultTTSEngine,
			Model:      defaultTTSModel,
			Rate:       1.0,
			Pitch:      1.0,
			SampleRate: defaultTTSSampleRate,
		},
		Avatar: Avatar{
			Engine:              defaultAvatarEngine,
			Style:               defaultAvatarStyle,
			DefaultExpression:   defaultExpression,
			FPS:                 defaultFPS,
			Width:               defaultWidth,
			Height:              defaultHeight,
			RequestsPerMinute:   defaultAvatarRequestsPerMin,
			PollIntervalSeconds: defaultAvatarPollSeconds,
		},
		Video: Video{
			Width:   defaultWidth,
			Height:  defaultHeight,
			FPS:     defaultFPS,
			Quality: defaultQuality,
			Format:  defaultFormat,
			Codec:   defaultCodec,
		},
		Layout: Layout{
			Mode:               defaultLayoutMode,
			MaxAvatarsVisible:  defaultMaxAvatarsVisible,
			TransitionType:     defaultTransitionType,
			TransitionDuration: defaultTransitionDuration,
			Margin:             defaultLayoutMargin,
			InsetScale:         defaultInsetScale,
		},
		Storage: Storage{
			OutputsDir:  defaultOutputsDir,
			CacheDir:    defaultCacheDir,
			TempDir:     defaultTempDir,
			StateDir:    defaultStateDir,
			CacheMaxGiB: defaultCacheMaxGiB,
		},
		Pipeline: Pipeline{
			SynthesisWorkers:   defaultSynthesisWorkers,
			RenderingWorkers:   defaultRenderingWorkers,
			MaxAttempts:        defaultMaxAttempts,
			BaseDelayMillis:    defaultBaseDelayMillis,
			MaxDelayMillis:     defaultMaxDelayMillis,
			Multiplier:         defaultMultiplier,
			CallTimeoutSeconds: defaultCallTimeoutSeconds,
		},
		Registry: Registry{
			Personas: defaultPersonasPath,
			Scenes:   defaultScenesPath,
		},
		Notifications: Notifications{
			NATSSubject:    defaultNATSSubject,
			RequestTimeout: defaultNotifyRequestTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
