// Package config provides the configuration schema, loader, and provider
// registry for the Lectary live session engine.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ProviderName selects which realtime backend carries the session.
type ProviderName string

const (
	ProviderGemini ProviderName = "gemini"
	ProviderOpenAI ProviderName = "openai"
)

// IsValid reports whether p is a recognised provider name.
func (p ProviderName) IsValid() bool {
	return p == ProviderGemini || p == ProviderOpenAI
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader]; string values support
// ${ENV_VAR} expansion so API keys can stay out of the file.
type Config struct {
	// Provider selects the realtime backend for new sessions.
	Provider ProviderName `yaml:"provider"`

	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Video     VideoConfig     `yaml:"video"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig holds per-backend connection settings. Only the entry for
// the selected [Config.Provider] is required.
type ProvidersConfig struct {
	Gemini ProviderEntry `yaml:"gemini"`
	OpenAI ProviderEntry `yaml:"openai"`
}

// ProviderEntry is the common configuration block shared by both backends.
type ProviderEntry struct {
	// APIKey authenticates against the provider's realtime API.
	APIKey string `yaml:"api_key"`

	// Model selects a specific realtime model. Leave empty for the
	// provider's built-in default.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default websocket endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`
}

// SessionConfig holds settings applied to every new live session.
type SessionConfig struct {
	// Voice is the provider-specific voice identifier (e.g. "Aoede").
	// Leave empty for the provider's default voice.
	Voice string `yaml:"voice"`

	// Instructions is a free-text system prompt shaping the remote
	// endpoint's behaviour for the whole session.
	Instructions string `yaml:"instructions"`

	// ConnectTimeout bounds session establishment, covering the websocket
	// dial and setup handshake. Zero means [DefaultConnectTimeout].
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultConnectTimeout is used when session.connect_timeout is unset.
const DefaultConnectTimeout = 15 * time.Second

// AudioConfig tunes the capture pipeline.
type AudioConfig struct {
	// CaptureBuffer is the capacity of the captured-frame queue, in blocks.
	// Zero means the pipeline's built-in default.
	CaptureBuffer int `yaml:"capture_buffer"`

	// LevelSmoothing is the weight of the previous value in the exponential
	// moving average of the microphone level, in [0, 1). Zero means the
	// built-in default.
	LevelSmoothing float64 `yaml:"level_smoothing"`
}

// VideoConfig controls the shared visual context stream.
type VideoConfig struct {
	// Enabled turns frame sampling on. Providers without video support
	// ignore the stream.
	Enabled bool `yaml:"enabled"`

	// Interval is the sampling cadence. Zero means one frame per second.
	Interval time.Duration `yaml:"interval"`

	// FramesDir, when set, feeds frames from still images on disk instead
	// of a live capture surface. Intended for development.
	FramesDir string `yaml:"frames_dir"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	// ListenAddr is the TCP address the /metrics endpoint listens on
	// (e.g. ":9090"). Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`
}

// Entry returns the [ProviderEntry] for the selected provider.
func (c *Config) Entry() ProviderEntry {
	if c.Provider == ProviderOpenAI {
		return c.Providers.OpenAI
	}
	return c.Providers.Gemini
}
