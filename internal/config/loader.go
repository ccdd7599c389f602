package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV_VAR} references
// against the process environment, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv substitutes ${VAR} references. A bare $ or an unbraced $VAR is
// left untouched so YAML values containing dollar signs stay usable.
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		slog.Warn("config references unset environment variable", "name", name)
		return ""
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Provider == "" {
		errs = append(errs, errors.New("provider is required; valid values: gemini, openai"))
	} else if !cfg.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("provider %q is invalid; valid values: gemini, openai", cfg.Provider))
	}

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Provider.IsValid() && cfg.Entry().APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.%s.api_key is required", cfg.Provider))
	}

	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s is negative", cfg.Session.ConnectTimeout))
	}

	if cfg.Audio.CaptureBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_buffer %d is negative", cfg.Audio.CaptureBuffer))
	}
	if cfg.Audio.LevelSmoothing < 0 || cfg.Audio.LevelSmoothing >= 1 {
		if cfg.Audio.LevelSmoothing != 0 {
			errs = append(errs, fmt.Errorf("audio.level_smoothing %.2f is out of range [0, 1)", cfg.Audio.LevelSmoothing))
		}
	}

	if cfg.Video.Interval < 0 {
		errs = append(errs, fmt.Errorf("video.interval %s is negative", cfg.Video.Interval))
	}
	if cfg.Video.Enabled && cfg.Provider == ProviderOpenAI {
		slog.Warn("video is enabled but the openai backend does not accept video frames; the stream will be dropped")
	}

	return errors.Join(errs...)
}
