package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names shipped with this binary. Used
// by [Validate] to warn about likely typos; unknown names are not an error
// since third-party registrations are allowed.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name, may be a typo or a third-party provider",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}

	if t := cfg.Agent.SpeakingThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("agent.speaking_threshold %.3f is out of range (0, 1]", t))
	}

	if cfg.Audio.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must be positive", cfg.Audio.InputSampleRate))
	}
	if cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must be positive", cfg.Audio.OutputSampleRate))
	}

	seen := make(map[string]int, len(cfg.Knowledge))
	for i, item := range cfg.Knowledge {
		prefix := fmt.Sprintf("knowledge[%d]", i)
		if item.Topic == "" {
			errs = append(errs, fmt.Errorf("%s.topic is required", prefix))
			continue
		}
		if prev, ok := seen[item.Topic]; ok {
			errs = append(errs, fmt.Errorf("%s.topic %q is a duplicate of knowledge[%d]", prefix, item.Topic, prev))
		}
		seen[item.Topic] = i
	}

	if cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.postgres_dsn is empty; completed sessions will be logged and discarded")
	}

	return errors.Join(errs...)
}
