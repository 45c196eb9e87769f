package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files are. Files ending in .yaml or
// .yml are read as YAML, everything else as JSON.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from the paths returned by DefaultPaths.
func LoadDefault() (*Config, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.taskflow/config.json
// Project: .taskflow/config.json (relative to cwd)
func DefaultPaths() (globalPath, projectPath string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".taskflow", "config.json"), filepath.Join(".taskflow", "config.json"), nil
}

// mergeConfigFile decodes the file at path over base, so keys absent from
// the file keep their current value. Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, base)
	} else {
		err = json.Unmarshal(data, base)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Validate rejects negative limits and unknown log settings.
func (c *Config) Validate() error {
	var problems []string
	check := func(bad bool, format string, args ...any) {
		if bad {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Scheduler.MaxConcurrency < 0, "scheduler.max_concurrency must not be negative")
	check(c.HTTP.Timeout < 0, "http.timeout must not be negative")
	check(c.HTTP.Breaker.Timeout < 0, "http.breaker.timeout must not be negative")
	check(c.Poll.InitialInterval < 0, "poll.initial_interval must not be negative")
	check(c.Poll.MaxInterval < 0, "poll.max_interval must not be negative")
	check(c.Poll.InitialInterval > 0 && c.Poll.Multiplier < 1, "poll.multiplier must be at least 1, got %g", c.Poll.Multiplier)
	check(c.Poll.MaxRounds < 0, "poll.max_rounds must not be negative")
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		check(true, "log.level %q is not a level", c.Log.Level)
	}
	check(c.Log.Format != "console" && c.Log.Format != "json", "log.format must be console or json, got %q", c.Log.Format)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
