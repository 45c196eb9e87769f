package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("30s") in
// JSON and YAML files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SchedulerConfig configures the top-level task queue.
type SchedulerConfig struct {
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"` // 0 = unlimited
}

// BreakerConfig configures the per-host circuit breaker around the HTTP session.
type BreakerConfig struct {
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	MaxRequests         uint32   `json:"max_requests" yaml:"max_requests"`                 // Requests allowed while half-open
	Timeout             Duration `json:"timeout" yaml:"timeout"`                           // Open -> half-open delay
	ConsecutiveFailures uint32   `json:"consecutive_failures" yaml:"consecutive_failures"` // Failures that trip the breaker
}

// HTTPConfig configures the shared HTTP session.
type HTTPConfig struct {
	Timeout Duration          `json:"timeout" yaml:"timeout"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // Sent with every request
	Breaker BreakerConfig     `json:"breaker" yaml:"breaker"`
}

// PollConfig configures poll workflows.
type PollConfig struct {
	InitialInterval Duration `json:"initial_interval" yaml:"initial_interval"` // 0 = poll again immediately
	MaxInterval     Duration `json:"max_interval" yaml:"max_interval"`
	Multiplier      float64  `json:"multiplier" yaml:"multiplier"`
	MaxRounds       int      `json:"max_rounds" yaml:"max_rounds"` // 0 = unlimited
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "console" or "json"
}

// StoreConfig configures the optional result store.
type StoreConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Empty disables persistence
}

// Config is the top-level configuration.
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	Poll      PollConfig      `json:"poll" yaml:"poll"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Store     StoreConfig     `json:"store" yaml:"store"`
}
