package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{MaxConcurrency: 4},
		HTTP: HTTPConfig{
			Timeout: Duration(60 * time.Second),
			Headers: map[string]string{},
			Breaker: BreakerConfig{
				Enabled:             true,
				MaxRequests:         3,
				Timeout:             Duration(30 * time.Second),
				ConsecutiveFailures: 5,
			},
		},
		Poll: PollConfig{
			InitialInterval: Duration(time.Second),
			MaxInterval:     Duration(30 * time.Second),
			Multiplier:      1.5,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}
