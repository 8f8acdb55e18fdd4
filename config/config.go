// Package config manages flowjobs configuration via Viper.
//
// Configuration is read from flowjobs.toml (current directory or
// ~/.flowjobs/), with FLOWJOBS_ environment variable overrides and sensible
// defaults for every option.
package config

import "time"

// Config represents the flowjobs service configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the flowjobs HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SchedulerConfig configures the in-memory trigger engine
type SchedulerConfig struct {
	// TickIntervalSeconds is how often the engine checks for due triggers (default: 1)
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"`

	// EventBufferSize is the capacity of the lifecycle event channel (default: 256)
	EventBufferSize int `mapstructure:"event_buffer_size"`
}

// WebhookConfig configures outbound job-completion notifications
type WebhookConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	URL            string `mapstructure:"url"`
	Secret         string `mapstructure:"secret"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // per-attempt timeout (default: 10)
	Retries        int    `mapstructure:"retries"`         // bounded attempt count, >= 1 (default: 3)
	UserAgent      string `mapstructure:"user_agent"`
	RatePerMinute  int    `mapstructure:"rate_per_minute"` // outbound notification cap, 0 = unlimited
}

// DefaultServerPort is used when server.port is not configured
const DefaultServerPort = 7710

// TickInterval returns the scheduler tick interval as a duration
func (c SchedulerConfig) TickInterval() time.Duration {
	if c.TickIntervalSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// Timeout returns the per-attempt webhook timeout as a duration
func (c WebhookConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}
