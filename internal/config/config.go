// Package config holds the typed runtime configuration. Values come from
// YAML files layered with environment overrides; everything is validated once
// at startup and never consulted dynamically after that.
package config

import "time"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gate      GateConfig      `yaml:"gate"`
	Database  DatabaseConfig  `yaml:"database"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Responses ResponsesConfig `yaml:"responses"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Jobs      JobsConfig      `yaml:"jobs"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`
}

// GateConfig configures the agent-facing gRPC listener.
type GateConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SessionsConfig struct {
	SinglePerUser     bool          `yaml:"single_per_user"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxAge            time.Duration `yaml:"max_age"`
}

type ResponsesConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// JobsConfig holds the cron expressions for the background maintenance jobs.
type JobsConfig struct {
	SweepSchedule string `yaml:"sweep_schedule"`
	EvictSchedule string `yaml:"evict_schedule"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      "127.0.0.1:8460",
			AuthToken: "pushdeck-dev-token",
			LogLevel:  "info",
		},
		Gate: GateConfig{
			Enabled: true,
			Addr:    "127.0.0.1:50061",
		},
		Database: DatabaseConfig{
			Path: "~/.config/pushdeck/pushdeck.db",
		},
		Sessions: SessionsConfig{
			SinglePerUser:     false,
			HeartbeatInterval: 30 * time.Second,
			MaxAge:            12 * time.Hour,
		},
		Responses: ResponsesConfig{
			GracePeriod: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Jobs: JobsConfig{
			SweepSchedule: "@every 1m",
			EvictSchedule: "@every 5m",
		},
	}
}
