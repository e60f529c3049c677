package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/pushdeck/pushdeck.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pushdeck", "pushdeck.yaml"))
	}

	paths = append(paths, "pushdeck.yaml")

	if envPath := os.Getenv("PUSHDECK_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/pushdeck/pushdeck.yaml < ~/.config/pushdeck/pushdeck.yaml <
// ./pushdeck.yaml < $PUSHDECK_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Environment
// variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("PUSHDECK_HTTP_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if token := os.Getenv("PUSHDECK_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	if path := os.Getenv("PUSHDECK_DB_PATH"); path != "" {
		cfg.Database.Path = path
	}
	if addr := os.Getenv("PUSHDECK_GATE_ADDR"); addr != "" {
		cfg.Gate.Addr = addr
	}
	if level := os.Getenv("PUSHDECK_LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = level
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if cfg.Gate.Enabled && cfg.Gate.Addr == "" {
		return fmt.Errorf("gate.addr must not be empty when the gate is enabled")
	}
	if cfg.Sessions.HeartbeatInterval <= 0 {
		return fmt.Errorf("sessions.heartbeat_interval must be positive, got %s", cfg.Sessions.HeartbeatInterval)
	}
	if cfg.Sessions.MaxAge <= 0 {
		return fmt.Errorf("sessions.max_age must be positive, got %s", cfg.Sessions.MaxAge)
	}
	if cfg.Responses.GracePeriod < 0 {
		return fmt.Errorf("responses.grace_period must not be negative, got %s", cfg.Responses.GracePeriod)
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be at least 1")
	}
	if cfg.Jobs.SweepSchedule == "" || cfg.Jobs.EvictSchedule == "" {
		return fmt.Errorf("jobs.sweep_schedule and jobs.evict_schedule must not be empty")
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)

	return nil
}
