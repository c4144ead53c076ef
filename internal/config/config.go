package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Admission AdmissionConfig `yaml:"admission"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"` // listen address, e.g. ":8080"
	// HistoryCapacity bounds the per-session event ring buffer handed to
	// newly-subscribing browsers.
	HistoryCapacity int `yaml:"history_capacity"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // sqlite file path; ":memory:" for tests
}

type AuthConfig struct {
	// JWTSecret is base64-encoded. Empty means load-or-generate from the DB.
	JWTSecret string `yaml:"jwt_secret"`
}

type AdmissionConfig struct {
	SpawnWindow    time.Duration `yaml:"spawn_window"`      // rate-limit window
	SpawnMax       int           `yaml:"spawn_max"`         // max spawns per window per key
	MaxPerDaemon   int           `yaml:"max_per_daemon"`    // concurrency cap
	HTTPRatePerSec float64       `yaml:"http_rate_per_sec"` // per-IP abuse guard
	HTTPBurst      int           `yaml:"http_burst"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080", HistoryCapacity: 256},
		Database: DatabaseConfig{Path: "agentcast.db"},
		Admission: AdmissionConfig{
			SpawnWindow:    time.Minute,
			SpawnMax:       10,
			MaxPerDaemon:   3,
			HTTPRatePerSec: 20,
			HTTPBurst:      40,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a YAML file, falling back to defaults for
// anything unset. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Environment overrides
	if addr := os.Getenv("AGENTCAST_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if dbPath := os.Getenv("AGENTCAST_DB"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if secret := os.Getenv("AGENTCAST_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for nonsense values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Server.HistoryCapacity <= 0 {
		return fmt.Errorf("server.history_capacity must be positive")
	}
	if c.Admission.SpawnWindow <= 0 {
		return fmt.Errorf("admission.spawn_window must be positive")
	}
	if c.Admission.SpawnMax <= 0 {
		return fmt.Errorf("admission.spawn_max must be positive")
	}
	if c.Admission.MaxPerDaemon <= 0 {
		return fmt.Errorf("admission.max_per_daemon must be positive")
	}
	return nil
}
