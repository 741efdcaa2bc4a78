// Package config provides configuration loading and hot reload for
// the modelq daemon: backend selection, storage and endpoint settings,
// HTTP listen address and logging.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// BackendConfig selects and configures the query backend.
type BackendConfig struct {
	// Kind is "memory", "sqlite" or "graphql".
	Kind string `yaml:"kind"`

	SQLite  SQLiteConfig  `yaml:"sqlite,omitempty"`
	GraphQL GraphQLConfig `yaml:"graphql,omitempty"`
}

// SQLiteConfig configures the local store backend.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// GraphQLConfig configures the network backend.
type GraphQLConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Timeout  time.Duration     `yaml:"timeout,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file expand before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = "memory"
	}
	if cfg.Backend.SQLite.Path == "" {
		cfg.Backend.SQLite.Path = "modelq.db"
	}
	if cfg.Backend.GraphQL.Timeout == 0 {
		cfg.Backend.GraphQL.Timeout = 10 * time.Second
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	switch cfg.Backend.Kind {
	case "memory", "sqlite":
	case "graphql":
		if cfg.Backend.GraphQL.Endpoint == "" {
			return fmt.Errorf("graphql backend requires an endpoint")
		}
	default:
		return fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.Logging.Level)
	}

	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", cfg.Logging.Format)
	}
	return nil
}
