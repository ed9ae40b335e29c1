// Package config loads statbridge settings: a YAML engine file describing
// how to launch and talk to the Stata worker, overridable through
// STATBRIDGE_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const namespace = "STATBRIDGE"

// Env holds environment-derived settings.
type Env struct {
	ConfigPath string `envconfig:"CONFIG" default:""`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	// EngineEnv is appended to the worker process environment and survives
	// forced connection refreshes (licensing, PATH fixes).
	EngineEnv []string `envconfig:"ENGINE_ENV"`
}

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *Env) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Engine describes how to launch the worker process.
type Engine struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	Edition string   `yaml:"edition"`
	WorkDir string   `yaml:"work_dir"`
}

// Config is the full YAML configuration file.
type Config struct {
	Engine Engine `yaml:"engine"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// PollInterval paces the completion-poll fallback and the tail loop
	// when a read returns no new bytes.
	PollInterval time.Duration `yaml:"poll_interval"`
	LogChunkSize int64         `yaml:"log_chunk_bytes"`
}

func Default() *Config {
	return &Config{
		Engine: Engine{
			Command: "stata-mcp",
		},
		ConnectTimeout: 30 * time.Second,
		PollInterval:   500 * time.Millisecond,
		LogChunkSize:   64 * 1024,
	}
}

// UnmarshalYAML accepts durations in time.ParseDuration notation ("30s",
// "250ms") rather than raw nanosecond integers.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Engine         Engine `yaml:"engine"`
		ConnectTimeout string `yaml:"connect_timeout"`
		PollInterval   string `yaml:"poll_interval"`
		LogChunkSize   int64  `yaml:"log_chunk_bytes"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.Engine = raw.Engine
	c.LogChunkSize = raw.LogChunkSize
	for _, f := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &c.ConnectTimeout},
		{"poll_interval", raw.PollInterval, &c.PollInterval},
	} {
		if f.in == "" {
			*f.out = 0
			continue
		}
		d, err := time.ParseDuration(f.in)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.out = d
	}
	return nil
}

// Load reads the YAML file at path, falling back to defaults when path is
// empty or the file does not exist. Zero-valued durations and sizes are
// filled from defaults so a partial file stays valid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Engine.Command == "" {
		cfg.Engine.Command = Default().Engine.Command
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = Default().ConnectTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = Default().PollInterval
	}
	if cfg.LogChunkSize <= 0 {
		cfg.LogChunkSize = Default().LogChunkSize
	}
	return cfg, nil
}
