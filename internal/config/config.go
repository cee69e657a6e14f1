// Package config loads r2-mcp settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config holds global configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Tools   ToolsConfig   `yaml:"tools"`
	Backend BackendConfig `yaml:"backend"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	Name         string        `yaml:"name"`
	Version      string        `yaml:"version"`
	Instructions string        `yaml:"instructions"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ToolsConfig struct {
	PageSize     int      `yaml:"page_size"`
	AllowedPaths []string `yaml:"allowed_paths"` // doublestar globs; empty allows everything
}

type BackendConfig struct {
	R2Path string   `yaml:"r2_path"`
	Args   []string `yaml:"args"`
}

// CacheConfig configures the Redis output cache. An empty URL disables it.
type CacheConfig struct {
	RedisURL   string `yaml:"redis_url"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // error|warn|info|debug
	File  string `yaml:"file"`  // "-" for stderr
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// envOverrides lists the settings that may come from the environment.
type envOverrides struct {
	LogLevel     string   `env:"R2MCP_LOG_LEVEL"`
	LogFile      string   `env:"R2MCP_LOG_FILE"`
	R2Path       string   `env:"R2MCP_R2_PATH"`
	RedisURL     string   `env:"R2MCP_REDIS_URL"`
	PageSize     int      `env:"R2MCP_PAGE_SIZE,strict"`
	AllowedPaths []string `env:"R2MCP_ALLOWED_PATHS"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	cacheDir := filepath.Join(homeDir(), ".cache", "r2-mcp")

	return &Config{
		Server: ServerConfig{
			Name:         "Radare2 MCP Connector",
			Version:      "1.0.0",
			Instructions: "Use this server to analyze binaries with radare2",
			PollInterval: 100 * time.Millisecond,
		},
		Tools: ToolsConfig{
			PageSize: 10,
		},
		Backend: BackendConfig{
			R2Path: "r2",
		},
		Cache: CacheConfig{
			TTLMinutes: 60,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(cacheDir, "server.log"),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    filepath.Join(cacheDir, "metrics.jsonl"),
		},
	}
}

// DefaultPath returns the config file consulted when none is given.
func DefaultPath() string {
	return filepath.Join(homeDir(), ".config", "r2-mcp", "config.yaml")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// LoadConfig loads config from file or returns defaults, then applies
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Use defaults
	default:
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("reading environment: %w", err)
	}

	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.LogFile != "" {
		c.Logging.File = env.LogFile
	}
	if env.R2Path != "" {
		c.Backend.R2Path = env.R2Path
	}
	if env.RedisURL != "" {
		c.Cache.RedisURL = env.RedisURL
	}
	if env.PageSize != 0 {
		c.Tools.PageSize = env.PageSize
	}
	if len(env.AllowedPaths) > 0 {
		c.Tools.AllowedPaths = env.AllowedPaths
	}

	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Tools.PageSize <= 0 {
		return fmt.Errorf("tools.page_size must be positive, got %d", c.Tools.PageSize)
	}
	if c.Server.PollInterval <= 0 {
		return fmt.Errorf("server.poll_interval must be positive, got %s", c.Server.PollInterval)
	}
	if c.Cache.TTLMinutes < 0 {
		return fmt.Errorf("cache.ttl_minutes must not be negative, got %d", c.Cache.TTLMinutes)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// CacheTTL returns the cache entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMinutes) * time.Minute
}

// ParseLevel maps a logging.level value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}
