package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel     string        `yaml:"log_level" default:"info"`
	ScanTimeout  time.Duration `yaml:"scan_timeout" default:"10s"`
	OutputFormat string        `yaml:"output_format" default:"table"` // table, json

	Bridge    BridgeConfig    `yaml:"bridge"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
}

// BridgeConfig sizes the pool that hosts blocking native calls.
type BridgeConfig struct {
	Workers     int           `yaml:"workers" default:"8"`
	CallTimeout time.Duration `yaml:"call_timeout" default:"0s"` // 0 disables
}

// LifecycleConfig controls teardown at scope exit and process shutdown.
type LifecycleConfig struct {
	HandleTeardownTimeout time.Duration `yaml:"handle_teardown_timeout" default:"2s"`
	SignalHook            bool          `yaml:"signal_hook" default:"false"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file. Fields missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the bridge cannot run with.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.Bridge.Workers <= 0 {
		return fmt.Errorf("bridge.workers must be positive, got %d", c.Bridge.Workers)
	}
	if c.Bridge.CallTimeout < 0 {
		return fmt.Errorf("bridge.call_timeout must not be negative, got %s", c.Bridge.CallTimeout)
	}
	if c.Lifecycle.HandleTeardownTimeout <= 0 {
		return fmt.Errorf("lifecycle.handle_teardown_timeout must be positive, got %s", c.Lifecycle.HandleTeardownTimeout)
	}
	return nil
}

// Level returns the configured log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
