package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"gopkg.in/yaml.v3"
)

// ScanConfig holds scan session settings
type ScanConfig struct {
	Duration    time.Duration `yaml:"duration" default:"10s"`
	StopTimeout time.Duration `yaml:"stop_timeout" default:"2s"`
}

// ConnectionConfig holds per-peripheral operation deadlines
type ConnectionConfig struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout" default:"30s"`
	DiscoveryTimeout   time.Duration `yaml:"discovery_timeout" default:"30s"`
	OperationTimeout   time.Duration `yaml:"operation_timeout" default:"5s"`
	DisconnectTimeout  time.Duration `yaml:"disconnect_timeout" default:"5s"`
	CancelFallback     time.Duration `yaml:"cancel_fallback" default:"2s"`
	NotificationBuffer uint32        `yaml:"notification_buffer" default:"256"`
}

// Config holds application configuration
type Config struct {
	LogLevel     string           `yaml:"log_level" default:"info"`
	Backend      string           `yaml:"backend"`
	OutputFormat string           `yaml:"output_format" default:"table"` // table, json
	EventsBuffer int              `yaml:"events_buffer" default:"128"`
	Scan         ScanConfig       `yaml:"scan"`
	Connection   ConnectionConfig `yaml:"connection"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file on top of the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, device.Errorf(device.KindInvalidArgument, "failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the central cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"scan.duration", c.Scan.Duration},
		{"scan.stop_timeout", c.Scan.StopTimeout},
		{"connection.connect_timeout", c.Connection.ConnectTimeout},
		{"connection.discovery_timeout", c.Connection.DiscoveryTimeout},
		{"connection.operation_timeout", c.Connection.OperationTimeout},
		{"connection.disconnect_timeout", c.Connection.DisconnectTimeout},
		{"connection.cancel_fallback", c.Connection.CancelFallback},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return device.Errorf(device.KindInvalidArgument, "%s must be positive, got %s", d.name, d.value)
		}
	}

	if c.Connection.NotificationBuffer == 0 {
		return device.Errorf(device.KindInvalidArgument, "connection.notification_buffer must be positive")
	}
	if c.EventsBuffer <= 0 {
		return device.Errorf(device.KindInvalidArgument, "events_buffer must be positive, got %d", c.EventsBuffer)
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		return device.Errorf(device.KindInvalidArgument, "output_format must be table or json, got %q", c.OutputFormat)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		return logrus.InfoLevel, device.Errorf(device.KindInvalidArgument, "invalid log level %q", c.LogLevel)
	}
	return level, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
