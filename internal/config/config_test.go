package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.Equal(t, 128, cfg.EventsBuffer)
	assert.Equal(t, 10*time.Second, cfg.Scan.Duration)
	assert.Equal(t, 2*time.Second, cfg.Scan.StopTimeout)
	assert.Equal(t, 30*time.Second, cfg.Connection.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.Connection.DiscoveryTimeout)
	assert.Equal(t, 5*time.Second, cfg.Connection.OperationTimeout)
	assert.Equal(t, 5*time.Second, cfg.Connection.DisconnectTimeout)
	assert.Equal(t, 2*time.Second, cfg.Connection.CancelFallback)
	assert.Equal(t, uint32(256), cfg.Connection.NotificationBuffer)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", expected: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", expected: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", expected: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", expected: logrus.ErrorLevel},
		{name: "falls back to info on invalid level", logLevel: "chatty", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.LogLevel = tt.logLevel

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "zero scan duration", mutate: func(c *Config) { c.Scan.Duration = 0 }},
		{name: "negative connect timeout", mutate: func(c *Config) { c.Connection.ConnectTimeout = -time.Second }},
		{name: "zero cancel fallback", mutate: func(c *Config) { c.Connection.CancelFallback = 0 }},
		{name: "zero notification buffer", mutate: func(c *Config) { c.Connection.NotificationBuffer = 0 }},
		{name: "zero events buffer", mutate: func(c *Config) { c.EventsBuffer = 0 }},
		{name: "unknown output format", mutate: func(c *Config) { c.OutputFormat = "csv" }},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			assert.ErrorIs(t, err, device.ErrInvalidArgument)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("empty path yields defaults", func(t *testing.T) {
		cfg, err := Load("")

		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("file overrides only the given keys", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
backend: tinygo
scan:
  duration: 3s
connection:
  operation_timeout: 750ms
  notification_buffer: 64
`), 0o600))

		cfg, err := Load(path)

		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "tinygo", cfg.Backend)
		assert.Equal(t, 3*time.Second, cfg.Scan.Duration)
		assert.Equal(t, 2*time.Second, cfg.Scan.StopTimeout, "unset keys MUST keep defaults")
		assert.Equal(t, 750*time.Millisecond, cfg.Connection.OperationTimeout)
		assert.Equal(t, uint32(64), cfg.Connection.NotificationBuffer)
		assert.Equal(t, 30*time.Second, cfg.Connection.ConnectTimeout)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("scan:\n  duration: 0s\n"), 0o600))

		_, err := Load(path)

		assert.ErrorIs(t, err, device.ErrInvalidArgument)
	})

	t.Run("malformed yaml is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("scan: [unterminated"), 0o600))

		_, err := Load(path)

		assert.ErrorIs(t, err, device.ErrInvalidArgument)
	})
}
