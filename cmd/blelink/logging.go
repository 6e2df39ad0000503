package main

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/config"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	logLevel   string
	configPath string
	backend    string
}

// loadConfig reads --config and applies flag overrides on top of it.
//
// Without --log-level and without a config file the CLI only logs errors, so
// command output stays readable.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	switch {
	case o.logLevel != "":
		cfg.LogLevel = o.logLevel
	case o.configPath == "":
		cfg.LogLevel = logrus.ErrorLevel.String()
	}
	if o.backend != "" {
		cfg.Backend = o.backend
	}
	if cfg.Backend == "" {
		cfg.Backend = defaultBackend
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureLogger creates the logger for cfg, writing to w.
func configureLogger(cfg *config.Config, w io.Writer) *logrus.Logger {
	logger := cfg.NewLogger()
	logger.SetOutput(w)
	return logger
}
