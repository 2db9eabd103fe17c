// Package config resolves, parses, validates, and defaults nextctl configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config is the fully materialized runtime configuration used by nextctl.
type Config struct {
	// Display overrides WAYLAND_DISPLAY. Empty keeps the environment.
	Display string
	// Timeout bounds each command. Zero waits for the compositor forever.
	Timeout  time.Duration
	LogLevel slog.Level
	// LogFile enables the JSONL log under XDG_STATE_HOME.
	LogFile bool
}

// Default returns the configuration used when no file or variable is set.
func Default() Config {
	return Config{
		LogLevel: slog.LevelInfo,
		LogFile:  true,
	}
}

// Validate rejects values the runner cannot act on.
func Validate(cfg Config) error {
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative (got %s)", cfg.Timeout)
	}
	if strings.ContainsRune(cfg.Display, 0) {
		return errors.New("display must not contain NUL")
	}
	return nil
}

// ParseLevel accepts debug, info, warn, or error (any case).
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", value)
}

// ParseTimeout accepts a Go duration; "" and "0" disable the timeout.
func ParseTimeout(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", value, err)
	}
	return d, nil
}
