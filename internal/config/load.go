package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
)

// Loaded captures the resolved config path and parsed values.
type Loaded struct {
	Path   string
	Config Config
	Exists bool
}

type fileConfig struct {
	Display  *string `json:"display"`
	Timeout  *string `json:"timeout"`
	LogLevel *string `json:"log_level"`
	LogFile  *bool   `json:"log_file"`
}

// ErrNoConfigHome reports that neither XDG_CONFIG_HOME nor the user home
// directory is known, so there is no default config location.
var ErrNoConfigHome = errors.New("unable to resolve user home for config fallback")

// ResolvePath applies NEXTCTL_CONFIG/XDG/home fallback rules.
func ResolvePath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("NEXTCTL_CONFIG")); explicit != "" {
		return explicit, nil
	}

	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "nextctl", "config.jsonc"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "", ErrNoConfigHome
	}
	return filepath.Join(home, ".config", "nextctl", "config.jsonc"), nil
}

// Load reads the config file if there is one, then applies environment
// overrides and validates the result. A missing file, or no default location
// to look for one, is not an error.
func Load() (Loaded, error) {
	loaded := Loaded{Config: Default()}

	path, err := ResolvePath()
	switch {
	case errors.Is(err, ErrNoConfigHome):
		return finish(loaded)
	case err != nil:
		return Loaded{}, err
	}
	loaded.Path = path

	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Loaded{}, fmt.Errorf("read config %q: %w", path, err)
	default:
		cfg, err := Parse(content, loaded.Config)
		if err != nil {
			return Loaded{}, fmt.Errorf("parse config %q: %w", path, err)
		}
		loaded.Config = cfg
		loaded.Exists = true
	}
	return finish(loaded)
}

func finish(loaded Loaded) (Loaded, error) {
	cfg, err := ApplyEnv(loaded.Config, os.Getenv)
	if err != nil {
		return Loaded{}, err
	}
	if err := Validate(cfg); err != nil {
		return Loaded{}, err
	}
	loaded.Config = cfg
	return loaded, nil
}

// Parse reads JSONC content over base. Comments and trailing commas are
// allowed; unknown keys are not.
func Parse(content []byte, base Config) (Config, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return base, nil
	}

	var raw fileConfig
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(content)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return Config{}, err
	}

	cfg := base
	if raw.Display != nil {
		cfg.Display = strings.TrimSpace(*raw.Display)
	}
	if raw.Timeout != nil {
		timeout, err := ParseTimeout(*raw.Timeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Timeout = timeout
	}
	if raw.LogLevel != nil {
		level, err := ParseLevel(*raw.LogLevel)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = level
	}
	if raw.LogFile != nil {
		cfg.LogFile = *raw.LogFile
	}
	return cfg, nil
}

// ApplyEnv overlays NEXTCTL_DISPLAY, NEXTCTL_TIMEOUT and NEXTCTL_LOG_LEVEL.
func ApplyEnv(cfg Config, getenv func(string) string) (Config, error) {
	if v := strings.TrimSpace(getenv("NEXTCTL_DISPLAY")); v != "" {
		cfg.Display = v
	}
	if v := getenv("NEXTCTL_TIMEOUT"); strings.TrimSpace(v) != "" {
		timeout, err := ParseTimeout(v)
		if err != nil {
			return Config{}, fmt.Errorf("NEXTCTL_TIMEOUT: %w", err)
		}
		cfg.Timeout = timeout
	}
	if v := getenv("NEXTCTL_LOG_LEVEL"); strings.TrimSpace(v) != "" {
		level, err := ParseLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("NEXTCTL_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}
	return cfg, nil
}
