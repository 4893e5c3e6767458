package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Environment variables recognized by magg. All are optional.
const (
	EnvConfigPath     = "MAGG_CONFIG_PATH"
	EnvPath           = "MAGG_PATH"
	EnvKitChangesOnly = "MAGG_KIT_CHANGES_ONLY"
	EnvSelfPrefix     = "MAGG_SELF_PREFIX"
	EnvLogLevel       = "MAGG_LOG_LEVEL"
)

// ConfigDirName is the per-project and per-user directory magg keeps its
// state in (".magg/config.json").
const ConfigDirName = ".magg"

// Settings are the process-wide knobs sourced from the environment. They are
// captured once and passed around explicitly; nothing in the aggregator
// reads the environment on a hot path.
type Settings struct {
	// ConfigPath is the config.json location. Empty means "discover":
	// ./.magg/config.json when present, otherwise ~/.magg/config.json.
	ConfigPath string

	// SearchPaths are extra roots (from MAGG_PATH, list-separated) whose
	// kit.d subdirectories are searched for kit definitions before the
	// config directory's own kit.d.
	SearchPaths []string

	// KitChangesOnly restricts the aggregator's own tool surface to kit
	// management, views, and the proxy tool.
	KitChangesOnly bool

	// SelfPrefix is the prefix for the aggregator's own tool names.
	SelfPrefix string

	// LogLevel for the process logger.
	LogLevel slog.Level
}

// LoadSettings captures Settings from the current environment.
func LoadSettings() Settings {
	s := Settings{
		ConfigPath:     os.Getenv(EnvConfigPath),
		KitChangesOnly: envBool(EnvKitChangesOnly, false),
		SelfPrefix:     "magg",
		LogLevel:       slog.LevelInfo,
	}
	if v := os.Getenv(EnvSelfPrefix); v != "" {
		s.SelfPrefix = v
	}
	if v := os.Getenv(EnvPath); v != "" {
		for _, p := range filepath.SplitList(v) {
			if p = strings.TrimSpace(p); p != "" {
				s.SearchPaths = append(s.SearchPaths, p)
			}
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		s.LogLevel = parseLogLevel(v)
	}
	return s
}

// ResolveConfigPath returns the effective config.json path for these
// settings, applying the discovery order documented on ConfigPath.
func (s Settings) ResolveConfigPath() string {
	if s.ConfigPath != "" {
		return s.ConfigPath
	}
	local := filepath.Join(ConfigDirName, "config.json")
	if _, err := os.Stat(local); err == nil {
		return local
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return local
	}
	return filepath.Join(home, ConfigDirName, "config.json")
}

func envBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	switch strings.ToLower(v) {
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	return fallback
}

func parseLogLevel(v string) slog.Level {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
