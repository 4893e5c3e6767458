package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// ServerEntry is the persisted definition of one aggregated child server.
// Command selects a stdio launch; URI selects an HTTP endpoint. Enabled is
// configuration intent and may differ from live mounted state after a
// failed mount.
type ServerEntry struct {
	Source  string            `json:"source,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URI     string            `json:"uri,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Prefix  *string           `json:"prefix,omitempty"`
	Notes   string            `json:"notes,omitempty"`
	Enabled bool              `json:"enabled"`

	// Kit names the kit that introduced this entry; empty for servers
	// added standalone. Unloading a kit removes only entries it owns.
	Kit string `json:"kit,omitempty"`
}

// UnmarshalJSON decodes an entry with Enabled defaulting to true when the
// field is absent, matching how kit files and hand-written configs are read.
func (e *ServerEntry) UnmarshalJSON(data []byte) error {
	type plain ServerEntry
	tmp := plain{Enabled: true}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*e = ServerEntry(tmp)
	return nil
}

// Expanded returns a copy with ${VAR} / ${VAR:-default} references resolved
// in the launch-relevant string fields. Called at mount time so that env
// changes take effect on the next mount, not only at load.
func (e *ServerEntry) Expanded() *ServerEntry {
	out := e.Clone()
	out.Command = ExpandEnv(out.Command)
	out.Args = ExpandEnvSlice(out.Args)
	out.URI = ExpandEnv(out.URI)
	out.Env = ExpandEnvMap(out.Env)
	out.Cwd = ExpandEnv(out.Cwd)
	return out
}

// Clone returns a deep copy of the entry.
func (e *ServerEntry) Clone() *ServerEntry {
	out := *e
	out.Args = append([]string(nil), e.Args...)
	if e.Env != nil {
		out.Env = maps.Clone(e.Env)
	}
	if e.Prefix != nil {
		p := *e.Prefix
		out.Prefix = &p
	}
	return &out
}

// PrefixOrDefault resolves the namespace prefix for capabilities this server
// contributes: the explicit prefix when set (empty string disables
// prefixing), otherwise the server's own name.
func (e *ServerEntry) PrefixOrDefault(name string) string {
	if e.Prefix != nil {
		return *e.Prefix
	}
	return name
}

// KitRecord is the bookkeeping for a loaded kit.
type KitRecord struct {
	Description string `json:"description,omitempty"`
}

// Config is the root config.json document.
type Config struct {
	Servers map[string]*ServerEntry `json:"servers"`
	Kits    map[string]*KitRecord   `json:"kits,omitempty"`
}

// NewConfig returns an empty, usable Config.
func NewConfig() *Config {
	return &Config{Servers: make(map[string]*ServerEntry)}
}

// Clone returns a deep copy, used when diffing reloads against the previous
// state.
func (c *Config) Clone() *Config {
	out := NewConfig()
	for name, entry := range c.Servers {
		out.Servers[name] = entry.Clone()
	}
	if c.Kits != nil {
		out.Kits = make(map[string]*KitRecord, len(c.Kits))
		for name, rec := range c.Kits {
			r := *rec
			out.Kits[name] = &r
		}
	}
	return out
}

func (c *Config) normalize() {
	if c.Servers == nil {
		c.Servers = make(map[string]*ServerEntry)
	}
}

var serverNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
var prefixPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidateServerName reports whether name is usable as a server key: a
// letter followed by letters, digits, underscores, or hyphens.
func ValidateServerName(name string) error {
	if !serverNamePattern.MatchString(name) {
		return fmt.Errorf("invalid server name %q: must start with a letter and contain only letters, digits, '_' or '-'", name)
	}
	return nil
}

// ValidatePrefix reports whether prefix is usable as a tool-name prefix.
// Empty is allowed and disables prefixing.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("invalid prefix %q: must start with a letter and contain only letters, digits or '_'", prefix)
	}
	return nil
}

// Manager serializes access to one config.json file.
type Manager struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// NewManager builds a Manager for the given path. A nil logger falls back
// to slog.Default.
func NewManager(path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{path: path, log: logger}
}

// Path returns the config file location.
func (m *Manager) Path() string { return m.path }

// Dir returns the directory containing the config file.
func (m *Manager) Dir() string { return filepath.Dir(m.path) }

// Load reads the config file. A missing file yields a fresh empty config so
// that first runs work without setup; any other read or decode failure is
// an error.
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := m.read()
	if errors.Is(err, os.ErrNotExist) {
		m.log.Debug("config file missing, starting empty", "path", m.path)
		return NewConfig(), nil
	}
	return cfg, err
}

// Reload re-reads the config file, requiring it to exist. Used by the
// explicit reload operation, where a vanished file is a caller-visible
// failure rather than a fresh start.
func (m *Manager) Reload() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read()
}

func (m *Manager) read() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", m.path, err)
	}
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", m.path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes the config atomically: marshal to a temp file in the same
// directory, then rename over the target.
func (m *Manager) Save(cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config %s: %w", m.path, err)
	}
	return nil
}
