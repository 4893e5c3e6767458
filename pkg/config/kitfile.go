package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrKitNotFound reports that no kit definition with the requested name
// exists in any search root.
var ErrKitNotFound = errors.New("kit not found")

// KitDirName is the subdirectory of each search root that holds kit files.
const KitDirName = "kit.d"

// Kit is one parsed kit definition: a named bundle of server entries in
// their declared order.
type Kit struct {
	Name        string
	Description string
	Servers     []KitServer

	// Path is the file the kit was read from.
	Path string
}

// KitServer pairs a server name with its definition, preserving the order
// the kit file declares.
type KitServer struct {
	Name  string
	Entry *ServerEntry
}

// UnmarshalJSON decodes a kit file. The servers object is walked with a
// token decoder so that declaration order survives into Servers.
func (k *Kit) UnmarshalJSON(data []byte) error {
	var head struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Servers     json.RawMessage `json:"servers"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	k.Name = head.Name
	k.Description = head.Description
	k.Servers = nil
	if len(head.Servers) == 0 || bytes.Equal(bytes.TrimSpace(head.Servers), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(head.Servers))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("kit servers: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("kit servers: expected object, got %v", tok)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("kit servers: %w", err)
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("kit servers: expected key, got %v", keyTok)
		}
		entry := &ServerEntry{}
		if err := dec.Decode(entry); err != nil {
			return fmt.Errorf("kit server %q: %w", name, err)
		}
		k.Servers = append(k.Servers, KitServer{Name: name, Entry: entry})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("kit servers: %w", err)
	}
	return nil
}

// KitSource discovers kit definitions under the kit.d subdirectory of each
// search root. Earlier roots shadow later ones for same-named kits, so
// MAGG_PATH entries win over the config directory.
type KitSource struct {
	dirs []string
	log  *slog.Logger
}

// NewKitSource builds a source from the settings' search paths plus the
// config directory.
func NewKitSource(searchPaths []string, configDir string, logger *slog.Logger) *KitSource {
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]bool)
	var dirs []string
	for _, root := range append(append([]string(nil), searchPaths...), configDir) {
		if root == "" {
			continue
		}
		dir := filepath.Join(root, KitDirName)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	return &KitSource{dirs: dirs, log: logger}
}

// Dirs returns the kit.d directories in search order.
func (s *KitSource) Dirs() []string {
	return append([]string(nil), s.dirs...)
}

// List parses every kit file found across the search roots. Unreadable or
// malformed files are logged and skipped; they never fail the whole listing.
func (s *KitSource) List() []*Kit {
	var kits []*Kit
	seen := make(map[string]bool)
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.log.Warn("kit dir unreadable", "dir", dir, "error", err)
			}
			continue
		}
		for _, ent := range entries {
			if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, ent.Name())
			kit, err := readKitFile(path)
			if err != nil {
				s.log.Warn("skipping malformed kit file", "path", path, "error", err)
				continue
			}
			if seen[kit.Name] {
				continue
			}
			seen[kit.Name] = true
			kits = append(kits, kit)
		}
	}
	return kits
}

// Get resolves one kit by name: first by <name>.json in search order, then
// by the declared name inside any discovered kit file. Returns
// ErrKitNotFound when nothing matches.
func (s *KitSource) Get(name string) (*Kit, error) {
	for _, dir := range s.dirs {
		path := filepath.Join(dir, name+".json")
		kit, err := readKitFile(path)
		if err == nil {
			return kit, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("kit file unreadable", "path", path, "error", err)
		}
	}
	for _, kit := range s.List() {
		if kit.Name == name {
			return kit, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKitNotFound, name)
}

func readKitFile(path string) (*Kit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	kit := &Kit{}
	if err := json.Unmarshal(data, kit); err != nil {
		return nil, fmt.Errorf("parse kit %s: %w", path, err)
	}
	if kit.Name == "" {
		kit.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	kit.Path = path
	return kit, nil
}
