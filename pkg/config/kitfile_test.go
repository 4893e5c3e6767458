package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const orderedKitJSON = `{
  "name": "web-tools",
  "description": "Servers for web work",
  "servers": {
    "zulu": {"source": "https://example.com/zulu", "command": "npx", "args": ["zulu"]},
    "alpha": {"uri": "https://alpha.example.com/mcp", "enabled": false},
    "mike": {"command": "uvx", "args": ["mike"]}
  }
}`

func TestKitFilePreservesServerOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "web-tools.json")
	if err := os.WriteFile(path, []byte(orderedKitJSON), 0o644); err != nil {
		t.Fatalf("write kit: %v", err)
	}

	kit, err := readKitFile(path)
	if err != nil {
		t.Fatalf("readKitFile: %v", err)
	}
	if kit.Name != "web-tools" || kit.Description == "" {
		t.Fatalf("kit header mismatch: %#v", kit)
	}
	wantOrder := []string{"zulu", "alpha", "mike"}
	if len(kit.Servers) != len(wantOrder) {
		t.Fatalf("expected %d servers, got %d", len(wantOrder), len(kit.Servers))
	}
	for i, want := range wantOrder {
		if kit.Servers[i].Name != want {
			t.Fatalf("server %d = %q, want %q (order must match declaration)", i, kit.Servers[i].Name, want)
		}
	}
	if kit.Servers[1].Entry.Enabled {
		t.Fatalf("alpha should be disabled")
	}
	if !kit.Servers[0].Entry.Enabled {
		t.Fatalf("zulu should default to enabled")
	}
}

func TestKitSourceDiscovery(t *testing.T) {
	t.Parallel()

	first := t.TempDir()
	second := t.TempDir()
	mustWriteKit(t, first, "shared.json", `{"name": "shared", "description": "from first root", "servers": {}}`)
	mustWriteKit(t, second, "shared.json", `{"name": "shared", "description": "from second root", "servers": {}}`)
	mustWriteKit(t, second, "solo.json", `{"name": "solo", "servers": {"one": {"command": "echo"}}}`)
	mustWriteKit(t, second, "broken.json", `{not json`)

	src := NewKitSource([]string{first}, second, nil)

	kits := src.List()
	byName := map[string]*Kit{}
	for _, k := range kits {
		byName[k.Name] = k
	}
	if len(byName) != 2 {
		t.Fatalf("expected 2 kits (shared deduped, broken skipped), got %d", len(kits))
	}
	if byName["shared"].Description != "from first root" {
		t.Fatalf("earlier root should shadow later: %q", byName["shared"].Description)
	}

	solo, err := src.Get("solo")
	if err != nil {
		t.Fatalf("Get(solo): %v", err)
	}
	if len(solo.Servers) != 1 || solo.Servers[0].Name != "one" {
		t.Fatalf("solo kit mismatch: %#v", solo.Servers)
	}

	if _, err := src.Get("missing"); !errors.Is(err, ErrKitNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrKitNotFound", err)
	}
}

func TestKitSourceGetByDeclaredName(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	mustWriteKit(t, root, "zz-renamed.json", `{"name": "inner-name", "servers": {}}`)

	src := NewKitSource(nil, root, nil)
	kit, err := src.Get("inner-name")
	if err != nil {
		t.Fatalf("Get by declared name: %v", err)
	}
	if filepath.Base(kit.Path) != "zz-renamed.json" {
		t.Fatalf("unexpected kit path %q", kit.Path)
	}
}

func TestKitNameFallsBackToFileName(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	mustWriteKit(t, root, "anon.json", `{"servers": {}}`)

	src := NewKitSource(nil, root, nil)
	kit, err := src.Get("anon")
	if err != nil {
		t.Fatalf("Get(anon): %v", err)
	}
	if kit.Name != "anon" {
		t.Fatalf("kit name = %q, want file-derived", kit.Name)
	}
}

func mustWriteKit(t *testing.T, root, name, body string) {
	t.Helper()
	dir := filepath.Join(root, KitDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write kit %s: %v", name, err)
	}
}
