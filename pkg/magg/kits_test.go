package magg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// writeKitFile drops a kit definition into the aggregator's kit.d directory.
func writeKitFile(t *testing.T, a *Aggregator, filename, content string) string {
	t.Helper()
	dir := filepath.Join(filepath.Dir(a.ConfigPath()), "kit.d")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir kit.d: %v", err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write kit file: %v", err)
	}
	return path
}

func TestLoadKitMountsDeclaredServers(t *testing.T) {
	t.Parallel()

	child, endpoint := newChildServer(t, "kid", nil)
	addEchoTool(child, "echo")

	a := newTestAggregator(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	writeKitFile(t, a, "bundle.json", fmt.Sprintf(`{
		"description": "one child",
		"servers": {"kid": {"uri": %q}}
	}`, endpoint))

	cc := &countingContext{}
	res := a.LoadKit(ctx, "bundle", cc)
	if !res.Success {
		t.Fatalf("LoadKit: %s", res.Message)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("LoadKit reported member errors: %v", res.Errors)
	}
	if res.Output["kit"] != "bundle" {
		t.Fatalf("kit = %v, expected bundle", res.Output["kit"])
	}
	if added, ok := res.Output["servers_added"].([]string); !ok || !reflect.DeepEqual(added, []string{"kid"}) {
		t.Fatalf("servers_added = %v", res.Output["servers_added"])
	}
	cc.assertCounts(t, 1)

	entry := a.entryClone("kid")
	if entry == nil || entry.Kit != "bundle" {
		t.Fatalf("kit member entry not tagged: %+v", entry)
	}
	if !a.isMounted("kid") {
		t.Fatalf("kit member not mounted")
	}
	if _, ok := a.registry.ToolTarget("kid_echo"); !ok {
		t.Fatalf("kit member tools not registered")
	}

	res = a.LoadKit(ctx, "bundle", cc)
	if res.Success {
		t.Fatalf("second load of the same kit should fail")
	}
	if !strings.Contains(res.Message, "already loaded") {
		t.Fatalf("unexpected double-load message: %s", res.Message)
	}
	cc.assertCounts(t, 2)
}

func TestLoadKitMissing(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, nil)
	res := a.LoadKit(context.Background(), "ghost", nil)
	if res.Success {
		t.Fatalf("loading a missing kit should fail")
	}
	if !strings.Contains(res.Message, "not found") {
		t.Fatalf("unexpected message: %s", res.Message)
	}
}

func TestLoadKitUsesDeclaredName(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, nil)
	ctx := context.Background()

	writeKitFile(t, a, "team.json", `{
		"name": "alpha",
		"servers": {"member": {"command": "true", "enabled": false}}
	}`)

	res := a.LoadKit(ctx, "team", nil)
	if !res.Success {
		t.Fatalf("LoadKit: %s", res.Message)
	}
	if res.Output["kit"] != "alpha" {
		t.Fatalf("kit = %v, expected declared name alpha", res.Output["kit"])
	}
	if entry := a.entryClone("member"); entry == nil || entry.Kit != "alpha" {
		t.Fatalf("member not tagged with declared kit name: %+v", entry)
	}

	if res := a.LoadKit(ctx, "alpha", nil); res.Success {
		t.Fatalf("kit should already be loaded under its declared name")
	}
	if res := a.UnloadKit(ctx, "alpha", nil); !res.Success {
		t.Fatalf("unload by declared name: %s", res.Message)
	}
}

func TestUnloadKitRemovesOnlyOwnedServers(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, nil)
	ctx := context.Background()

	writeKitFile(t, a, "team.json", `{
		"servers": {
			"kitsrv":  {"command": "true", "enabled": false},
			"sharing": {"command": "true", "enabled": false}
		}
	}`)

	// A standalone entry claims one of the kit's names first.
	off := false
	if res := a.AddServer(ctx, AddServerArgs{Name: "sharing", Command: "true", Enable: &off}, nil); !res.Success {
		t.Fatalf("AddServer sharing: %s", res.Message)
	}
	if res := a.AddServer(ctx, AddServerArgs{Name: "solo", Command: "true", Enable: &off}, nil); !res.Success {
		t.Fatalf("AddServer solo: %s", res.Message)
	}

	res := a.LoadKit(ctx, "team", nil)
	if !res.Success {
		t.Fatalf("LoadKit: %s", res.Message)
	}
	// The name collision is reported without aborting the rest.
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "sharing") {
		t.Fatalf("expected one collision warning, got %v", res.Errors)
	}
	if added, ok := res.Output["servers_added"].([]string); !ok || !reflect.DeepEqual(added, []string{"kitsrv"}) {
		t.Fatalf("servers_added = %v", res.Output["servers_added"])
	}

	cc := &countingContext{}
	ures := a.UnloadKit(ctx, "team", cc)
	if !ures.Success {
		t.Fatalf("UnloadKit: %s", ures.Message)
	}
	if removed, ok := ures.Output["servers_removed"].([]string); !ok || !reflect.DeepEqual(removed, []string{"kitsrv"}) {
		t.Fatalf("servers_removed = %v", ures.Output["servers_removed"])
	}
	cc.assertCounts(t, 1)

	if a.entryClone("kitsrv") != nil {
		t.Fatalf("kit-owned server survived unload")
	}
	if a.entryClone("sharing") == nil || a.entryClone("solo") == nil {
		t.Fatalf("standalone servers must survive a kit unload")
	}

	ures = a.UnloadKit(ctx, "team", nil)
	if ures.Success {
		t.Fatalf("second unload should fail")
	}
	if !strings.Contains(ures.Message, "not loaded") {
		t.Fatalf("unexpected second-unload message: %s", ures.Message)
	}
}

func TestListKitsAndKitInfo(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, nil)
	ctx := context.Background()

	writeKitFile(t, a, "dev.json", `{
		"description": "development bundle",
		"servers": {"tool": {"command": "true", "enabled": false}}
	}`)
	vanishing := writeKitFile(t, a, "gone.json", `{
		"description": "about to vanish",
		"servers": {"brief": {"command": "true", "enabled": false}}
	}`)

	if res := a.LoadKit(ctx, "dev", nil); !res.Success {
		t.Fatalf("LoadKit dev: %s", res.Message)
	}
	if res := a.LoadKit(ctx, "gone", nil); !res.Success {
		t.Fatalf("LoadKit gone: %s", res.Message)
	}
	if err := os.Remove(vanishing); err != nil {
		t.Fatalf("remove kit file: %v", err)
	}

	res := a.ListKits(ctx)
	if !res.Success {
		t.Fatalf("ListKits: %s", res.Message)
	}
	if res.Output["total"] != 2 {
		t.Fatalf("total = %v, expected 2", res.Output["total"])
	}
	kits, ok := res.Output["kits"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected kits payload: %+v", res.Output["kits"])
	}
	dev, ok := kits["dev"].(map[string]any)
	if !ok || dev["loaded"] != true || dev["description"] != "development bundle" || dev["servers"] != 1 {
		t.Fatalf("unexpected dev listing: %+v", kits["dev"])
	}
	gone, ok := kits["gone"].(map[string]any)
	if !ok || gone["loaded"] != true || gone["missing"] != true {
		t.Fatalf("vanished kit should stay listed as loaded+missing: %+v", kits["gone"])
	}

	info := a.KitInfo(ctx, "dev")
	if !info.Success {
		t.Fatalf("KitInfo: %s", info.Message)
	}
	if info.Output["name"] != "dev" || info.Output["loaded"] != true {
		t.Fatalf("unexpected kit info header: %+v", info.Output)
	}
	servers, ok := info.Output["servers"].([]map[string]any)
	if !ok || len(servers) != 1 {
		t.Fatalf("unexpected kit info servers: %+v", info.Output["servers"])
	}
	member := servers[0]
	if member["name"] != "tool" || member["present"] != true || member["mounted"] != false ||
		member["enabled"] != false || member["command"] != "true" {
		t.Fatalf("unexpected member info: %+v", member)
	}

	if res := a.KitInfo(ctx, "ghost"); res.Success {
		t.Fatalf("KitInfo on a missing kit should fail")
	}
}
