package magg

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sitbon/magg-go/pkg/config"
)

func TestKitChangesOnlyToolVisibility(t *testing.T) {
	t.Parallel()

	child, endpoint := newChildServer(t, "worker", nil)
	addEchoTool(child, "echo")

	a := newTestAggregator(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if res := a.AddServer(ctx, AddServerArgs{Name: "worker", URI: endpoint}, nil); !res.Success {
		t.Fatalf("AddServer: %s", res.Message)
	}

	a.SetMode(ModeKitChangesOnly)
	session := connectFrontend(t, ctx, a, nil)
	names := frontToolNames(t, ctx, session)

	visible := []string{
		"magg_load_kit", "magg_unload_kit", "magg_list_kits", "magg_kit_info",
		"magg_list_servers", "magg_status", "proxy",
	}
	hidden := []string{
		"magg_add_server", "magg_remove_server", "magg_enable_server",
		"magg_disable_server", "magg_analyze_servers", "magg_search_servers",
		"magg_smart_configure", "magg_check", "magg_reload_config",
	}
	for _, name := range visible {
		if !names[name] {
			t.Fatalf("tool %s hidden in kit-changes-only mode", name)
		}
	}
	for _, name := range hidden {
		if names[name] {
			t.Fatalf("tool %s listed in kit-changes-only mode", name)
		}
	}
	// Contributed capabilities are never filtered by mode.
	if !names["worker_echo"] {
		t.Fatalf("child tool hidden in kit-changes-only mode")
	}

	// The flip back applies to the very next request on the same session.
	a.SetMode(ModeFull)
	names = frontToolNames(t, ctx, session)
	for _, name := range hidden {
		if !names[name] {
			t.Fatalf("tool %s still hidden after returning to full mode", name)
		}
	}
}

func TestKitChangesOnlyRejectsHiddenCalls(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, nil)
	a.SetMode(ModeKitChangesOnly)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session := connectFrontend(t, ctx, a, nil)
	_, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "magg_reload_config",
		Arguments: map[string]any{},
	})
	if err == nil {
		t.Fatalf("hidden tool call succeeded in kit-changes-only mode")
	}
	if !strings.Contains(err.Error(), "not available in kit-changes-only mode") {
		t.Fatalf("unexpected rejection: %v", err)
	}

	// Visible tools keep working under the restricted mode.
	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "magg_status",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("magg_status under kit-changes-only mode: %v", err)
	}
	if res.IsError {
		t.Fatalf("magg_status reported error: %+v", res.Content)
	}
}

func TestKitChangesOnlySettingsFlag(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, &Options{
		Settings: &config.Settings{SelfPrefix: "magg", KitChangesOnly: true},
	})
	if a.Mode() != ModeKitChangesOnly {
		t.Fatalf("mode = %v, expected kit-changes-only from settings", a.Mode())
	}
	if got := a.Mode().String(); got != "kit-changes-only" {
		t.Fatalf("mode string = %q", got)
	}
}
