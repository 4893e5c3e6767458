package magg

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ServerNameArgs name one configured server.
type ServerNameArgs struct {
	Name string `json:"name" jsonschema:"Server name"`
}

// KitNameArgs name one kit.
type KitNameArgs struct {
	Name string `json:"name" jsonschema:"Kit name"`
}

// registerTools installs the management tools plus proxy on the frontend
// server. Management tools carry the self prefix; proxy keeps its bare name
// so clients find it regardless of how the instance is configured.
func (a *Aggregator) registerTools() {
	selfName := func(op string) string { return a.settings.SelfPrefix + "_" + op }
	readOnly := &mcp.ToolAnnotations{ReadOnlyHint: true}

	addServer := selfName("add_server")
	a.builtins[addServer] = tagServerManagement
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        addServer,
		Description: "Add an MCP server to the configuration and mount it. Provide a command for stdio servers or a uri for HTTP servers.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args AddServerArgs) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, func(ctx context.Context) *Result {
			return a.AddServer(ctx, args, a.publisher)
		}), nil
	})

	removeServer := selfName("remove_server")
	a.builtins[removeServer] = tagServerManagement
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        removeServer,
		Description: "Unmount a server and delete its configuration entry.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ServerNameArgs) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, func(ctx context.Context) *Result {
			return a.RemoveServer(ctx, args.Name, a.publisher)
		}), nil
	})

	enableServer := selfName("enable_server")
	a.builtins[enableServer] = tagServerManagement
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        enableServer,
		Description: "Enable a configured server and mount it.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ServerNameArgs) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, func(ctx context.Context) *Result {
			return a.EnableServer(ctx, args.Name, a.publisher)
		}), nil
	})

	disableServer := selfName("disable_server")
	a.builtins[disableServer] = tagServerManagement
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        disableServer,
		Description: "Unmount a server and mark it disabled. The entry stays configured for later re-enable.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ServerNameArgs) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, func(ctx context.Context) *Result {
			return a.DisableServer(ctx, args.Name, a.publisher)
		}), nil
	})

	listServers := selfName("list_servers")
	a.builtins[listServers] = tagView
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        listServers,
		Description: "List every configured server with its enabled and mounted state.",
		Annotations: readOnly,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, a.ListServers), nil
	})

	status := selfName("status")
	a.builtins[status] = tagView
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        status,
		Description: "Report aggregator status: server counts, aggregated capabilities, loaded kits, mode, and uptime.",
		Annotations: readOnly,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, a.Status), nil
	})

	analyze := selfName("analyze_servers")
	a.builtins[analyze] = tagServerManagement
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        analyze,
		Description: "Probe each configured server and report transport, live connection status, and contributed capability counts.",
		Annotations: readOnly,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, a.AnalyzeServers), nil
	})

	search := selfName("search_servers")
	a.builtins[search] = tagServerManagement
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        search,
		Description: "Search the public MCP server catalog for servers to add.",
		Annotations: readOnly,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args SearchArgs) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, func(ctx context.Context) *Result {
			return a.SearchServers(ctx, args)
		}), nil
	})

	smart := selfName("smart_configure")
	a.builtins[smart] = tagServerManagement
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        smart,
		Description: "Derive an add_server configuration from a package name, repository URL, or endpoint. Suggests only; nothing is persisted.",
		Annotations: readOnly,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args SmartConfigureArgs) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, func(ctx context.Context) *Result {
			return a.SmartConfigure(ctx, args)
		}), nil
	})

	check := selfName("check")
	a.builtins[check] = tagHealth
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        check,
		Description: "Ping every mounted server. Action report only lists results; disable or unmount remediate the unresponsive ones.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args CheckArgs) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, func(ctx context.Context) *Result {
			return a.Check(ctx, args, a.publisher)
		}), nil
	})

	reload := selfName("reload_config")
	a.builtins[reload] = tagReload
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        reload,
		Description: "Re-read the configuration file and reconcile mounts with it.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, func(ctx context.Context) *Result {
			return a.ReloadConfig(ctx, a.publisher)
		}), nil
	})

	loadKit := selfName("load_kit")
	a.builtins[loadKit] = tagKitManagement
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        loadKit,
		Description: "Load a kit: add and mount every server the kit file declares.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args KitNameArgs) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, func(ctx context.Context) *Result {
			return a.LoadKit(ctx, args.Name, a.publisher)
		}), nil
	})

	unloadKit := selfName("unload_kit")
	a.builtins[unloadKit] = tagKitManagement
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        unloadKit,
		Description: "Unload a kit: remove every server entry the kit owns.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args KitNameArgs) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, func(ctx context.Context) *Result {
			return a.UnloadKit(ctx, args.Name, a.publisher)
		}), nil
	})

	listKits := selfName("list_kits")
	a.builtins[listKits] = tagKitManagement
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        listKits,
		Description: "List discoverable kits and whether each is loaded.",
		Annotations: readOnly,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, a.ListKits), nil
	})

	kitInfo := selfName("kit_info")
	a.builtins[kitInfo] = tagKitManagement
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        kitInfo,
		Description: "Describe one kit: its servers, and which are present and mounted.",
		Annotations: readOnly,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args KitNameArgs) (*mcp.CallToolResult, any, error) {
		return nil, a.run(ctx, req, func(ctx context.Context) *Result {
			return a.KitInfo(ctx, args.Name)
		}), nil
	})

	a.builtins["proxy"] = tagProxy
	mcp.AddTool(a.server, &mcp.Tool{
		Name:        "proxy",
		Description: "Raw access to aggregated capabilities: list them, inspect one, or call one. Tool call results pass through from the child unchanged.",
	}, a.toolProxy)
}

// run executes one management operation with the calling session bound into
// the context. A panic becomes a failed result, never a dead frontend.
func (a *Aggregator) run(ctx context.Context, req *mcp.CallToolRequest, op func(context.Context) *Result) (out *Result) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("management tool panicked", "tool", toolNameOf(req), "panic", r)
			out = failf("internal error: %v", r)
		}
	}()
	a.sessions.touch(req.Session)
	return op(bindSession(ctx, req.Session))
}

func (a *Aggregator) toolProxy(ctx context.Context, req *mcp.CallToolRequest, args ProxyArgs) (res *mcp.CallToolResult, out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("proxy panicked", "panic", r)
			res, out = nil, nil
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	a.sessions.touch(req.Session)
	return a.Proxy(ctx, req, args)
}

func toolNameOf(req *mcp.CallToolRequest) string {
	if req != nil && req.Params != nil {
		return req.Params.Name
	}
	return ""
}
