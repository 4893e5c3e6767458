package magg

import (
	"context"
	"fmt"
	"maps"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ProxyArgs address one capability across the mounted servers.
type ProxyArgs struct {
	Action string         `json:"action" jsonschema:"One of list, info, or call"`
	Type   string         `json:"type" jsonschema:"One of tool, resource, or prompt"`
	Name   string         `json:"name,omitempty" jsonschema:"Aggregated tool or prompt name, or aggregated resource URI"`
	Args   map[string]any `json:"args,omitempty" jsonschema:"Arguments for calling a tool or rendering a prompt"`
}

// Proxy gives raw access to the aggregated capability space: enumerate it,
// inspect one entry, or invoke one entry. Call results pass through from the
// child unwrapped, content and errors intact.
func (a *Aggregator) Proxy(ctx context.Context, req *mcp.CallToolRequest, args ProxyArgs) (*mcp.CallToolResult, any, error) {
	switch args.Action {
	case "list":
		out, err := a.proxyList(args.Type)
		return nil, out, err
	case "info":
		out, err := a.proxyInfo(args.Type, args.Name)
		return nil, out, err
	case "call":
		return a.proxyCall(ctx, req, args)
	default:
		return nil, nil, fmt.Errorf("invalid proxy action %q: want list, info, or call", args.Action)
	}
}

func (a *Aggregator) proxyList(kind string) (any, error) {
	switch kind {
	case "tool":
		regs := a.registry.Tools()
		tools := make([]map[string]any, 0, len(regs))
		for _, reg := range regs {
			tools = append(tools, map[string]any{
				"name":        reg.Target.FrontName,
				"server":      reg.Target.Server,
				"description": reg.Tool.Description,
			})
		}
		return map[string]any{"tools": tools, "total": len(tools)}, nil
	case "prompt":
		regs := a.registry.Prompts()
		prompts := make([]map[string]any, 0, len(regs))
		for _, reg := range regs {
			prompts = append(prompts, map[string]any{
				"name":        reg.Target.FrontName,
				"server":      reg.Target.Server,
				"description": reg.Prompt.Description,
			})
		}
		return map[string]any{"prompts": prompts, "total": len(prompts)}, nil
	case "resource":
		regs := a.registry.Resources()
		resources := make([]map[string]any, 0, len(regs))
		for _, reg := range regs {
			resources = append(resources, map[string]any{
				"uri":      reg.Target.FrontURI,
				"server":   reg.Target.Server,
				"name":     reg.Resource.Name,
				"mimeType": reg.Resource.MIMEType,
			})
		}
		tregs := a.registry.Templates()
		templates := make([]map[string]any, 0, len(tregs))
		for _, reg := range tregs {
			templates = append(templates, map[string]any{
				"uriTemplate": reg.Target.FrontURI,
				"server":      reg.Target.Server,
				"name":        reg.Template.Name,
			})
		}
		return map[string]any{
			"resources": resources,
			"templates": templates,
			"total":     len(resources) + len(templates),
		}, nil
	default:
		return nil, fmt.Errorf("invalid proxy type %q: want tool, resource, or prompt", kind)
	}
}

func (a *Aggregator) proxyInfo(kind, name string) (any, error) {
	switch kind {
	case "tool":
		for _, reg := range a.registry.Tools() {
			if reg.Target.FrontName == name {
				return map[string]any{
					"tool":        reg.Tool,
					"server":      reg.Target.Server,
					"native_name": reg.Target.NativeName,
				}, nil
			}
		}
		return nil, fmt.Errorf("unknown tool %q", name)
	case "prompt":
		for _, reg := range a.registry.Prompts() {
			if reg.Target.FrontName == name {
				return map[string]any{
					"prompt":      reg.Prompt,
					"server":      reg.Target.Server,
					"native_name": reg.Target.NativeName,
				}, nil
			}
		}
		return nil, fmt.Errorf("unknown prompt %q", name)
	case "resource":
		for _, reg := range a.registry.Resources() {
			if reg.Target.FrontURI == name {
				return map[string]any{
					"resource":   reg.Resource,
					"server":     reg.Target.Server,
					"native_uri": reg.Target.NativeURI,
				}, nil
			}
		}
		for _, reg := range a.registry.Templates() {
			if reg.Target.FrontURI == name {
				return map[string]any{
					"template":   reg.Template,
					"server":     reg.Target.Server,
					"native_uri": reg.Target.NativeURI,
				}, nil
			}
		}
		return nil, fmt.Errorf("unknown resource %q", name)
	default:
		return nil, fmt.Errorf("invalid proxy type %q: want tool, resource, or prompt", kind)
	}
}

func (a *Aggregator) proxyCall(ctx context.Context, req *mcp.CallToolRequest, args ProxyArgs) (*mcp.CallToolResult, any, error) {
	callCtx := bindSession(ctx, req.Session)
	switch args.Type {
	case "tool":
		target, ok := a.registry.ToolTarget(args.Name)
		if !ok {
			return nil, nil, fmt.Errorf("unknown tool %q", args.Name)
		}
		params := &mcp.CallToolParams{Name: target.NativeName, Arguments: args.Args}
		if req.Params != nil {
			params.Meta = maps.Clone(req.Params.Meta)
		}
		release := a.progress.track(target.Server, req.Session, params)
		defer release()
		res, err := a.up.CallTool(callCtx, target.Server, params)
		if err != nil {
			return nil, nil, err
		}
		return res, nil, nil
	case "resource":
		target, ok := a.resolveResource(args.Name)
		if !ok {
			return nil, nil, fmt.Errorf("unknown resource %q", args.Name)
		}
		res, err := a.up.ReadResource(callCtx, target.Server, &mcp.ReadResourceParams{URI: target.NativeURI})
		if err != nil {
			return nil, nil, err
		}
		return nil, res, nil
	case "prompt":
		target, ok := a.registry.PromptTarget(args.Name)
		if !ok {
			return nil, nil, fmt.Errorf("unknown prompt %q", args.Name)
		}
		params := &mcp.GetPromptParams{Name: target.NativeName, Arguments: promptArgs(args.Args)}
		res, err := a.up.GetPrompt(callCtx, target.Server, params)
		if err != nil {
			return nil, nil, err
		}
		return nil, res, nil
	default:
		return nil, nil, fmt.Errorf("invalid proxy type %q: want tool, resource, or prompt", args.Type)
	}
}

// resolveResource maps an aggregated URI to its child. Registered resources
// and templates match directly; otherwise the URI is decoded against each
// mounted server, which covers template expansions and resources the child
// serves without listing.
func (a *Aggregator) resolveResource(frontURI string) (resourceTarget, bool) {
	if target, ok := a.registry.ResourceTarget(frontURI); ok {
		return target, true
	}
	if target, ok := a.registry.TemplateTarget(frontURI); ok {
		return target, true
	}
	for _, srv := range a.mountedNames() {
		if native, ok := a.ns.nativeResourceURI(srv, frontURI); ok {
			return resourceTarget{FrontURI: frontURI, Server: srv, NativeURI: native}, true
		}
		if native, ok := a.ns.nativeResourceTemplateURI(srv, frontURI); ok {
			return resourceTarget{FrontURI: frontURI, Server: srv, NativeURI: native}, true
		}
	}
	return resourceTarget{}, false
}

func promptArgs(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
