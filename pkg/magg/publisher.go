package magg

import (
	"context"
	"maps"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// publisher is the production ClientContext. Each channel reconciles the
// registry's current contribution of that kind against what is registered on
// the frontend server; the SDK then emits list_changed frames to connected
// sessions for any difference. Reconciliation is idempotent, so dispatching
// after an operation that changed nothing stays silent on the wire.
type publisher struct {
	a *Aggregator
}

func (p *publisher) SendToolListChanged(ctx context.Context) error {
	p.a.republishTools()
	return nil
}

func (p *publisher) SendResourceListChanged(ctx context.Context) error {
	p.a.republishResources()
	return nil
}

func (p *publisher) SendPromptListChanged(ctx context.Context) error {
	p.a.republishPrompts()
	return nil
}

// applyTools pushes one server's replace delta onto the frontend. Mount and
// hook-driven syncs come through here; the operation-level dispatch then has
// nothing left to reconcile.
func (a *Aggregator) applyTools(removed []string, added []toolRegistration) {
	a.serverMu.Lock()
	defer a.serverMu.Unlock()
	a.removeToolsLocked(removed)
	for _, reg := range added {
		a.server.AddTool(reg.Tool, a.makeToolHandler(reg.Target))
		a.applied.tools[reg.Target.FrontName] = true
	}
}

func (a *Aggregator) applyPrompts(removed []string, added []promptRegistration) {
	a.serverMu.Lock()
	defer a.serverMu.Unlock()
	a.removePromptsLocked(removed)
	for _, reg := range added {
		a.server.AddPrompt(reg.Prompt, a.makePromptHandler(reg.Target))
		a.applied.prompts[reg.Target.FrontName] = true
	}
}

func (a *Aggregator) applyResources(removed []string, added []resourceRegistration) {
	a.serverMu.Lock()
	defer a.serverMu.Unlock()
	a.removeResourcesLocked(removed)
	for _, reg := range added {
		a.server.AddResource(reg.Resource, a.makeResourceHandler(reg.Target))
		a.applied.resources[reg.Target.FrontURI] = true
	}
}

func (a *Aggregator) applyTemplates(removed []string, added []templateRegistration) {
	a.serverMu.Lock()
	defer a.serverMu.Unlock()
	a.removeTemplatesLocked(removed)
	for _, reg := range added {
		a.server.AddResourceTemplate(reg.Template, a.makeTemplateHandler(reg.Target))
		a.applied.templates[reg.Target.FrontURI] = true
	}
}

// removeFromFrontend deregisters everything a cleared server contributed.
func (a *Aggregator) removeFromFrontend(set contributionSet) {
	a.serverMu.Lock()
	defer a.serverMu.Unlock()
	a.removeToolsLocked(set.Tools)
	a.removePromptsLocked(set.Prompts)
	a.removeResourcesLocked(set.Resources)
	a.removeTemplatesLocked(set.Templates)
}

// The removeXLocked helpers only hand the SDK names it actually holds, so
// replace deltas and full reconciles can pass candidate sets freely.

func (a *Aggregator) removeToolsLocked(names []string) {
	live := filterApplied(a.applied.tools, names)
	if len(live) > 0 {
		a.server.RemoveTools(live...)
	}
}

func (a *Aggregator) removePromptsLocked(names []string) {
	live := filterApplied(a.applied.prompts, names)
	if len(live) > 0 {
		a.server.RemovePrompts(live...)
	}
}

func (a *Aggregator) removeResourcesLocked(uris []string) {
	live := filterApplied(a.applied.resources, uris)
	if len(live) > 0 {
		a.server.RemoveResources(live...)
	}
}

func (a *Aggregator) removeTemplatesLocked(uris []string) {
	live := filterApplied(a.applied.templates, uris)
	if len(live) > 0 {
		a.server.RemoveResourceTemplates(live...)
	}
}

func filterApplied(applied map[string]bool, names []string) []string {
	live := names[:0:0]
	for _, name := range names {
		if applied[name] {
			live = append(live, name)
			delete(applied, name)
		}
	}
	return live
}

// republishTools reconciles the full tool contribution against the frontend:
// stale registrations go, missing ones arrive, everything else is untouched.
func (a *Aggregator) republishTools() {
	regs := a.registry.Tools()
	a.serverMu.Lock()
	defer a.serverMu.Unlock()
	current := make(map[string]bool, len(regs))
	for _, reg := range regs {
		current[reg.Target.FrontName] = true
	}
	a.removeToolsLocked(staleNames(a.applied.tools, current))
	for _, reg := range regs {
		if !a.applied.tools[reg.Target.FrontName] {
			a.server.AddTool(reg.Tool, a.makeToolHandler(reg.Target))
			a.applied.tools[reg.Target.FrontName] = true
		}
	}
}

func (a *Aggregator) republishPrompts() {
	regs := a.registry.Prompts()
	a.serverMu.Lock()
	defer a.serverMu.Unlock()
	current := make(map[string]bool, len(regs))
	for _, reg := range regs {
		current[reg.Target.FrontName] = true
	}
	a.removePromptsLocked(staleNames(a.applied.prompts, current))
	for _, reg := range regs {
		if !a.applied.prompts[reg.Target.FrontName] {
			a.server.AddPrompt(reg.Prompt, a.makePromptHandler(reg.Target))
			a.applied.prompts[reg.Target.FrontName] = true
		}
	}
}

// republishResources covers both direct resources and templates; the protocol
// announces them on the same list_changed channel.
func (a *Aggregator) republishResources() {
	resources := a.registry.Resources()
	templates := a.registry.Templates()
	a.serverMu.Lock()
	defer a.serverMu.Unlock()

	current := make(map[string]bool, len(resources))
	for _, reg := range resources {
		current[reg.Target.FrontURI] = true
	}
	a.removeResourcesLocked(staleNames(a.applied.resources, current))
	for _, reg := range resources {
		if !a.applied.resources[reg.Target.FrontURI] {
			a.server.AddResource(reg.Resource, a.makeResourceHandler(reg.Target))
			a.applied.resources[reg.Target.FrontURI] = true
		}
	}

	currentTpl := make(map[string]bool, len(templates))
	for _, reg := range templates {
		currentTpl[reg.Target.FrontURI] = true
	}
	a.removeTemplatesLocked(staleNames(a.applied.templates, currentTpl))
	for _, reg := range templates {
		if !a.applied.templates[reg.Target.FrontURI] {
			a.server.AddResourceTemplate(reg.Template, a.makeTemplateHandler(reg.Target))
			a.applied.templates[reg.Target.FrontURI] = true
		}
	}
}

func staleNames(applied map[string]bool, current map[string]bool) []string {
	var stale []string
	for name := range applied {
		if !current[name] {
			stale = append(stale, name)
		}
	}
	return stale
}

// makeToolHandler forwards a namespaced call to its child. Meta is cloned
// because progress tracking may stamp a generated token onto the outbound
// params, and that token must not land in the caller's request.
func (a *Aggregator) makeToolHandler(target toolTarget) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		callCtx := bindSession(ctx, req.Session)
		a.sessions.touch(req.Session)
		params := &mcp.CallToolParams{Name: target.NativeName}
		if req.Params != nil {
			params.Arguments = req.Params.Arguments
			params.Meta = maps.Clone(req.Params.Meta)
		}
		release := a.progress.track(target.Server, req.Session, params)
		defer release()
		return a.up.CallTool(callCtx, target.Server, params)
	}
}

func (a *Aggregator) makePromptHandler(target promptTarget) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		callCtx := bindSession(ctx, req.Session)
		a.sessions.touch(req.Session)
		params := &mcp.GetPromptParams{Name: target.NativeName}
		if req.Params != nil {
			params.Meta = req.Params.Meta
			if len(req.Params.Arguments) > 0 {
				params.Arguments = req.Params.Arguments
			}
		}
		return a.up.GetPrompt(callCtx, target.Server, params)
	}
}

func (a *Aggregator) makeResourceHandler(target resourceTarget) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		callCtx := bindSession(ctx, req.Session)
		a.sessions.touch(req.Session)
		params := &mcp.ReadResourceParams{URI: target.NativeURI}
		if req.Params != nil {
			params.Meta = req.Params.Meta
		}
		return a.up.ReadResource(callCtx, target.Server, params)
	}
}

// makeTemplateHandler re-derives the native URI from the requested one so a
// single template registration serves every URI the template expands to.
func (a *Aggregator) makeTemplateHandler(target resourceTarget) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		callCtx := bindSession(ctx, req.Session)
		a.sessions.touch(req.Session)
		native := target.NativeURI
		if req != nil && req.Params != nil {
			if candidate, ok := a.ns.nativeResourceTemplateURI(target.Server, req.Params.URI); ok {
				native = candidate
			}
		}
		params := &mcp.ReadResourceParams{URI: native}
		if req != nil && req.Params != nil {
			params.Meta = req.Params.Meta
		}
		return a.up.ReadResource(callCtx, target.Server, params)
	}
}
