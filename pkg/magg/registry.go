package magg

import (
	"maps"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Meta keys stamped onto contributed capabilities so clients can trace a
// renamed tool or resource back to its origin server.
const (
	metaServer     = "magg.server"
	metaNativeName = "magg.native_name"
	metaNativeURI  = "magg.native_uri"
)

// registry tracks, per mounted server, the renamed clones of every
// capability the server currently contributes. Each Replace swaps a server's
// whole contribution for one kind in a single critical section, so
// concurrent readers observe the old set or the new set, never a mix.
type registry struct {
	ns namespace

	mu sync.RWMutex

	tools           map[string]toolRegistration
	serverTools     map[string][]string
	prompts         map[string]promptRegistration
	serverPrompts   map[string][]string
	resources       map[string]resourceRegistration
	serverResources map[string][]string
	resourceReverse map[string]string
	templates       map[string]templateRegistration
	serverTemplates map[string][]string
}

type toolTarget struct {
	FrontName  string
	Server     string
	NativeName string
}

type promptTarget struct {
	FrontName  string
	Server     string
	NativeName string
}

type resourceTarget struct {
	FrontURI  string
	Server    string
	NativeURI string
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

type promptRegistration struct {
	Prompt *mcp.Prompt
	Target promptTarget
}

type resourceRegistration struct {
	Resource *mcp.Resource
	Target   resourceTarget
}

type templateRegistration struct {
	Template *mcp.ResourceTemplate
	Target   resourceTarget
}

// contributionSet names everything one server currently contributes, as
// returned by Clear for frontend deregistration.
type contributionSet struct {
	Tools     []string
	Prompts   []string
	Resources []string
	Templates []string
}

func newRegistry(ns namespace) *registry {
	return &registry{
		ns:              ns,
		tools:           make(map[string]toolRegistration),
		serverTools:     make(map[string][]string),
		prompts:         make(map[string]promptRegistration),
		serverPrompts:   make(map[string][]string),
		resources:       make(map[string]resourceRegistration),
		serverResources: make(map[string][]string),
		resourceReverse: make(map[string]string),
		templates:       make(map[string]templateRegistration),
		serverTemplates: make(map[string][]string),
	}
}

func (r *registry) ReplaceTools(server, prefix string, upstream []*mcp.Tool) (removed []string, added []toolRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed = r.removeToolsLocked(server)
	added = make([]toolRegistration, 0, len(upstream))
	names := make([]string, 0, len(upstream))
	for _, tool := range upstream {
		if tool == nil {
			continue
		}
		frontName := r.ns.toolName(prefix, tool.Name)
		reg := toolRegistration{
			Tool:   cloneTool(tool, frontName, server),
			Target: toolTarget{FrontName: frontName, Server: server, NativeName: tool.Name},
		}
		r.tools[frontName] = reg
		added = append(added, reg)
		names = append(names, frontName)
	}
	r.serverTools[server] = names
	return removed, added
}

func (r *registry) ReplacePrompts(server, prefix string, upstream []*mcp.Prompt) (removed []string, added []promptRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed = r.removePromptsLocked(server)
	added = make([]promptRegistration, 0, len(upstream))
	var names []string
	for _, prompt := range upstream {
		if prompt == nil {
			continue
		}
		frontName := r.ns.promptName(prefix, prompt.Name)
		reg := promptRegistration{
			Prompt: clonePrompt(prompt, frontName, server),
			Target: promptTarget{FrontName: frontName, Server: server, NativeName: prompt.Name},
		}
		r.prompts[frontName] = reg
		added = append(added, reg)
		names = append(names, frontName)
	}
	r.serverPrompts[server] = names
	return removed, added
}

func (r *registry) ReplaceResources(server string, upstream []*mcp.Resource) (removed []string, added []resourceRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed = r.removeResourcesLocked(server)
	added = make([]resourceRegistration, 0, len(upstream))
	var names []string
	for _, resource := range upstream {
		if resource == nil {
			continue
		}
		frontURI := r.ns.resourceURI(server, resource.URI)
		reg := resourceRegistration{
			Resource: cloneResource(resource, frontURI, server),
			Target:   resourceTarget{FrontURI: frontURI, Server: server, NativeURI: resource.URI},
		}
		r.resources[frontURI] = reg
		r.resourceReverse[resourceKey(server, resource.URI)] = frontURI
		added = append(added, reg)
		names = append(names, frontURI)
	}
	r.serverResources[server] = names
	return removed, added
}

func (r *registry) ReplaceResourceTemplates(server string, upstream []*mcp.ResourceTemplate) (removed []string, added []templateRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed = r.removeTemplatesLocked(server)
	added = make([]templateRegistration, 0, len(upstream))
	var names []string
	for _, tpl := range upstream {
		if tpl == nil {
			continue
		}
		frontURI := r.ns.resourceTemplateURI(server, tpl.URITemplate)
		reg := templateRegistration{
			Template: cloneResourceTemplate(tpl, frontURI, server),
			Target:   resourceTarget{FrontURI: frontURI, Server: server, NativeURI: tpl.URITemplate},
		}
		r.templates[frontURI] = reg
		added = append(added, reg)
		names = append(names, frontURI)
	}
	r.serverTemplates[server] = names
	return removed, added
}

// Clear drops a server's entire contribution across every kind in one
// critical section and reports what was removed.
func (r *registry) Clear(server string) contributionSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return contributionSet{
		Tools:     r.removeToolsLocked(server),
		Prompts:   r.removePromptsLocked(server),
		Resources: r.removeResourcesLocked(server),
		Templates: r.removeTemplatesLocked(server),
	}
}

func (r *registry) ToolTarget(name string) (toolTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg.Target, ok
}

func (r *registry) PromptTarget(name string) (promptTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.prompts[name]
	return reg.Target, ok
}

func (r *registry) ResourceTarget(uri string) (resourceTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.resources[uri]
	return reg.Target, ok
}

func (r *registry) TemplateTarget(uri string) (resourceTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.templates[uri]
	return reg.Target, ok
}

// ResourceByNative maps a child's native URI back to the frontend URI, used
// when forwarding resource-updated notifications.
func (r *registry) ResourceByNative(server, nativeURI string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uri, ok := r.resourceReverse[resourceKey(server, nativeURI)]
	return uri, ok
}

// Tools snapshots every contributed tool registration, sorted by frontend
// name.
func (r *registry) Tools() []toolRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]toolRegistration, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target.FrontName < out[j].Target.FrontName })
	return out
}

// Prompts snapshots every contributed prompt registration, sorted by
// frontend name.
func (r *registry) Prompts() []promptRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]promptRegistration, 0, len(r.prompts))
	for _, reg := range r.prompts {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target.FrontName < out[j].Target.FrontName })
	return out
}

// Resources snapshots every contributed resource registration, sorted by
// frontend URI.
func (r *registry) Resources() []resourceRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]resourceRegistration, 0, len(r.resources))
	for _, reg := range r.resources {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target.FrontURI < out[j].Target.FrontURI })
	return out
}

// Templates snapshots every contributed resource template registration,
// sorted by frontend URI.
func (r *registry) Templates() []templateRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]templateRegistration, 0, len(r.templates))
	for _, reg := range r.templates {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target.FrontURI < out[j].Target.FrontURI })
	return out
}

// Counts reports how many capabilities of each kind a server contributes.
func (r *registry) Counts(server string) (tools, prompts, resources int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.serverTools[server]), len(r.serverPrompts[server]),
		len(r.serverResources[server]) + len(r.serverTemplates[server])
}

func (r *registry) removeToolsLocked(server string) []string {
	names := r.serverTools[server]
	if len(names) == 0 {
		return nil
	}
	for _, name := range names {
		delete(r.tools, name)
	}
	delete(r.serverTools, server)
	return append([]string(nil), names...)
}

func (r *registry) removePromptsLocked(server string) []string {
	names := r.serverPrompts[server]
	if len(names) == 0 {
		return nil
	}
	for _, name := range names {
		delete(r.prompts, name)
	}
	delete(r.serverPrompts, server)
	return append([]string(nil), names...)
}

func (r *registry) removeResourcesLocked(server string) []string {
	names := r.serverResources[server]
	if len(names) == 0 {
		return nil
	}
	for _, name := range names {
		if reg, ok := r.resources[name]; ok {
			delete(r.resourceReverse, resourceKey(reg.Target.Server, reg.Target.NativeURI))
		}
		delete(r.resources, name)
	}
	delete(r.serverResources, server)
	return append([]string(nil), names...)
}

func (r *registry) removeTemplatesLocked(server string) []string {
	names := r.serverTemplates[server]
	if len(names) == 0 {
		return nil
	}
	for _, name := range names {
		delete(r.templates, name)
	}
	delete(r.serverTemplates, server)
	return append([]string(nil), names...)
}

func resourceKey(server, nativeURI string) string {
	return server + "\x00" + nativeURI
}

func cloneTool(tool *mcp.Tool, frontName, server string) *mcp.Tool {
	clone := *tool
	clone.Name = frontName
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaServer:     server,
		metaNativeName: tool.Name,
	})
	return &clone
}

func clonePrompt(prompt *mcp.Prompt, frontName, server string) *mcp.Prompt {
	clone := *prompt
	clone.Name = frontName
	clone.Meta = withMeta(prompt.Meta, map[string]any{
		metaServer:     server,
		metaNativeName: prompt.Name,
	})
	return &clone
}

func cloneResource(resource *mcp.Resource, frontURI, server string) *mcp.Resource {
	clone := *resource
	clone.URI = frontURI
	clone.Meta = withMeta(resource.Meta, map[string]any{
		metaServer:    server,
		metaNativeURI: resource.URI,
	})
	return &clone
}

func cloneResourceTemplate(tpl *mcp.ResourceTemplate, frontURI, server string) *mcp.ResourceTemplate {
	clone := *tpl
	clone.URITemplate = frontURI
	clone.Meta = withMeta(tpl.Meta, map[string]any{
		metaServer:    server,
		metaNativeURI: tpl.URITemplate,
	})
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(extras))
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
