package magg

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/sitbon/magg-go/pkg/config"
	"github.com/sitbon/magg-go/pkg/upstream"
)

// AddServerArgs describe a server to add. Exactly one of Command and URI
// selects the transport.
type AddServerArgs struct {
	Name    string            `json:"name" jsonschema:"Unique server name"`
	Source  string            `json:"source,omitempty" jsonschema:"Where the server came from (URL or package locator)"`
	Command string            `json:"command,omitempty" jsonschema:"Executable for a stdio server"`
	Args    []string          `json:"args,omitempty" jsonschema:"Arguments for the command"`
	URI     string            `json:"uri,omitempty" jsonschema:"Endpoint for an HTTP server"`
	Env     map[string]string `json:"env,omitempty" jsonschema:"Environment overlay for the child process"`
	Cwd     string            `json:"cwd,omitempty" jsonschema:"Working directory for the command"`
	Prefix  *string           `json:"prefix,omitempty" jsonschema:"Tool name prefix; empty disables prefixing; defaults to the server name"`
	Notes   string            `json:"notes,omitempty" jsonschema:"Free-form notes"`
	Enable  *bool             `json:"enable,omitempty" jsonschema:"Enable and mount immediately (default true)"`
}

// AddServer creates a configuration entry and, when enabled, attempts to
// mount it. A failed mount does not fail the add: the entry keeps its
// enabled intent and the mount error lands in the result's Errors.
func (a *Aggregator) AddServer(ctx context.Context, args AddServerArgs, cc ClientContext) *Result {
	defer a.dispatchChanged(ctx, cc)
	unlock := a.locks.lock(args.Name)
	defer unlock()

	enabled := true
	if args.Enable != nil {
		enabled = *args.Enable
	}
	entry := &config.ServerEntry{
		Source:  args.Source,
		Command: args.Command,
		Args:    append([]string(nil), args.Args...),
		URI:     args.URI,
		Env:     maps.Clone(args.Env),
		Cwd:     args.Cwd,
		Prefix:  args.Prefix,
		Notes:   args.Notes,
		Enabled: enabled,
	}
	return a.addEntry(ctx, args.Name, entry)
}

// addEntry installs one entry under an already-held name lock. It never
// dispatches notifications; that stays with the public operation so kit
// loads announce once for the whole batch.
func (a *Aggregator) addEntry(ctx context.Context, name string, entry *config.ServerEntry) *Result {
	if err := config.ValidateServerName(name); err != nil {
		return failResult(err)
	}
	if entry.Prefix != nil {
		if err := config.ValidatePrefix(*entry.Prefix); err != nil {
			return failResult(err)
		}
	}
	if entry.Command == "" && entry.URI == "" {
		return failf("server %q needs a command or a uri", name)
	}

	a.mu.Lock()
	if _, exists := a.cfg.Servers[name]; exists {
		a.mu.Unlock()
		return failResult(fmt.Errorf("%w: server %q already exists", ErrDuplicateName, name))
	}
	a.cfg.Servers[name] = entry
	err := a.saveConfigLocked()
	if err != nil {
		delete(a.cfg.Servers, name)
	}
	a.mu.Unlock()
	if err != nil {
		return failResult(fmt.Errorf("save config: %w", err))
	}

	res := okResult(map[string]any{
		"name":    name,
		"prefix":  entry.PrefixOrDefault(name),
		"enabled": entry.Enabled,
		"mounted": false,
	})
	if entry.Kit != "" {
		res.set("kit", entry.Kit)
	}
	if entry.Enabled {
		if mres := a.mountLocked(ctx, name); mres.Success {
			res.set("mounted", true)
		} else {
			res.warn("mount %s: %s", name, mres.Message)
		}
	}
	return res
}

// RemoveServer unmounts and deletes a server entry. Unmount errors are
// reported but never block the removal.
func (a *Aggregator) RemoveServer(ctx context.Context, name string, cc ClientContext) *Result {
	defer a.dispatchChanged(ctx, cc)
	unlock := a.locks.lock(name)
	defer unlock()
	return a.removeEntry(ctx, name)
}

func (a *Aggregator) removeEntry(ctx context.Context, name string) *Result {
	a.mu.Lock()
	_, exists := a.cfg.Servers[name]
	a.mu.Unlock()
	if !exists {
		return failResult(fmt.Errorf("%w: server %q", ErrNotFound, name))
	}

	ures := a.unmountLocked(ctx, name)

	a.mu.Lock()
	delete(a.cfg.Servers, name)
	delete(a.mounted, name)
	delete(a.hooked, name)
	err := a.saveConfigLocked()
	a.mu.Unlock()
	if rerr := a.up.Remove(ctx, name); rerr != nil {
		a.log.Warn("forget upstream server", "server", name, "error", rerr)
	}
	if err != nil {
		return failResult(fmt.Errorf("save config: %w", err))
	}

	res := okf("removed %q", name)
	res.Errors = append(res.Errors, ures.Errors...)
	return res
}

// EnableServer persists enabled intent and attempts a mount with the same
// tolerance as AddServer.
func (a *Aggregator) EnableServer(ctx context.Context, name string, cc ClientContext) *Result {
	defer a.dispatchChanged(ctx, cc)
	unlock := a.locks.lock(name)
	defer unlock()

	a.mu.Lock()
	entry, exists := a.cfg.Servers[name]
	if exists {
		entry.Enabled = true
	}
	var err error
	if exists {
		err = a.saveConfigLocked()
	}
	a.mu.Unlock()
	if !exists {
		return failResult(fmt.Errorf("%w: server %q", ErrNotFound, name))
	}
	if err != nil {
		return failResult(fmt.Errorf("save config: %w", err))
	}

	res := okResult(map[string]any{"name": name, "enabled": true, "mounted": false})
	if mres := a.mountLocked(ctx, name); mres.Success {
		res.set("mounted", true)
	} else {
		res.warn("mount %s: %s", name, mres.Message)
	}
	return res
}

// DisableServer unmounts and persists disabled intent. Disable is a hard
// demand: teardown failures are reported but the entry always ends
// disabled and unmounted.
func (a *Aggregator) DisableServer(ctx context.Context, name string, cc ClientContext) *Result {
	defer a.dispatchChanged(ctx, cc)
	unlock := a.locks.lock(name)
	defer unlock()
	return a.disableLocked(ctx, name)
}

func (a *Aggregator) disableLocked(ctx context.Context, name string) *Result {
	a.mu.Lock()
	_, exists := a.cfg.Servers[name]
	a.mu.Unlock()
	if !exists {
		return failResult(fmt.Errorf("%w: server %q", ErrNotFound, name))
	}

	ures := a.unmountLocked(ctx, name)

	a.mu.Lock()
	entry, exists := a.cfg.Servers[name]
	if exists {
		entry.Enabled = false
	}
	err := a.saveConfigLocked()
	a.mu.Unlock()
	if err != nil {
		return failResult(fmt.Errorf("save config: %w", err))
	}

	res := okResult(map[string]any{"name": name, "enabled": false, "mounted": false})
	res.Errors = append(res.Errors, ures.Errors...)
	return res
}

// MountServer brings a configured, enabled server into the live state:
// connect, list capabilities, then register the contribution. Mounting an
// already-mounted server is a no-op success.
func (a *Aggregator) MountServer(ctx context.Context, name string) *Result {
	unlock := a.locks.lock(name)
	defer unlock()
	return a.mountLocked(ctx, name)
}

// UnmountServer deregisters a server's contribution and tears down its
// session. Unmounting an already-unmounted server is a no-op success.
func (a *Aggregator) UnmountServer(ctx context.Context, name string) *Result {
	unlock := a.locks.lock(name)
	defer unlock()
	return a.unmountLocked(ctx, name)
}

func (a *Aggregator) mountLocked(ctx context.Context, name string) *Result {
	a.mu.Lock()
	entry, exists := a.cfg.Servers[name]
	if !exists {
		a.mu.Unlock()
		return failResult(fmt.Errorf("%w: server %q", ErrNotFound, name))
	}
	if a.mounted[name] {
		a.mu.Unlock()
		return okf("server %q already mounted", name)
	}
	if !entry.Enabled {
		a.mu.Unlock()
		return failf("server %q is disabled", name)
	}
	expanded := entry.Expanded()
	a.mu.Unlock()

	ucfg, err := buildUpstreamConfig(expanded, a.opts.SyncTimeout)
	if err != nil {
		return failResult(err)
	}
	if _, err := a.up.Connect(ctx, name, ucfg); err != nil {
		return failResult(fmt.Errorf("connect %q: %w", name, err))
	}
	a.registerHooks(name)
	if err := a.syncServer(ctx, name); err != nil {
		if derr := a.up.Disconnect(ctx, name); derr != nil {
			a.log.Warn("disconnect after failed sync", "server", name, "error", derr)
		}
		return failResult(fmt.Errorf("sync %q: %w", name, err))
	}

	a.mu.Lock()
	a.mounted[name] = true
	a.mu.Unlock()
	a.log.Info("mounted server", "server", name, "prefix", expanded.PrefixOrDefault(name))
	return okf("mounted %q", name)
}

func (a *Aggregator) unmountLocked(ctx context.Context, name string) *Result {
	a.mu.Lock()
	wasMounted := a.mounted[name]
	if wasMounted {
		a.mounted[name] = false
	}
	a.mu.Unlock()
	if !wasMounted {
		return okf("server %q not mounted", name)
	}

	removed := a.registry.Clear(name)
	a.removeFromFrontend(removed)

	res := okf("unmounted %q", name)
	if err := a.up.Disconnect(ctx, name); err != nil {
		a.log.Warn("disconnect on unmount", "server", name, "error", err)
		res.warn("disconnect %s: %v", name, err)
	}
	a.log.Info("unmounted server", "server", name)
	return res
}

// buildUpstreamConfig translates a persisted (already env-expanded) entry
// into the session manager's transport configuration. The child environment
// is the full parent environment with the entry's overlay applied.
func buildUpstreamConfig(entry *config.ServerEntry, timeout time.Duration) (upstream.Config, error) {
	base := upstream.BaseConfig{Timeout: timeout}
	switch {
	case entry.Command != "":
		var env []string
		if len(entry.Env) > 0 {
			env = config.SubprocessEnv(true, entry.Env)
		}
		return &upstream.StdioConfig{
			BaseConfig: base,
			Command:    entry.Command,
			Args:       append([]string(nil), entry.Args...),
			Env:        env,
			Dir:        entry.Cwd,
		}, nil
	case entry.URI != "":
		return &upstream.HTTPConfig{BaseConfig: base, Endpoint: entry.URI}, nil
	default:
		return nil, fmt.Errorf("server has neither command nor uri")
	}
}

// registerHooks subscribes to one server's change notifications exactly
// once. Hook-triggered resyncs run on their own goroutines and skip servers
// that have been unmounted since the notification fired.
func (a *Aggregator) registerHooks(name string) {
	a.mu.Lock()
	if a.hooked[name] {
		a.mu.Unlock()
		return
	}
	a.hooked[name] = true
	a.mu.Unlock()

	a.up.OnToolsChanged(name, func(context.Context) {
		go a.resyncKind(name, "tools", a.syncTools)
	})
	a.up.OnPromptsChanged(name, func(context.Context) {
		go a.resyncKind(name, "prompts", a.syncPrompts)
	})
	a.up.OnResourcesChanged(name, func(context.Context) {
		go func() {
			a.resyncKind(name, "resources", a.syncResources)
			a.resyncKind(name, "resource templates", a.syncResourceTemplates)
		}()
	})
	a.up.OnResourceUpdated(name, a.forwardResourceUpdate(name))
	a.up.OnProgress(name, a.forwardProgress(name))
}

// resyncKind refreshes one capability kind after a child change
// notification. It serializes with lifecycle transitions on the same name.
func (a *Aggregator) resyncKind(name, kind string, sync func(context.Context, string) error) {
	unlock := a.locks.lock(name)
	defer unlock()
	if !a.isMounted(name) {
		return
	}
	if err := sync(context.Background(), name); err != nil {
		a.logError("resync "+kind, err, "server", name)
	}
}

// syncServer pulls all four capability kinds from a connected child and
// swaps them into the registry and the frontend server.
func (a *Aggregator) syncServer(ctx context.Context, name string) error {
	if err := a.syncTools(ctx, name); err != nil {
		return err
	}
	if err := a.syncPrompts(ctx, name); err != nil {
		return err
	}
	if err := a.syncResources(ctx, name); err != nil {
		return err
	}
	return a.syncResourceTemplates(ctx, name)
}

func (a *Aggregator) syncTools(ctx context.Context, name string) error {
	prefix, err := a.contributionPrefix(name)
	if err != nil {
		return err
	}
	ctx, cancel := a.syncContext(ctx)
	defer cancel()
	tools, err := a.up.Tools(ctx, name)
	if err != nil {
		return err
	}
	removed, added := a.registry.ReplaceTools(name, prefix, tools)
	a.applyTools(removed, added)
	return nil
}

func (a *Aggregator) syncPrompts(ctx context.Context, name string) error {
	prefix, err := a.contributionPrefix(name)
	if err != nil {
		return err
	}
	ctx, cancel := a.syncContext(ctx)
	defer cancel()
	prompts, err := a.up.Prompts(ctx, name)
	if err != nil {
		return err
	}
	removed, added := a.registry.ReplacePrompts(name, prefix, prompts)
	a.applyPrompts(removed, added)
	return nil
}

func (a *Aggregator) syncResources(ctx context.Context, name string) error {
	ctx, cancel := a.syncContext(ctx)
	defer cancel()
	resources, err := a.up.Resources(ctx, name)
	if err != nil {
		return err
	}
	removed, added := a.registry.ReplaceResources(name, resources)
	a.applyResources(removed, added)
	return nil
}

func (a *Aggregator) syncResourceTemplates(ctx context.Context, name string) error {
	ctx, cancel := a.syncContext(ctx)
	defer cancel()
	templates, err := a.up.ResourceTemplates(ctx, name)
	if err != nil {
		return err
	}
	removed, added := a.registry.ReplaceResourceTemplates(name, templates)
	a.applyTemplates(removed, added)
	return nil
}

func (a *Aggregator) contributionPrefix(name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.cfg.Servers[name]
	if !ok {
		return "", fmt.Errorf("%w: server %q", ErrNotFound, name)
	}
	return entry.PrefixOrDefault(name), nil
}

func (a *Aggregator) syncContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if a.opts.SyncTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, a.opts.SyncTimeout)
}

// ReloadConfig re-reads the config file and reconciles the live state with
// it: vanished servers unmount, new enabled servers mount, and entries whose
// launch configuration changed remount. Dispatch fires once on every exit
// path, including a failed re-read.
func (a *Aggregator) ReloadConfig(ctx context.Context, cc ClientContext) *Result {
	defer a.dispatchChanged(ctx, cc)

	newCfg, err := a.cfgMgr.Reload()
	if err != nil {
		return failResult(err)
	}

	a.mu.Lock()
	oldServers := a.cfg.Servers
	a.cfg = newCfg
	a.mu.Unlock()

	var added, removed, changed []string
	for name, old := range oldServers {
		cur, ok := newCfg.Servers[name]
		if !ok {
			removed = append(removed, name)
			continue
		}
		if !entriesEqual(old, cur) {
			changed = append(changed, name)
		}
	}
	for name := range newCfg.Servers {
		if _, ok := oldServers[name]; !ok {
			added = append(added, name)
		}
	}
	sort := func(s []string) []string { slices.Sort(s); return s }
	res := okResult(map[string]any{
		"added":   sort(added),
		"removed": sort(removed),
		"changed": sort(changed),
	})

	for _, name := range removed {
		unlock := a.locks.lock(name)
		ures := a.unmountLocked(ctx, name)
		res.Errors = append(res.Errors, ures.Errors...)
		a.mu.Lock()
		delete(a.mounted, name)
		delete(a.hooked, name)
		a.mu.Unlock()
		if err := a.up.Remove(ctx, name); err != nil {
			a.log.Warn("forget upstream server", "server", name, "error", err)
		}
		unlock()
	}
	for _, name := range changed {
		unlock := a.locks.lock(name)
		ures := a.unmountLocked(ctx, name)
		res.Errors = append(res.Errors, ures.Errors...)
		a.mu.Lock()
		delete(a.hooked, name)
		a.mu.Unlock()
		if err := a.up.Remove(ctx, name); err != nil {
			a.log.Warn("forget upstream server", "server", name, "error", err)
		}
		a.mountIfEnabled(ctx, name, res)
		unlock()
	}
	for _, name := range added {
		unlock := a.locks.lock(name)
		a.mountIfEnabled(ctx, name, res)
		unlock()
	}
	a.log.Info("config reloaded", "added", len(added), "removed", len(removed), "changed", len(changed))
	return res
}

func (a *Aggregator) mountIfEnabled(ctx context.Context, name string, res *Result) {
	entry := a.entryClone(name)
	if entry == nil || !entry.Enabled {
		return
	}
	if mres := a.mountLocked(ctx, name); !mres.Success {
		res.warn("mount %s: %s", name, mres.Message)
	}
}

func entriesEqual(a, b *config.ServerEntry) bool {
	if a.Command != b.Command || a.URI != b.URI || a.Cwd != b.Cwd ||
		a.Enabled != b.Enabled || a.Kit != b.Kit {
		return false
	}
	if !slices.Equal(a.Args, b.Args) {
		return false
	}
	if !maps.Equal(a.Env, b.Env) {
		return false
	}
	if (a.Prefix == nil) != (b.Prefix == nil) {
		return false
	}
	if a.Prefix != nil && *a.Prefix != *b.Prefix {
		return false
	}
	return true
}
