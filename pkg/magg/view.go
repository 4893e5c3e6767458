package magg

import (
	"context"
	"strings"
	"time"
)

// ListServers reports every configured entry with its persisted intent and
// live state.
func (a *Aggregator) ListServers(ctx context.Context) *Result {
	names := a.configuredNames()

	a.mu.Lock()
	servers := make([]map[string]any, 0, len(names))
	for _, name := range names {
		entry, ok := a.cfg.Servers[name]
		if !ok {
			continue
		}
		info := map[string]any{
			"name":    name,
			"prefix":  entry.PrefixOrDefault(name),
			"enabled": entry.Enabled,
			"mounted": a.mounted[name],
		}
		if entry.Command != "" {
			cmd := entry.Command
			if len(entry.Args) > 0 {
				cmd += " " + strings.Join(entry.Args, " ")
			}
			info["command"] = cmd
		}
		if entry.URI != "" {
			info["uri"] = entry.URI
		}
		if entry.Source != "" {
			info["source"] = entry.Source
		}
		if entry.Kit != "" {
			info["kit"] = entry.Kit
		}
		if entry.Notes != "" {
			info["notes"] = entry.Notes
		}
		servers = append(servers, info)
	}
	a.mu.Unlock()

	return okResult(map[string]any{"servers": servers, "total": len(servers)})
}

// Status summarizes the whole aggregator: counts, mode, loaded kits, and
// uptime.
func (a *Aggregator) Status(ctx context.Context) *Result {
	a.mu.Lock()
	total := len(a.cfg.Servers)
	enabled := 0
	mounted := 0
	for name, entry := range a.cfg.Servers {
		if entry.Enabled {
			enabled++
		}
		if a.mounted[name] {
			mounted++
		}
	}
	kits := make([]string, 0, len(a.cfg.Kits))
	for name := range a.cfg.Kits {
		kits = append(kits, name)
	}
	a.mu.Unlock()

	return okResult(map[string]any{
		"servers": map[string]any{
			"total":   total,
			"enabled": enabled,
			"mounted": mounted,
		},
		"capabilities": map[string]any{
			"tools":     len(a.registry.Tools()),
			"prompts":   len(a.registry.Prompts()),
			"resources": len(a.registry.Resources()) + len(a.registry.Templates()),
		},
		"kits":           kits,
		"mode":           a.Mode().String(),
		"config":         a.cfgMgr.Path(),
		"uptime_seconds": int64(time.Since(a.startTime).Seconds()),
	})
}

// AnalyzeServers probes each configured server and reports its transport,
// live status, and what it contributes. Unlike a plain listing this touches
// the wire, so it reflects sessions that died since their last use.
func (a *Aggregator) AnalyzeServers(ctx context.Context) *Result {
	names := a.configuredNames()
	servers := make([]map[string]any, 0, len(names))
	for _, name := range names {
		entry := a.entryClone(name)
		if entry == nil {
			continue
		}
		transport := "http"
		if entry.Command != "" {
			transport = "stdio"
		}
		mounted := a.isMounted(name)
		status := "disconnected"
		if mounted {
			status = string(a.up.Status(ctx, name))
		}
		tools, prompts, resources := a.registry.Counts(name)
		info := map[string]any{
			"name":      name,
			"transport": transport,
			"enabled":   entry.Enabled,
			"mounted":   mounted,
			"status":    status,
			"tools":     tools,
			"prompts":   prompts,
			"resources": resources,
		}
		if entry.Kit != "" {
			info["kit"] = entry.Kit
		}
		servers = append(servers, info)
	}
	return okResult(map[string]any{"servers": servers, "total": len(servers)})
}
