package magg

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sitbon/magg-go/pkg/config"
)

// Kit transitions serialize on a dedicated lock key. Server names cannot
// contain a colon, so these keys never collide with server locks.
func kitLockKey(name string) string {
	return "kit:" + name
}

// LoadKit installs every server a discovered kit declares, in declared
// order, tagging each entry with the kit name. Servers that fail to install
// or mount are reported but do not abort the rest of the kit, and the kit
// record is written even when some members failed so an unload can clean up
// whatever did land.
func (a *Aggregator) LoadKit(ctx context.Context, name string, cc ClientContext) *Result {
	defer a.dispatchChanged(ctx, cc)
	unlock := a.locks.lock(kitLockKey(name))
	defer unlock()

	a.mu.Lock()
	_, loaded := a.cfg.Kits[name]
	a.mu.Unlock()
	if loaded {
		return failResult(fmt.Errorf("%w: kit %q", ErrAlreadyLoaded, name))
	}

	kit, err := a.kits.Get(name)
	if err != nil {
		if errors.Is(err, config.ErrKitNotFound) {
			return failResult(fmt.Errorf("%w: kit %q", ErrNotFound, name))
		}
		return failResult(err)
	}

	// A kit file may declare a name that differs from the filename it was
	// requested by. The declared name is canonical: records and entry tags
	// use it, and loading serializes on it as well.
	if kit.Name != name {
		unlockCanon := a.locks.lock(kitLockKey(kit.Name))
		defer unlockCanon()
		name = kit.Name
		a.mu.Lock()
		_, loaded = a.cfg.Kits[name]
		a.mu.Unlock()
		if loaded {
			return failResult(fmt.Errorf("%w: kit %q", ErrAlreadyLoaded, name))
		}
	}

	res := okf("loaded kit %q", name)
	added := []string{}
	for _, ks := range kit.Servers {
		entry := ks.Entry.Clone()
		entry.Kit = name
		unlockSrv := a.locks.lock(ks.Name)
		sres := a.addEntry(ctx, ks.Name, entry)
		unlockSrv()
		if !sres.Success {
			res.warn("server %s: %s", ks.Name, sres.Message)
			continue
		}
		added = append(added, ks.Name)
		res.Errors = append(res.Errors, sres.Errors...)
	}

	a.mu.Lock()
	if a.cfg.Kits == nil {
		a.cfg.Kits = make(map[string]*config.KitRecord)
	}
	a.cfg.Kits[name] = &config.KitRecord{Description: kit.Description}
	err = a.saveConfigLocked()
	a.mu.Unlock()
	if err != nil {
		res.warn("save config: %v", err)
	}

	res.set("kit", name).set("servers_added", added)
	a.log.Info("kit loaded", "kit", name, "servers", len(added))
	return res
}

// UnloadKit removes every server entry owned by the kit and drops the kit
// record. Servers added outside the kit are untouched even if the kit file
// also names them.
func (a *Aggregator) UnloadKit(ctx context.Context, name string, cc ClientContext) *Result {
	defer a.dispatchChanged(ctx, cc)
	unlock := a.locks.lock(kitLockKey(name))
	defer unlock()

	a.mu.Lock()
	_, loaded := a.cfg.Kits[name]
	var owned []string
	for srv, entry := range a.cfg.Servers {
		if entry.Kit == name {
			owned = append(owned, srv)
		}
	}
	a.mu.Unlock()
	if !loaded {
		return failResult(fmt.Errorf("%w: kit %q", ErrNotLoaded, name))
	}
	sort.Strings(owned)

	res := okf("unloaded kit %q", name)
	removed := []string{}
	for _, srv := range owned {
		unlockSrv := a.locks.lock(srv)
		rres := a.removeEntry(ctx, srv)
		unlockSrv()
		if !rres.Success {
			res.warn("server %s: %s", srv, rres.Message)
			continue
		}
		removed = append(removed, srv)
		res.Errors = append(res.Errors, rres.Errors...)
	}

	a.mu.Lock()
	delete(a.cfg.Kits, name)
	err := a.saveConfigLocked()
	a.mu.Unlock()
	if err != nil {
		res.warn("save config: %v", err)
	}

	res.set("kit", name).set("servers_removed", removed)
	a.log.Info("kit unloaded", "kit", name, "servers", len(removed))
	return res
}

// ListKits merges discovered kit files with the loaded records, so kits
// whose file has since vanished still show up as loaded.
func (a *Aggregator) ListKits(ctx context.Context) *Result {
	discovered := a.kits.List()

	a.mu.Lock()
	records := make(map[string]*config.KitRecord, len(a.cfg.Kits))
	for name, rec := range a.cfg.Kits {
		records[name] = rec
	}
	a.mu.Unlock()

	kits := make(map[string]any, len(discovered))
	for _, kit := range discovered {
		_, loaded := records[kit.Name]
		kits[kit.Name] = map[string]any{
			"description": kit.Description,
			"loaded":      loaded,
			"path":        kit.Path,
			"servers":     len(kit.Servers),
		}
		delete(records, kit.Name)
	}
	for name, rec := range records {
		kits[name] = map[string]any{
			"description": rec.Description,
			"loaded":      true,
			"missing":     true,
		}
	}
	return okResult(map[string]any{"kits": kits, "total": len(kits)})
}

// KitInfo describes one discoverable kit, including which of its servers are
// currently present and mounted.
func (a *Aggregator) KitInfo(ctx context.Context, name string) *Result {
	kit, err := a.kits.Get(name)
	if err != nil {
		if errors.Is(err, config.ErrKitNotFound) {
			return failResult(fmt.Errorf("%w: kit %q", ErrNotFound, name))
		}
		return failResult(err)
	}

	a.mu.Lock()
	_, loaded := a.cfg.Kits[kit.Name]
	present := make(map[string]bool, len(kit.Servers))
	mounted := make(map[string]bool, len(kit.Servers))
	for _, ks := range kit.Servers {
		if entry, ok := a.cfg.Servers[ks.Name]; ok && entry.Kit == kit.Name {
			present[ks.Name] = true
			mounted[ks.Name] = a.mounted[ks.Name]
		}
	}
	a.mu.Unlock()

	servers := make([]map[string]any, 0, len(kit.Servers))
	for _, ks := range kit.Servers {
		info := map[string]any{
			"name":    ks.Name,
			"enabled": ks.Entry.Enabled,
			"present": present[ks.Name],
			"mounted": mounted[ks.Name],
		}
		if ks.Entry.Command != "" {
			info["command"] = ks.Entry.Command
		}
		if ks.Entry.URI != "" {
			info["uri"] = ks.Entry.URI
		}
		if ks.Entry.Notes != "" {
			info["notes"] = ks.Entry.Notes
		}
		servers = append(servers, info)
	}
	return okResult(map[string]any{
		"name":        kit.Name,
		"description": kit.Description,
		"path":        kit.Path,
		"loaded":      loaded,
		"servers":     servers,
	})
}
