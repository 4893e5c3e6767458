package magg

import (
	"context"
	"sort"
	"time"
)

// CheckArgs tune a health sweep over the mounted servers.
type CheckArgs struct {
	Action  string  `json:"action,omitempty" jsonschema:"What to do with unresponsive servers: report, disable, or unmount (default report)"`
	Timeout float64 `json:"timeout,omitempty" jsonschema:"Per-server probe timeout in seconds (default 5)"`
}

const defaultProbeTimeout = 5 * time.Second

// Check pings every mounted server and optionally remediates the
// unresponsive ones. Change notifications fire only when at least one
// remediation action was taken; a clean report stays silent.
func (a *Aggregator) Check(ctx context.Context, args CheckArgs, cc ClientContext) *Result {
	actionsTaken := []string{}
	defer func() {
		if len(actionsTaken) > 0 {
			a.dispatchChanged(ctx, cc)
		}
	}()

	action := args.Action
	if action == "" {
		action = "report"
	}
	switch action {
	case "report", "disable", "unmount":
	default:
		return failf("invalid action %q: want report, disable, or unmount", args.Action)
	}

	timeout := defaultProbeTimeout
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout * float64(time.Second))
	}

	names := a.mountedNames()
	healthy := []string{}
	unhealthy := []string{}
	for _, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		err := a.up.Ping(probeCtx, name)
		cancel()
		if err == nil {
			healthy = append(healthy, name)
			continue
		}
		unhealthy = append(unhealthy, name)
		a.log.Warn("health probe failed", "server", name, "action", action, "error", err)

		switch action {
		case "disable":
			unlock := a.locks.lock(name)
			dres := a.disableLocked(ctx, name)
			unlock()
			if dres.Success {
				actionsTaken = append(actionsTaken, "disabled "+name)
			} else {
				a.log.Warn("health disable failed", "server", name, "error", dres.Message)
			}
		case "unmount":
			unlock := a.locks.lock(name)
			ures := a.unmountLocked(ctx, name)
			unlock()
			if ures.Success {
				actionsTaken = append(actionsTaken, "unmounted "+name)
			} else {
				a.log.Warn("health unmount failed", "server", name, "error", ures.Message)
			}
		}
	}
	sort.Strings(healthy)
	sort.Strings(unhealthy)

	return okResult(map[string]any{
		"action":        action,
		"checked":       len(names),
		"healthy":       healthy,
		"unhealthy":     unhealthy,
		"actions_taken": actionsTaken,
	})
}
