package magg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// progressSink receives relayed progress notifications. *mcp.ServerSession
// satisfies it.
type progressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

// progressTracker routes child progress notifications back to the frontend
// session that issued the call. Tokens are keyed per server, so two children
// reusing the same token value stay separate. Calls that arrive without a
// token get one minted before forwarding, which lets children report
// progress even when the caller did not ask for it.
type progressTracker struct {
	counter atomic.Uint64
	seq     atomic.Uint64

	mu     sync.RWMutex
	routes map[string]progressRoute

	log   *slog.Logger
	grace time.Duration
}

type progressRoute struct {
	sink progressSink
	seq  uint64
}

// Children may emit a final progress frame after the call result returns, so
// routes linger briefly past release.
const progressReleaseGrace = 250 * time.Millisecond

func newProgressTracker(log *slog.Logger) *progressTracker {
	return &progressTracker{
		routes: make(map[string]progressRoute),
		log:    log,
		grace:  progressReleaseGrace,
	}
}

// track registers the session as the progress destination for one call and
// returns a release func for when the call completes. The outbound params
// are stamped with a normalized or minted token as needed.
func (t *progressTracker) track(server string, sink progressSink, params *mcp.CallToolParams) func() {
	if params == nil || sink == nil {
		return func() {}
	}
	token := params.GetProgressToken()
	if token == nil {
		token = fmt.Sprintf("magg/%s/%d", server, t.counter.Add(1))
		stampProgressToken(params, token)
	} else {
		normalized, ok := normalizeProgressToken(token)
		if !ok {
			t.log.Warn("unsupported progress token", "server", server, "token", token)
			return func() {}
		}
		if normalized != token {
			stampProgressToken(params, normalized)
		}
		token = normalized
	}

	key := progressKey(server, token)
	seq := t.seq.Add(1)
	t.mu.Lock()
	t.routes[key] = progressRoute{sink: sink, seq: seq}
	t.mu.Unlock()
	return func() {
		if t.grace <= 0 {
			t.drop(key, sink, seq)
			return
		}
		time.AfterFunc(t.grace, func() {
			t.drop(key, sink, seq)
		})
	}
}

// drop removes a route only if it still belongs to the releasing call; a
// newer call reusing the token keeps its registration.
func (t *progressTracker) drop(key string, sink progressSink, seq uint64) {
	t.mu.Lock()
	if current, ok := t.routes[key]; ok && current.seq == seq && current.sink == sink {
		delete(t.routes, key)
	}
	t.mu.Unlock()
}

func (t *progressTracker) lookup(server string, token any) progressSink {
	normalized, ok := normalizeProgressToken(token)
	if !ok {
		t.log.Warn("unsupported progress token", "server", server, "token", token)
		return nil
	}
	t.mu.RLock()
	route := t.routes[progressKey(server, normalized)]
	t.mu.RUnlock()
	return route.sink
}

func stampProgressToken(params *mcp.CallToolParams, token any) {
	if params.GetMeta() == nil {
		params.SetMeta(map[string]any{})
	}
	params.SetProgressToken(token)
}

// progressKey builds a collision-free map key from a normalized token, which
// is always a string or an int64.
func progressKey(server string, token any) string {
	switch v := token.(type) {
	case int64:
		return fmt.Sprintf("%s\x00i\x00%d", server, v)
	default:
		return fmt.Sprintf("%s\x00s\x00%v", server, v)
	}
}

// normalizeProgressToken folds the JSON-representable token shapes down to
// string or int64 so equal tokens compare equal regardless of how they were
// decoded.
func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		if f, err := v.Float64(); err == nil {
			return normalizeProgressToken(f)
		}
		return v.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}
