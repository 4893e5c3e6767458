package magg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
)

const metadataPath = "/.well-known/oauth-protected-resource"

// buildHTTPHandler assembles the HTTP surface: the Streamable endpoint at
// the configured path, bearer-guarded when a verifier is set, plus the
// protected resource metadata route, all behind the CORS policy.
func (a *Aggregator) buildHTTPHandler() http.Handler {
	var endpoint http.Handler = a.streamHandler
	if a.opts.TokenVerifier != nil {
		tokenOpts := a.opts.TokenOptions
		if tokenOpts == nil {
			tokenOpts = &auth.RequireBearerTokenOptions{}
		}
		endpoint = auth.RequireBearerToken(a.opts.TokenVerifier, tokenOpts)(endpoint)
	}

	path := a.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, endpoint)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", endpoint)
	}
	if a.opts.AuthorizationServer != "" {
		mux.HandleFunc(metadataPath, a.serveResourceMetadata)
	}
	return a.corsPolicy().Handler(mux)
}

func (a *Aggregator) corsPolicy() *cors.Cors {
	if a.opts.CORS != nil {
		return cors.New(*a.opts.CORS)
	}
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{
			"Authorization",
			"Content-Type",
			"Mcp-Session-Id",
			"Mcp-Protocol-Version",
			"Last-Event-ID",
		},
		ExposedHeaders: []string{"Mcp-Session-Id"},
		MaxAge:         300,
	})
}

// serveResourceMetadata answers RFC 9728 protected resource metadata so
// clients can discover the authorization server. The metadata route itself
// is never bearer-guarded.
func (a *Aggregator) serveResourceMetadata(w http.ResponseWriter, r *http.Request) {
	meta := map[string]any{
		"resource":                 a.protectedResource(),
		"authorization_servers":    []string{a.opts.AuthorizationServer},
		"bearer_methods_supported": []string{"header"},
	}
	if a.opts.TokenOptions != nil && len(a.opts.TokenOptions.Scopes) > 0 {
		meta["scopes_supported"] = a.opts.TokenOptions.Scopes
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(meta)
}

func (a *Aggregator) protectedResource() string {
	if a.opts.TokenOptions != nil {
		return strings.TrimSuffix(a.opts.TokenOptions.ResourceMetadataURL, metadataPath)
	}
	return ""
}

// Handler exposes the HTTP handler serving the Streamable endpoint.
func (a *Aggregator) Handler() http.Handler {
	return a.httpHandler
}

// ListenAndServe runs an HTTP server until the provided context is cancelled
// or the server stops.
func (a *Aggregator) ListenAndServe(ctx context.Context) error {
	a.httpServerMu.Lock()
	if a.httpServer != nil {
		srv := a.httpServer
		a.httpServerMu.Unlock()
		return fmt.Errorf("magg: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: a.opts.Addr, Handler: a.Handler()}
	a.httpServer = srv
	a.httpServerMu.Unlock()
	defer func() {
		a.httpServerMu.Lock()
		if a.httpServer == srv {
			a.httpServer = nil
		}
		a.httpServerMu.Unlock()
	}()

	a.log.Info("serving http", "addr", a.opts.Addr, "path", a.opts.Path)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.opts.SyncTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (a *Aggregator) Shutdown(ctx context.Context) error {
	a.httpServerMu.Lock()
	srv := a.httpServer
	a.httpServer = nil
	a.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// ServeStdio runs the frontend over stdio until the context ends. Logging
// must already be pointed away from stdout when this is used.
func (a *Aggregator) ServeStdio(ctx context.Context) error {
	return a.server.Run(ctx, &mcp.StdioTransport{})
}

func (a *Aggregator) handleSubscribe(ctx context.Context, req *mcp.SubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("magg: missing subscribe params")
	}
	target, ok := a.registry.ResourceTarget(req.Params.URI)
	if !ok {
		return fmt.Errorf("magg: unknown resource %q", req.Params.URI)
	}
	return a.up.Subscribe(bindSession(ctx, req.Session), target.Server, target.NativeURI)
}

func (a *Aggregator) handleUnsubscribe(ctx context.Context, req *mcp.UnsubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("magg: missing unsubscribe params")
	}
	target, ok := a.registry.ResourceTarget(req.Params.URI)
	if !ok {
		return fmt.Errorf("magg: unknown resource %q", req.Params.URI)
	}
	return a.up.Unsubscribe(bindSession(ctx, req.Session), target.Server, target.NativeURI)
}

// forwardResourceUpdate relays a child's resource update under the front
// URI. An update for a resource the registry has not seen triggers a resync
// before giving up, since the child may have announced it moments ago.
func (a *Aggregator) forwardResourceUpdate(name string) func(context.Context, *mcp.ResourceUpdatedNotificationParams) {
	return func(ctx context.Context, params *mcp.ResourceUpdatedNotificationParams) {
		if params == nil {
			return
		}
		frontURI, ok := a.registry.ResourceByNative(name, params.URI)
		if !ok {
			if err := a.syncResources(context.Background(), name); err != nil {
				a.logError("resync unknown resource", err, "server", name)
				return
			}
			frontURI, ok = a.registry.ResourceByNative(name, params.URI)
			if !ok {
				return
			}
		}
		forwarded := *params
		forwarded.URI = frontURI
		if err := a.server.ResourceUpdated(ctx, &forwarded); err != nil {
			a.logError("forward resource update", err, "server", name)
		}
	}
}

// forwardElicitation relays a child's elicitation request to a frontend
// session: the one bound to the triggering call when there is one, otherwise
// the most recently active session.
func (a *Aggregator) forwardElicitation(ctx context.Context, server string, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
	if req == nil || req.Params == nil {
		return nil, fmt.Errorf("magg: malformed elicitation payload from %s", server)
	}
	session := sessionFromContext(ctx)
	if session == nil {
		session = a.sessions.latest()
	}
	if session == nil {
		return nil, fmt.Errorf("magg: no client session to relay elicitation from %s", server)
	}
	return session.Elicit(ctx, req.Params)
}

func (a *Aggregator) forwardProgress(name string) func(context.Context, *mcp.ProgressNotificationParams) {
	return func(ctx context.Context, params *mcp.ProgressNotificationParams) {
		if params == nil {
			return
		}
		sink := a.progress.lookup(name, params.ProgressToken)
		if sink == nil {
			return
		}
		if err := sink.NotifyProgress(ctx, params); err != nil {
			a.logError("forward progress", err, "server", name)
		}
	}
}

func (a *Aggregator) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	a.log.Error(msg, attrs...)
}

func bindSession(ctx context.Context, session *mcp.ServerSession) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, session)
}

func sessionFromContext(ctx context.Context) *mcp.ServerSession {
	if ctx == nil {
		return nil
	}
	if session, ok := ctx.Value(sessionContextKey{}).(*mcp.ServerSession); ok {
		return session
	}
	return nil
}

type sessionContextKey struct{}

// sessionTracker remembers recently active frontend sessions so an
// elicitation arriving outside any request context still has somewhere to
// go. Entries expire on the next touch once they go stale.
type sessionTracker struct {
	mu   sync.Mutex
	seen map[*mcp.ServerSession]time.Time
}

const staleSessionAge = time.Hour

func newSessionTracker() *sessionTracker {
	return &sessionTracker{seen: make(map[*mcp.ServerSession]time.Time)}
}

func (t *sessionTracker) touch(s *mcp.ServerSession) {
	if s == nil {
		return
	}
	t.mu.Lock()
	now := time.Now()
	t.seen[s] = now
	for sess, at := range t.seen {
		if now.Sub(at) > staleSessionAge {
			delete(t.seen, sess)
		}
	}
	t.mu.Unlock()
}

func (t *sessionTracker) latest() *mcp.ServerSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best *mcp.ServerSession
	var bestAt time.Time
	for s, at := range t.seen {
		if at.After(bestAt) {
			best = s
			bestAt = at
		}
	}
	return best
}
