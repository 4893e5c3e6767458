package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Status represents the lifecycle of a managed connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// statusProbeTimeout bounds the ping used to derive a Status.
const statusProbeTimeout = 2 * time.Second

// Manager owns the client sessions to every mounted upstream server.
type Manager struct {
	mu sync.RWMutex

	options Options
	log     *slog.Logger

	states map[string]*serverState
	hooks  map[string]*hookSet

	elicitors map[string]Elicitor

	// disconnectHandlers run without the manager lock whenever a session
	// ends, expectedly or not.
	disconnectHandlers []func(string, error)
}

type serverState struct {
	config Config

	timeout time.Duration

	client  *mcp.Client
	session *mcp.ClientSession

	connecting bool
	connectCh  chan struct{}
}

type hookSet struct {
	toolsChanged     []func(context.Context)
	promptsChanged   []func(context.Context)
	resourcesChanged []func(context.Context)
	resourceUpdated  []func(context.Context, *mcp.ResourceUpdatedNotificationParams)
	progress         []func(context.Context, *mcp.ProgressNotificationParams)
}

// NewManager constructs an empty pool. Servers join it through Connect.
func NewManager(opts *Options) *Manager {
	options := opts.withDefaults()
	return &Manager{
		options:   options,
		log:       options.Logger,
		states:    make(map[string]*serverState),
		hooks:     make(map[string]*hookSet),
		elicitors: make(map[string]Elicitor),
	}
}

// Names returns the sorted identifiers of every registered server.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.states))
	for name := range m.states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a server name is registered.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.states[name]
	return ok
}

// ConfigFor returns the registered configuration for a server, or nil when
// the server is unknown.
func (m *Manager) ConfigFor(name string) Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[name]; ok {
		return st.config
	}
	return nil
}

// Connect establishes (or reuses) a client session. When cfg is nil the
// previously registered configuration is used. The session stays cached
// until it closes or Disconnect is invoked. Concurrent callers for the same
// server share a single connection attempt.
func (m *Manager) Connect(ctx context.Context, name string, cfg Config) (*mcp.ClientSession, error) {
	for {
		m.mu.Lock()
		state, ok := m.states[name]
		if !ok {
			if cfg == nil {
				m.mu.Unlock()
				return nil, fmt.Errorf("upstream: unknown server %q", name)
			}
			state = &serverState{}
			m.states[name] = state
		}
		if cfg != nil {
			state.config = cfg
		}
		if state.config == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("upstream: missing configuration for %q", name)
		}
		if state.session != nil {
			session := state.session
			m.mu.Unlock()
			return session, nil
		}
		if state.connecting {
			ch := state.connectCh
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ch:
				continue
			}
		}
		state.connecting = true
		state.connectCh = make(chan struct{})
		timeout := state.config.base().Timeout
		if timeout <= 0 {
			timeout = m.options.DefaultTimeout
		}
		state.timeout = timeout
		m.mu.Unlock()

		session, err := m.establish(ctx, name, state)
		m.mu.Lock()
		state.connecting = false
		close(state.connectCh)
		if err != nil {
			state.client = nil
			m.mu.Unlock()
			return nil, err
		}
		state.session = session
		m.mu.Unlock()
		go m.monitorSession(name, session)
		return session, nil
	}
}

func (m *Manager) establish(ctx context.Context, name string, state *serverState) (*mcp.ClientSession, error) {
	base := state.config.base()
	impl := &mcp.Implementation{
		Name:    m.options.ClientName,
		Version: m.options.ClientVersion,
	}
	clientOpts := m.clientOptions(name, base)

	attempt := func(ctx context.Context, transport mcp.Transport) (*mcp.ClientSession, *mcp.Client, error) {
		client := mcp.NewClient(impl, &clientOpts)
		if m.options.LogRPC {
			transport = &traceTransport{name: name, delegate: transport, log: m.log}
		}
		session, err := client.Connect(ctx, transport, nil)
		if err != nil {
			return nil, nil, err
		}
		return session, client, nil
	}

	connectCtx := ctx
	if state.timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, state.timeout)
		defer cancel()
	}

	switch cfg := state.config.(type) {
	case *StdioConfig:
		transport, err := buildStdioTransport(name, cfg)
		if err != nil {
			return nil, err
		}
		session, client, err := attempt(connectCtx, transport)
		if err != nil {
			return nil, err
		}
		state.client = client
		return session, nil
	case *HTTPConfig:
		return m.establishHTTP(connectCtx, name, state, cfg, attempt)
	default:
		return nil, fmt.Errorf("upstream: unsupported config for %q", name)
	}
}

func (m *Manager) establishHTTP(
	ctx context.Context,
	name string,
	state *serverState,
	cfg *HTTPConfig,
	attempt func(context.Context, mcp.Transport) (*mcp.ClientSession, *mcp.Client, error),
) (*mcp.ClientSession, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("upstream: endpoint missing for %q", name)
	}
	httpClient := httpClientFor(cfg)

	streamable := &mcp.StreamableClientTransport{
		Endpoint:   cfg.Endpoint,
		HTTPClient: httpClient,
		MaxRetries: cfg.MaxRetries,
	}
	sse := &mcp.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: httpClient}

	first, second := mcp.Transport(streamable), mcp.Transport(sse)
	if preferSSE(cfg) {
		first, second = second, first
	}

	session, client, err := attempt(ctx, first)
	if err != nil {
		var fallbackErr error
		session, client, fallbackErr = attempt(ctx, second)
		if fallbackErr != nil {
			return nil, fmt.Errorf("upstream: connect %q: %v; fallback: %w", name, err, fallbackErr)
		}
	}
	state.client = client
	return session, nil
}

func buildStdioTransport(name string, cfg *StdioConfig) (mcp.Transport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("upstream: command missing for %q", name)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if cfg.Env != nil {
		cmd.Env = cfg.Env
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

func preferSSE(cfg *HTTPConfig) bool {
	if cfg.PreferSSE != nil {
		return *cfg.PreferSSE
	}
	return strings.HasSuffix(strings.TrimSpace(cfg.Endpoint), "/sse")
}

// monitorSession clears the cached session once it ends and fans the event
// out to disconnect handlers. The state guard keeps a stale monitor from
// clobbering a newer session.
func (m *Manager) monitorSession(name string, session *mcp.ClientSession) {
	err := session.Wait()
	m.mu.Lock()
	state, ok := m.states[name]
	if ok && state.session == session {
		state.session = nil
		state.client = nil
	} else {
		ok = false
	}
	handlers := append([]func(string, error){}, m.disconnectHandlers...)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, h := range handlers {
		func() {
			defer func() { _ = recover() }()
			h(name, err)
		}()
	}
}

// OnDisconnect registers a handler invoked whenever a session ends. Handlers
// run without the manager lock held; a nil error means a clean close.
func (m *Manager) OnDisconnect(handler func(name string, err error)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.disconnectHandlers = append(m.disconnectHandlers, handler)
	m.mu.Unlock()
}

// Disconnect closes the session for the given server, keeping its
// registration so a later Connect can redial.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	m.mu.Lock()
	state, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	session := state.session
	m.mu.Unlock()
	if session == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	var closeErr error
	go func() {
		closeErr = session.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return closeErr
	}
}

// Remove closes any active session and forgets the server entirely,
// including its hooks and elicitor.
func (m *Manager) Remove(ctx context.Context, name string) error {
	if err := m.Disconnect(ctx, name); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.states, name)
	delete(m.hooks, name)
	delete(m.elicitors, name)
	m.mu.Unlock()
	return nil
}

// DisconnectAll closes every active session.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.Names() {
		if err := m.Disconnect(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return fmt.Errorf("upstream: disconnect: %s", strings.Join(parts, "; "))
}

// Ping sends a protocol-level ping, establishing a connection if needed.
func (m *Manager) Ping(ctx context.Context, name string) error {
	session, timeout, err := m.ensureSession(ctx, name)
	if err != nil {
		return err
	}
	ctx, cancel := m.withTimeout(ctx, timeout)
	defer cancel()
	return session.Ping(ctx, nil)
}

// Status derives the connection state for a server. A cached session is
// verified with a short ping so half-dead transports report as disconnected.
func (m *Manager) Status(ctx context.Context, name string) Status {
	m.mu.RLock()
	state, ok := m.states[name]
	if !ok {
		m.mu.RUnlock()
		return StatusDisconnected
	}
	if state.connecting {
		m.mu.RUnlock()
		return StatusConnecting
	}
	session := state.session
	m.mu.RUnlock()
	if session == nil {
		return StatusDisconnected
	}
	ctx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()
	if err := session.Ping(ctx, nil); err != nil {
		return StatusDisconnected
	}
	return StatusConnected
}

// Tools returns the server's complete tool list, following pagination
// cursors. Servers without the tools capability yield an empty list.
func (m *Manager) Tools(ctx context.Context, name string) ([]*mcp.Tool, error) {
	session, timeout, err := m.ensureSession(ctx, name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx, timeout)
	defer cancel()
	tools := []*mcp.Tool{}
	var cursor string
	for {
		res, err := session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			if isUnsupportedError(err) {
				return []*mcp.Tool{}, nil
			}
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
}

// Prompts returns the server's complete prompt list, following pagination
// cursors. Servers without the prompts capability yield an empty list.
func (m *Manager) Prompts(ctx context.Context, name string) ([]*mcp.Prompt, error) {
	session, timeout, err := m.ensureSession(ctx, name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx, timeout)
	defer cancel()
	prompts := []*mcp.Prompt{}
	var cursor string
	for {
		res, err := session.ListPrompts(ctx, &mcp.ListPromptsParams{Cursor: cursor})
		if err != nil {
			if isUnsupportedError(err) {
				return []*mcp.Prompt{}, nil
			}
			return nil, err
		}
		prompts = append(prompts, res.Prompts...)
		if res.NextCursor == "" {
			return prompts, nil
		}
		cursor = res.NextCursor
	}
}

// Resources returns the server's complete resource list, following
// pagination cursors. Servers without the resources capability yield an
// empty list.
func (m *Manager) Resources(ctx context.Context, name string) ([]*mcp.Resource, error) {
	session, timeout, err := m.ensureSession(ctx, name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx, timeout)
	defer cancel()
	resources := []*mcp.Resource{}
	var cursor string
	for {
		res, err := session.ListResources(ctx, &mcp.ListResourcesParams{Cursor: cursor})
		if err != nil {
			if isUnsupportedError(err) {
				return []*mcp.Resource{}, nil
			}
			return nil, err
		}
		resources = append(resources, res.Resources...)
		if res.NextCursor == "" {
			return resources, nil
		}
		cursor = res.NextCursor
	}
}

// ResourceTemplates returns the server's complete resource template list,
// following pagination cursors. Servers without the capability yield an
// empty list.
func (m *Manager) ResourceTemplates(ctx context.Context, name string) ([]*mcp.ResourceTemplate, error) {
	session, timeout, err := m.ensureSession(ctx, name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx, timeout)
	defer cancel()
	templates := []*mcp.ResourceTemplate{}
	var cursor string
	for {
		res, err := session.ListResourceTemplates(ctx, &mcp.ListResourceTemplatesParams{Cursor: cursor})
		if err != nil {
			if isUnsupportedError(err) {
				return []*mcp.ResourceTemplate{}, nil
			}
			return nil, err
		}
		templates = append(templates, res.ResourceTemplates...)
		if res.NextCursor == "" {
			return templates, nil
		}
		cursor = res.NextCursor
	}
}

// CallTool invokes a tool on the named server. The caller's params travel
// unmodified so metadata such as progress tokens survives the hop.
func (m *Manager) CallTool(ctx context.Context, name string, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	if params == nil || params.Name == "" {
		return nil, fmt.Errorf("upstream: tool name required for %q", name)
	}
	session, timeout, err := m.ensureSession(ctx, name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx, timeout)
	defer cancel()
	return session.CallTool(ctx, params)
}

// GetPrompt retrieves a single prompt from the named server.
func (m *Manager) GetPrompt(ctx context.Context, name string, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	session, timeout, err := m.ensureSession(ctx, name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx, timeout)
	defer cancel()
	return session.GetPrompt(ctx, params)
}

// ReadResource proxies a resources/read request to the named server.
func (m *Manager) ReadResource(ctx context.Context, name string, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	session, timeout, err := m.ensureSession(ctx, name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx, timeout)
	defer cancel()
	return session.ReadResource(ctx, params)
}

// Subscribe registers for update notifications on a resource URI.
func (m *Manager) Subscribe(ctx context.Context, name, uri string) error {
	session, timeout, err := m.ensureSession(ctx, name)
	if err != nil {
		return err
	}
	ctx, cancel := m.withTimeout(ctx, timeout)
	defer cancel()
	return session.Subscribe(ctx, &mcp.SubscribeParams{URI: uri})
}

// Unsubscribe cancels a resource subscription created via Subscribe.
func (m *Manager) Unsubscribe(ctx context.Context, name, uri string) error {
	session, timeout, err := m.ensureSession(ctx, name)
	if err != nil {
		return err
	}
	ctx, cancel := m.withTimeout(ctx, timeout)
	defer cancel()
	return session.Unsubscribe(ctx, &mcp.UnsubscribeParams{URI: uri})
}

// SetElicitor installs a server-specific elicitation handler, overriding the
// manager-wide Options.Elicitor for that server. A nil handler removes the
// override.
func (m *Manager) SetElicitor(name string, e Elicitor) {
	m.mu.Lock()
	if e == nil {
		delete(m.elicitors, name)
	} else {
		m.elicitors[name] = e
	}
	m.mu.Unlock()
}

// OnToolsChanged registers a hook for tool list change notifications from
// the named server.
func (m *Manager) OnToolsChanged(name string, fn func(context.Context)) {
	m.mu.Lock()
	hs := m.ensureHooksLocked(name)
	hs.toolsChanged = append(hs.toolsChanged, fn)
	m.mu.Unlock()
}

// OnPromptsChanged registers a hook for prompt list change notifications.
func (m *Manager) OnPromptsChanged(name string, fn func(context.Context)) {
	m.mu.Lock()
	hs := m.ensureHooksLocked(name)
	hs.promptsChanged = append(hs.promptsChanged, fn)
	m.mu.Unlock()
}

// OnResourcesChanged registers a hook for resource list change
// notifications.
func (m *Manager) OnResourcesChanged(name string, fn func(context.Context)) {
	m.mu.Lock()
	hs := m.ensureHooksLocked(name)
	hs.resourcesChanged = append(hs.resourcesChanged, fn)
	m.mu.Unlock()
}

// OnResourceUpdated registers a hook for resource update notifications.
func (m *Manager) OnResourceUpdated(name string, fn func(context.Context, *mcp.ResourceUpdatedNotificationParams)) {
	m.mu.Lock()
	hs := m.ensureHooksLocked(name)
	hs.resourceUpdated = append(hs.resourceUpdated, fn)
	m.mu.Unlock()
}

// OnProgress registers a hook for progress notifications.
func (m *Manager) OnProgress(name string, fn func(context.Context, *mcp.ProgressNotificationParams)) {
	m.mu.Lock()
	hs := m.ensureHooksLocked(name)
	hs.progress = append(hs.progress, fn)
	m.mu.Unlock()
}

func (m *Manager) ensureHooksLocked(name string) *hookSet {
	hs := m.hooks[name]
	if hs == nil {
		hs = &hookSet{}
		m.hooks[name] = hs
	}
	return hs
}

// clientOptions builds the SDK client options for one server, routing every
// notification the session can emit into the manager's hook registry.
func (m *Manager) clientOptions(name string, base *BaseConfig) mcp.ClientOptions {
	opts := mcp.ClientOptions{KeepAlive: base.KeepAlive}
	opts.ToolListChangedHandler = func(ctx context.Context, _ *mcp.ToolListChangedRequest) {
		for _, fn := range m.hookFuncs(name, func(hs *hookSet) []func(context.Context) { return hs.toolsChanged }) {
			fn(ctx)
		}
	}
	opts.PromptListChangedHandler = func(ctx context.Context, _ *mcp.PromptListChangedRequest) {
		for _, fn := range m.hookFuncs(name, func(hs *hookSet) []func(context.Context) { return hs.promptsChanged }) {
			fn(ctx)
		}
	}
	opts.ResourceListChangedHandler = func(ctx context.Context, _ *mcp.ResourceListChangedRequest) {
		for _, fn := range m.hookFuncs(name, func(hs *hookSet) []func(context.Context) { return hs.resourcesChanged }) {
			fn(ctx)
		}
	}
	opts.ResourceUpdatedHandler = func(ctx context.Context, req *mcp.ResourceUpdatedNotificationRequest) {
		if req == nil || req.Params == nil {
			return
		}
		m.mu.RLock()
		var fns []func(context.Context, *mcp.ResourceUpdatedNotificationParams)
		if hs := m.hooks[name]; hs != nil {
			fns = append(fns, hs.resourceUpdated...)
		}
		m.mu.RUnlock()
		for _, fn := range fns {
			fn(ctx, req.Params)
		}
	}
	opts.ProgressNotificationHandler = func(ctx context.Context, req *mcp.ProgressNotificationClientRequest) {
		if req == nil || req.Params == nil {
			return
		}
		m.mu.RLock()
		var fns []func(context.Context, *mcp.ProgressNotificationParams)
		if hs := m.hooks[name]; hs != nil {
			fns = append(fns, hs.progress...)
		}
		m.mu.RUnlock()
		for _, fn := range fns {
			fn(ctx, req.Params)
		}
	}
	opts.ElicitationHandler = func(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
		if e := m.elicitorFor(name); e != nil {
			return e(ctx, name, req)
		}
		return nil, fmt.Errorf("upstream: no elicitation handler for %q", name)
	}
	return opts
}

func (m *Manager) hookFuncs(name string, pick func(*hookSet) []func(context.Context)) []func(context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hs := m.hooks[name]
	if hs == nil {
		return nil
	}
	return append([]func(context.Context){}, pick(hs)...)
}

func (m *Manager) elicitorFor(name string) Elicitor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.elicitors[name]; ok && e != nil {
		return e
	}
	return m.options.Elicitor
}

// ensureSession waits out any in-flight connection attempt before dialing
// itself, so concurrent RPCs against a down server produce one connection.
func (m *Manager) ensureSession(ctx context.Context, name string) (*mcp.ClientSession, time.Duration, error) {
	for {
		m.mu.RLock()
		state, ok := m.states[name]
		if !ok {
			m.mu.RUnlock()
			return nil, 0, fmt.Errorf("upstream: unknown server %q", name)
		}
		if state.session != nil {
			session, timeout := state.session, state.timeout
			m.mu.RUnlock()
			return session, timeout, nil
		}
		connecting, ch := state.connecting, state.connectCh
		m.mu.RUnlock()
		if !connecting {
			if _, err := m.Connect(ctx, name, nil); err != nil {
				return nil, 0, err
			}
			continue
		}
		if ch == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-ch:
		}
	}
}

func (m *Manager) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func httpClientFor(cfg *HTTPConfig) *http.Client {
	base := cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	if len(cfg.Headers) == 0 {
		return base
	}
	clone := *base
	next := clone.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	clone.Transport = &headerRoundTripper{next: next, headers: cloneHeader(cfg.Headers)}
	return &clone
}

type headerRoundTripper struct {
	next    http.RoundTripper
	headers http.Header
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, values := range rt.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return rt.next.RoundTrip(req)
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}

// isUnsupportedError reports whether an RPC failed because the server does
// not implement the method, so list calls can degrade to empty results.
func isUnsupportedError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"method not found",
		"not implemented",
		"unimplemented",
		"unsupported",
		"does not support",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
