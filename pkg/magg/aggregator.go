package magg

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sitbon/magg-go/pkg/config"
	"github.com/sitbon/magg-go/pkg/upstream"
)

// Aggregator is the control plane: it owns the configuration document, the
// live mounted state, the capability registry, and the frontend MCP server
// that clients connect to. Mutating operations serialize per server name;
// operations on unrelated names run concurrently.
type Aggregator struct {
	opts     Options
	log      *slog.Logger
	settings config.Settings

	cfgMgr *config.Manager
	kits   *config.KitSource
	up     *upstream.Manager

	ns       namespace
	registry *registry
	builtins map[string]toolTag

	modeValue atomic.Int32

	// mu guards the config document and the mounted/hooked maps. It is
	// never held across connects, capability listings, or frontend updates.
	mu      sync.Mutex
	cfg     *config.Config
	mounted map[string]bool
	hooked  map[string]bool

	locks *nameLocks

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	httpHandler   http.Handler

	// serverMu serializes batched add/remove calls against the frontend
	// server and guards the applied sets tracking what is registered there.
	serverMu sync.Mutex
	applied  appliedSets

	httpServerMu sync.Mutex
	httpServer   *http.Server

	publisher *publisher
	progress  *progressTracker
	sessions  *sessionTracker

	watcher   *config.Watcher
	startTime time.Time
}

// New builds an Aggregator from the given options, loads the configuration,
// and assembles the frontend server with its built-in tools. No child server
// is contacted until Start or an explicit mount.
func New(opts *Options) (*Aggregator, error) {
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, fmt.Errorf("magg: TokenOptions requires a TokenVerifier")
	}

	settings := config.LoadSettings()
	if options.Settings != nil {
		settings = *options.Settings
	}
	if settings.SelfPrefix == "" {
		settings.SelfPrefix = "magg"
	}
	path := options.ConfigPath
	if path == "" {
		path = settings.ResolveConfigPath()
	}

	cfgMgr := config.NewManager(path, options.Logger)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, err
	}

	a := &Aggregator{
		opts:      options,
		log:       options.Logger,
		settings:  settings,
		cfgMgr:    cfgMgr,
		kits:      config.NewKitSource(settings.SearchPaths, cfgMgr.Dir(), options.Logger),
		ns:        namespace{Separator: options.Separator},
		builtins:  make(map[string]toolTag),
		cfg:       cfg,
		mounted:   make(map[string]bool),
		hooked:    make(map[string]bool),
		locks:     newNameLocks(),
		applied:   newAppliedSets(),
		progress:  newProgressTracker(options.Logger),
		sessions:  newSessionTracker(),
		startTime: time.Now(),
	}
	a.registry = newRegistry(a.ns)
	a.publisher = &publisher{a: a}
	a.up = upstream.NewManager(&upstream.Options{
		ClientName:     options.Implementation.Name,
		ClientVersion:  options.Implementation.Version,
		DefaultTimeout: options.SyncTimeout,
		Logger:         options.Logger,
		LogRPC:         options.LogRPC,
		Elicitor:       a.forwardElicitation,
	})
	a.up.OnDisconnect(func(name string, err error) {
		a.log.Info("child session ended", "server", name, "error", err)
	})
	if settings.KitChangesOnly {
		a.SetMode(ModeKitChangesOnly)
	}

	a.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:           true,
		HasPrompts:         true,
		HasResources:       true,
		SubscribeHandler:   a.handleSubscribe,
		UnsubscribeHandler: a.handleUnsubscribe,
		Logger:             options.Logger,
	})
	a.server.AddReceivingMiddleware(a.modeFilter())
	a.registerTools()

	a.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return a.server
	}, &options.Streamable)
	a.httpHandler = a.buildHTTPHandler()

	return a, nil
}

// Start mounts every enabled configured server and begins watching the
// config file for external edits. Mount failures are logged and tolerated;
// configuration intent survives a child that cannot launch.
func (a *Aggregator) Start(ctx context.Context) error {
	for _, name := range a.configuredNames() {
		entry := a.entryClone(name)
		if entry == nil || !entry.Enabled {
			continue
		}
		if res := a.MountServer(ctx, name); !res.Success {
			a.log.Warn("initial mount failed", "server", name, "error", res.Message)
		}
	}
	if !a.opts.DisableConfigReload {
		w, err := config.WatchFile(a.cfgMgr.Path(), a.opts.ReloadDebounce, a.log, func() {
			if res := a.ReloadConfig(context.Background(), a.publisher); !res.Success {
				a.log.Warn("config reload failed", "error", res.Message)
			}
		})
		if err != nil {
			return fmt.Errorf("magg: watch config: %w", err)
		}
		a.watcher = w
	}
	return nil
}

// Close stops the config watcher and tears down every child session.
func (a *Aggregator) Close(ctx context.Context) error {
	if a.watcher != nil {
		_ = a.watcher.Close()
		a.watcher = nil
	}
	return a.up.DisconnectAll(ctx)
}

// Server exposes the frontend MCP server, mainly so embedders can connect
// in-process transports.
func (a *Aggregator) Server() *mcp.Server {
	return a.server
}

// ConfigPath returns the configuration file location in use.
func (a *Aggregator) ConfigPath() string {
	return a.cfgMgr.Path()
}

// Options returns a copy of the effective options after defaulting.
func (a *Aggregator) Options() Options {
	return a.opts
}

func (a *Aggregator) configuredNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.cfg.Servers))
	for name := range a.cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *Aggregator) entryClone(name string) *config.ServerEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if entry, ok := a.cfg.Servers[name]; ok {
		return entry.Clone()
	}
	return nil
}

func (a *Aggregator) isMounted(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mounted[name]
}

func (a *Aggregator) mountedNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.mounted))
	for name, on := range a.mounted {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// saveConfigLocked persists the current document. Callers hold a.mu.
func (a *Aggregator) saveConfigLocked() error {
	return a.cfgMgr.Save(a.cfg)
}

// nameLocks hands out one mutex per server or kit name so transitions on the
// same name serialize while unrelated names progress independently.
type nameLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newNameLocks() *nameLocks {
	return &nameLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *nameLocks) lock(name string) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// appliedSets tracks which contributed identifiers are currently registered
// on the frontend server, per kind. Guarded by serverMu.
type appliedSets struct {
	tools     map[string]bool
	prompts   map[string]bool
	resources map[string]bool
	templates map[string]bool
}

func newAppliedSets() appliedSets {
	return appliedSets{
		tools:     make(map[string]bool),
		prompts:   make(map[string]bool),
		resources: make(map[string]bool),
		templates: make(map[string]bool),
	}
}
