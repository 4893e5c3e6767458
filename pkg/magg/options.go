package magg

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/sitbon/magg-go/pkg/config"
)

// defaultCatalogURL is the public server index queried by the search tool.
const defaultCatalogURL = "https://glama.ai/api/mcp/v1/servers"

// Options configure an Aggregator instance.
type Options struct {
	// Implementation identifies the frontend MCP server. Defaults to magg.
	Implementation *mcp.Implementation
	// Settings supply the environment-derived knobs. Nil reads the process
	// environment once at construction.
	Settings *config.Settings
	// ConfigPath overrides the config.json location resolved from Settings.
	ConfigPath string
	// Addr is the listen address used by ListenAndServe. Defaults to ":8000".
	Addr string
	// Path mounts the Streamable handler under an HTTP path. Defaults to "/mcp".
	Path string
	// Separator joins a server prefix and a native tool name. Defaults to "_".
	Separator string
	// DisableConfigReload turns off the config file watcher started by Start.
	DisableConfigReload bool
	// ReloadDebounce is the settle window for watcher-triggered reloads.
	ReloadDebounce time.Duration
	// Streamable tweaks the Streamable HTTP handler passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// SyncTimeout bounds capability listing during mount and resync.
	SyncTimeout time.Duration
	// CatalogURL points the search tool at a server index. Defaults to the
	// public catalog.
	CatalogURL string
	// LogRPC echoes child JSON-RPC frames at debug level.
	LogRPC bool
	// CORS overrides the permissive default policy on the HTTP handler.
	CORS *cors.Options
	// TokenVerifier validates bearer tokens on the HTTP endpoint. Required
	// whenever TokenOptions is set.
	TokenVerifier func(ctx context.Context, token string, req *http.Request) (*auth.TokenInfo, error)
	// TokenOptions tune the bearer token middleware.
	TokenOptions *auth.RequireBearerTokenOptions
	// AuthorizationServer advertises the OAuth authorization server through
	// the protected-resource metadata route.
	AuthorizationServer string
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "magg",
			Title:   "Magg",
			Version: "0.1.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8000"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Separator == "" {
		opts.Separator = "_"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	if opts.CatalogURL == "" {
		opts.CatalogURL = defaultCatalogURL
	}
	return opts
}
