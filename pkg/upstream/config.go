package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// BaseConfig captures settings shared by all transport types.
type BaseConfig struct {
	// Timeout bounds connection establishment and individual RPC calls.
	// Zero falls back to the manager's default timeout.
	Timeout time.Duration
	// KeepAlive enables protocol-level ping keepalives on the session when
	// positive.
	KeepAlive time.Duration
}

// StdioConfig describes an MCP server launched as a child process speaking
// the protocol on stdin/stdout.
type StdioConfig struct {
	BaseConfig
	Command string
	Args    []string
	// Env is the complete environment for the child process. A nil slice
	// inherits the parent environment.
	Env []string
	// Dir sets the working directory for the child process.
	Dir string
}

func (c *StdioConfig) base() *BaseConfig { return &c.BaseConfig }

// HTTPConfig describes an MCP server reachable over Streamable HTTP or SSE.
type HTTPConfig struct {
	BaseConfig
	Endpoint string
	// Headers are applied to every outbound request, replacing any values
	// the transport would otherwise send for the same keys.
	Headers http.Header
	// HTTPClient overrides the http.Client used by the transports.
	HTTPClient *http.Client
	// MaxRetries configures the Streamable transport's reconnect attempts.
	MaxRetries int
	// PreferSSE forces the legacy SSE transport to be tried first. When nil,
	// endpoints ending in /sse get SSE first and everything else gets
	// Streamable HTTP first, with the other transport as fallback.
	PreferSSE *bool
}

func (c *HTTPConfig) base() *BaseConfig { return &c.BaseConfig }

// Config is implemented by all transport-specific configurations.
type Config interface {
	base() *BaseConfig
}

// TransportKind identifies the transport family used by a Config.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// TransportOf returns the transport kind for a Config, or an empty string
// when the value is nil or an unknown implementation.
func TransportOf(cfg Config) TransportKind {
	switch cfg.(type) {
	case *StdioConfig:
		return TransportStdio
	case *HTTPConfig:
		return TransportHTTP
	default:
		return ""
	}
}

// AsStdio narrows cfg to *StdioConfig, returning (nil, false) when it does
// not match.
func AsStdio(cfg Config) (*StdioConfig, bool) {
	c, ok := cfg.(*StdioConfig)
	return c, ok
}

// AsHTTP narrows cfg to *HTTPConfig, returning (nil, false) when it does not
// match.
func AsHTTP(cfg Config) (*HTTPConfig, bool) {
	c, ok := cfg.(*HTTPConfig)
	return c, ok
}

// Elicitor answers an elicitation request raised by the named upstream
// server, typically by forwarding it to whoever is driving the aggregator.
type Elicitor func(ctx context.Context, server string, req *mcp.ElicitRequest) (*mcp.ElicitResult, error)

// Options configure a Manager instance.
type Options struct {
	// ClientName is the client name advertised to servers during
	// initialization. Defaults to "magg".
	ClientName string
	// ClientVersion is reported to servers alongside ClientName.
	ClientVersion string
	// DefaultTimeout applies whenever a server configuration omits an
	// explicit timeout.
	DefaultTimeout time.Duration
	// Elicitor handles elicitation requests from servers that have no
	// server-specific elicitor installed. When nil, such requests fail.
	Elicitor Elicitor
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// LogRPC echoes every JSON-RPC frame to the logger at debug level.
	LogRPC bool
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.ClientName == "" {
		opts.ClientName = "magg"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
