package upstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// traceTransport wraps a transport so every JSON-RPC frame is echoed to the
// structured logger at debug level.
type traceTransport struct {
	name     string
	delegate mcp.Transport
	log      *slog.Logger
}

func (t *traceTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &traceConnection{name: t.name, delegate: conn, log: t.log}, nil
}

type traceConnection struct {
	name     string
	delegate mcp.Connection
	log      *slog.Logger
	mu       sync.Mutex
}

func (c *traceConnection) SessionID() string { return c.delegate.SessionID() }

func (c *traceConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit("recv", msg)
	}
	return msg, err
}

func (c *traceConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit("send", msg)
	return nil
}

func (c *traceConnection) Close() error { return c.delegate.Close() }

func (c *traceConnection) emit(direction string, msg jsonrpc.Message) {
	if c.log == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.log.Debug("rpc frame", "server", c.name, "direction", direction, "frame", string(encoded))
}
