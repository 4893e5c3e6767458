package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type echoArgs struct {
	Text string `json:"text"`
}

func addEchoTool(srv *mcp.Server, name string) {
	mcp.AddTool(srv, &mcp.Tool{Name: name, Description: "echo text back"},
		func(_ context.Context, _ *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, map[string]any, error) {
			return nil, map[string]any{"echo": in.Text}, nil
		})
}

// newUpstreamServer runs an in-process MCP server behind a Streamable HTTP
// endpoint so manager tests exercise the real transport stack without
// touching the network.
func newUpstreamServer(t *testing.T, name string, wrap func(http.Handler) http.Handler) (*mcp.Server, string) {
	t.Helper()
	srv := mcp.NewServer(&mcp.Implementation{Name: name, Version: "1.0.0"}, &mcp.ServerOptions{
		HasTools:           true,
		HasResources:       true,
		SubscribeHandler:   func(context.Context, *mcp.SubscribeRequest) error { return nil },
		UnsubscribeHandler: func(context.Context, *mcp.UnsubscribeRequest) error { return nil },
	})
	var handler http.Handler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return srv
	}, nil)
	if wrap != nil {
		handler = wrap(handler)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestConnectListAndCallOverStreamableHTTP(t *testing.T) {
	t.Parallel()

	srv, endpoint := newUpstreamServer(t, "calc", nil)
	addEchoTool(srv, "echo")

	manager := NewManager(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	t.Cleanup(func() { _ = manager.DisconnectAll(context.Background()) })

	cfg := &HTTPConfig{BaseConfig: BaseConfig{Timeout: 10 * time.Second}, Endpoint: endpoint}
	if _, err := manager.Connect(ctx, "calc", cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if got := manager.Names(); !reflect.DeepEqual(got, []string{"calc"}) {
		t.Fatalf("Names() = %v, expected [calc]", got)
	}
	if !manager.Has("calc") {
		t.Fatalf("Has(calc) = false after Connect")
	}
	stored, ok := AsHTTP(manager.ConfigFor("calc"))
	if !ok || stored.Endpoint != endpoint {
		t.Fatalf("ConfigFor(calc) did not round-trip: %#v", manager.ConfigFor("calc"))
	}
	if TransportOf(stored) != TransportHTTP {
		t.Fatalf("TransportOf = %q, expected http", TransportOf(stored))
	}

	tools, err := manager.Tools(ctx, "calc")
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("unexpected tool list: %+v", tools)
	}

	result, err := manager.CallTool(ctx, "calc", &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"text": "ping"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result == nil || result.IsError {
		t.Fatalf("CallTool returned error result: %+v", result)
	}
	if len(result.Content) == 0 && result.StructuredContent == nil {
		t.Fatalf("CallTool returned empty content")
	}

	if status := manager.Status(ctx, "calc"); status != StatusConnected {
		t.Fatalf("Status = %q, expected connected", status)
	}
	if err := manager.Disconnect(ctx, "calc"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return manager.Status(ctx, "calc") == StatusDisconnected
	})
	if !manager.Has("calc") {
		t.Fatalf("Disconnect should keep the registration")
	}
}

func TestConnectRequiresConfigForUnknownServer(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil)
	ctx := context.Background()

	if _, err := manager.Connect(ctx, "ghost", nil); err == nil {
		t.Fatalf("expected error connecting to unknown server without config")
	}
	if _, err := manager.Tools(ctx, "ghost"); err == nil {
		t.Fatalf("expected error listing tools for unknown server")
	}
	if err := manager.Disconnect(ctx, "ghost"); err != nil {
		t.Fatalf("Disconnect of unknown server should be a no-op, got %v", err)
	}
}

func TestToolListChangedHookFires(t *testing.T) {
	t.Parallel()

	srv, endpoint := newUpstreamServer(t, "dynamic", nil)
	addEchoTool(srv, "first")

	manager := NewManager(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	t.Cleanup(func() { _ = manager.DisconnectAll(context.Background()) })

	var fired atomic.Int64
	manager.OnToolsChanged("dynamic", func(context.Context) {
		fired.Add(1)
	})

	cfg := &HTTPConfig{BaseConfig: BaseConfig{Timeout: 10 * time.Second}, Endpoint: endpoint}
	if _, err := manager.Connect(ctx, "dynamic", cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	addEchoTool(srv, "second")
	waitFor(t, 10*time.Second, func() bool {
		return fired.Load() >= 1
	})

	tools, err := manager.Tools(ctx, "dynamic")
	if err != nil {
		t.Fatalf("Tools after change: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("expected two tools after change, got %d", len(tools))
	}
}

func TestResourceUpdateReachesHook(t *testing.T) {
	t.Parallel()

	srv, endpoint := newUpstreamServer(t, "files", nil)
	srv.AddResource(&mcp.Resource{URI: "file:///notes.txt", Name: "notes"},
		func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{
				{URI: req.Params.URI, Text: "hello"},
			}}, nil
		})

	manager := NewManager(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	t.Cleanup(func() { _ = manager.DisconnectAll(context.Background()) })

	var gotURI atomic.Value
	manager.OnResourceUpdated("files", func(_ context.Context, params *mcp.ResourceUpdatedNotificationParams) {
		gotURI.Store(params.URI)
	})

	cfg := &HTTPConfig{BaseConfig: BaseConfig{Timeout: 10 * time.Second}, Endpoint: endpoint}
	if _, err := manager.Connect(ctx, "files", cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	resources, err := manager.Resources(ctx, "files")
	if err != nil {
		t.Fatalf("Resources: %v", err)
	}
	if len(resources) != 1 || resources[0].URI != "file:///notes.txt" {
		t.Fatalf("unexpected resources: %+v", resources)
	}

	res, err := manager.ReadResource(ctx, "files", &mcp.ReadResourceParams{URI: "file:///notes.txt"})
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(res.Contents) != 1 || res.Contents[0].Text != "hello" {
		t.Fatalf("unexpected resource contents: %+v", res.Contents)
	}

	if err := manager.Subscribe(ctx, "files", "file:///notes.txt"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := srv.ResourceUpdated(ctx, &mcp.ResourceUpdatedNotificationParams{URI: "file:///notes.txt"}); err != nil {
		t.Fatalf("ResourceUpdated: %v", err)
	}
	waitFor(t, 10*time.Second, func() bool {
		uri, _ := gotURI.Load().(string)
		return uri == "file:///notes.txt"
	})

	if err := manager.Unsubscribe(ctx, "files", "file:///notes.txt"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
}

func TestElicitationRoutesToConfiguredElicitor(t *testing.T) {
	t.Parallel()

	srv, endpoint := newUpstreamServer(t, "asker", nil)
	mcp.AddTool(srv, &mcp.Tool{Name: "confirm", Description: "ask before acting"},
		func(ctx context.Context, req *mcp.CallToolRequest, _ echoArgs) (*mcp.CallToolResult, map[string]any, error) {
			res, err := req.Session.Elicit(ctx, &mcp.ElicitParams{Message: "proceed?"})
			if err != nil {
				return nil, nil, err
			}
			return nil, map[string]any{"action": res.Action}, nil
		})

	var seenServer atomic.Value
	manager := NewManager(&Options{
		Elicitor: func(_ context.Context, server string, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
			seenServer.Store(server)
			return &mcp.ElicitResult{Action: "decline"}, nil
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	t.Cleanup(func() { _ = manager.DisconnectAll(context.Background()) })

	cfg := &HTTPConfig{BaseConfig: BaseConfig{Timeout: 10 * time.Second}, Endpoint: endpoint}
	if _, err := manager.Connect(ctx, "asker", cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	result, err := manager.CallTool(ctx, "asker", &mcp.CallToolParams{
		Name:      "confirm",
		Arguments: map[string]any{"text": ""},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool reported error: %+v", result.Content)
	}
	if got, _ := seenServer.Load().(string); got != "asker" {
		t.Fatalf("elicitor saw server %q, expected asker", got)
	}
}

func TestRemoveForgetsServer(t *testing.T) {
	t.Parallel()

	srv, endpoint := newUpstreamServer(t, "gone", nil)
	addEchoTool(srv, "echo")

	manager := NewManager(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := &HTTPConfig{BaseConfig: BaseConfig{Timeout: 10 * time.Second}, Endpoint: endpoint}
	if _, err := manager.Connect(ctx, "gone", cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := manager.Remove(ctx, "gone"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if manager.Has("gone") {
		t.Fatalf("Remove should forget the server")
	}
	if _, err := manager.Tools(ctx, "gone"); err == nil {
		t.Fatalf("expected error for removed server")
	}
}

func TestDisconnectHandlerRunsOnSessionLoss(t *testing.T) {
	t.Parallel()

	srv, endpoint := newUpstreamServer(t, "flaky", nil)
	addEchoTool(srv, "echo")

	manager := NewManager(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var lost atomic.Value
	manager.OnDisconnect(func(name string, _ error) {
		lost.Store(name)
	})

	cfg := &HTTPConfig{BaseConfig: BaseConfig{Timeout: 10 * time.Second}, Endpoint: endpoint}
	if _, err := manager.Connect(ctx, "flaky", cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := manager.Disconnect(ctx, "flaky"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitFor(t, 10*time.Second, func() bool {
		name, _ := lost.Load().(string)
		return name == "flaky"
	})
}

func TestHTTPHeadersApplied(t *testing.T) {
	t.Parallel()

	var sawKey atomic.Bool
	_, endpoint := newUpstreamServer(t, "secured", func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Api-Key") == "sekrit" {
				sawKey.Store(true)
			}
			next.ServeHTTP(w, r)
		})
	})

	manager := NewManager(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	t.Cleanup(func() { _ = manager.DisconnectAll(context.Background()) })

	cfg := &HTTPConfig{
		BaseConfig: BaseConfig{Timeout: 10 * time.Second},
		Endpoint:   endpoint,
		Headers:    http.Header{"X-Api-Key": []string{"sekrit"}},
	}
	if _, err := manager.Connect(ctx, "secured", cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !sawKey.Load() {
		t.Fatalf("configured header never reached the server")
	}
}

func TestBuildStdioTransportEnvAndDir(t *testing.T) {
	t.Parallel()

	cfg := &StdioConfig{
		Command: "mcp-everything",
		Args:    []string{"--stdio"},
		Env:     []string{"MODE=stdio", "PATH=/usr/bin"},
		Dir:     "/tmp",
	}
	transport, err := buildStdioTransport("stdio-example", cfg)
	if err != nil {
		t.Fatalf("buildStdioTransport: %v", err)
	}
	cmdTransport, ok := transport.(*mcp.CommandTransport)
	if !ok {
		t.Fatalf("expected CommandTransport, got %T", transport)
	}
	wantArgs := []string{"mcp-everything", "--stdio"}
	if !reflect.DeepEqual(cmdTransport.Command.Args, wantArgs) {
		t.Fatalf("command args = %v, expected %v", cmdTransport.Command.Args, wantArgs)
	}
	if !reflect.DeepEqual(cmdTransport.Command.Env, cfg.Env) {
		t.Fatalf("command env = %v, expected %v", cmdTransport.Command.Env, cfg.Env)
	}
	if cmdTransport.Command.Dir != "/tmp" {
		t.Fatalf("command dir = %q, expected /tmp", cmdTransport.Command.Dir)
	}

	if _, err := buildStdioTransport("empty", &StdioConfig{}); err == nil {
		t.Fatalf("expected error for missing command")
	}
}

func TestPreferSSEHeuristic(t *testing.T) {
	t.Parallel()

	if preferSSE(&HTTPConfig{Endpoint: "https://example.com/mcp"}) {
		t.Fatalf("did not expect SSE preference for plain endpoint")
	}
	if !preferSSE(&HTTPConfig{Endpoint: "https://example.com/sse"}) {
		t.Fatalf("expected SSE preference for /sse endpoint")
	}
	override := true
	if !preferSSE(&HTTPConfig{Endpoint: "https://example.com/mcp", PreferSSE: &override}) {
		t.Fatalf("explicit PreferSSE=true should win")
	}
}

func TestUnsupportedErrorDetection(t *testing.T) {
	t.Parallel()

	cases := []struct {
		msg  string
		want bool
	}{
		{"jsonrpc2: method not found", true},
		{"prompts/list is not implemented", true},
		{"server does not support resources", true},
		{"Unimplemented: resources/templates/list", true},
		{"connection reset by peer", false},
		{"context deadline exceeded", false},
	}
	for _, tc := range cases {
		err := &testError{msg: tc.msg}
		if got := isUnsupportedError(err); got != tc.want {
			t.Fatalf("isUnsupportedError(%q) = %v, expected %v", tc.msg, got, tc.want)
		}
	}
	if isUnsupportedError(nil) {
		t.Fatalf("nil error should not read as unsupported")
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
