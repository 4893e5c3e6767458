package magg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

func TestSuggestServerConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		source string
		name   string
		cfg    map[string]any
	}{
		{
			source: "npm:@modelcontextprotocol/server-filesystem",
			name:   "modelcontextprotocol-server-filesystem",
			cfg:    map[string]any{"command": "npx", "args": []string{"-y", "@modelcontextprotocol/server-filesystem"}},
		},
		{
			source: "pypi:mcp-server-git",
			name:   "mcp-server-git",
			cfg:    map[string]any{"command": "uvx", "args": []string{"mcp-server-git"}},
		},
		{
			source: "https://github.com/owner/repo.git",
			name:   "repo",
			cfg:    map[string]any{"command": "npx", "args": []string{"-y", "github:owner/repo"}},
		},
		{
			source: "https://www.npmjs.com/package/@scope/pkg",
			name:   "scope-pkg",
			cfg:    map[string]any{"command": "npx", "args": []string{"-y", "@scope/pkg"}},
		},
		{
			source: "https://pypi.org/project/mcp-server-time/",
			name:   "mcp-server-time",
			cfg:    map[string]any{"command": "uvx", "args": []string{"mcp-server-time"}},
		},
		{
			source: "https://api.example.com/mcp",
			name:   "api-example-com",
			cfg:    map[string]any{"uri": "https://api.example.com/mcp"},
		},
		{
			source: "uvx mcp-server-fetch --flag",
			name:   "uvx",
			cfg:    map[string]any{"command": "uvx", "args": []string{"mcp-server-fetch", "--flag"}},
		},
	}
	for _, tc := range cases {
		name, cfg := suggestServerConfig(tc.source)
		if name != tc.name {
			t.Errorf("suggestServerConfig(%q) name = %q, expected %q", tc.source, name, tc.name)
		}
		if !reflect.DeepEqual(cfg, tc.cfg) {
			t.Errorf("suggestServerConfig(%q) config = %v, expected %v", tc.source, cfg, tc.cfg)
		}
	}

	if _, cfg := suggestServerConfig("npm:"); cfg != nil {
		t.Fatalf("empty npm locator should not yield a config, got %v", cfg)
	}
}

func TestServerNameFrom(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"@Scope/Tool.js": "scope-tool-js",
		"123abc":         "srv-123abc",
		"---":            "server",
		"plain":          "plain",
	}
	for raw, want := range cases {
		if got := serverNameFrom(raw); got != want {
			t.Errorf("serverNameFrom(%q) = %q, expected %q", raw, got, want)
		}
	}
}

func TestSearchServersQueriesCatalog(t *testing.T) {
	t.Parallel()

	var lastQuery, lastFirst string
	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastQuery = r.URL.Query().Get("query")
		lastFirst = r.URL.Query().Get("first")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"servers": [
			{"name": "filesystem", "description": "file access", "url": "https://example.com/fs",
			 "repository": {"url": "https://github.com/example/fs"}},
			{"name": "bare", "description": "nothing else"}
		]}`))
	}))
	t.Cleanup(catalog.Close)

	a := newTestAggregator(t, &Options{CatalogURL: catalog.URL})
	ctx := context.Background()

	res := a.SearchServers(ctx, SearchArgs{Query: "files"})
	if !res.Success {
		t.Fatalf("SearchServers: %s", res.Message)
	}
	if lastQuery != "files" || lastFirst != "5" {
		t.Fatalf("catalog request query=%q first=%q", lastQuery, lastFirst)
	}
	if res.Output["query"] != "files" || res.Output["total"] != 2 {
		t.Fatalf("unexpected search header: %+v", res.Output)
	}
	results, ok := res.Output["results"].([]map[string]any)
	if !ok || len(results) != 2 {
		t.Fatalf("unexpected results payload: %+v", res.Output["results"])
	}
	first := results[0]
	if first["name"] != "filesystem" || first["url"] != "https://example.com/fs" ||
		first["repository"] != "https://github.com/example/fs" {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if _, present := results[1]["url"]; present {
		t.Fatalf("bare result should omit url: %+v", results[1])
	}

	if res := a.SearchServers(ctx, SearchArgs{Query: "files", Limit: 100}); !res.Success {
		t.Fatalf("SearchServers with cap: %s", res.Message)
	}
	if lastFirst != "25" {
		t.Fatalf("limit not capped: first=%q", lastFirst)
	}
}

func TestSearchServersCatalogFailure(t *testing.T) {
	t.Parallel()

	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(catalog.Close)

	a := newTestAggregator(t, &Options{CatalogURL: catalog.URL})
	res := a.SearchServers(context.Background(), SearchArgs{Query: "anything"})
	if res.Success {
		t.Fatalf("expected failure on catalog error")
	}
	if !strings.Contains(res.Message, "catalog returned") {
		t.Fatalf("unexpected message: %s", res.Message)
	}
}

func TestSmartConfigure(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, nil)
	ctx := context.Background()

	res := a.SmartConfigure(ctx, SmartConfigureArgs{Source: "npm:foo"})
	if !res.Success {
		t.Fatalf("SmartConfigure: %s", res.Message)
	}
	if res.Output["name"] != "foo" || res.Output["source"] != "npm:foo" {
		t.Fatalf("unexpected suggestion header: %+v", res.Output)
	}
	cfg, ok := res.Output["config"].(map[string]any)
	if !ok || cfg["command"] != "npx" {
		t.Fatalf("unexpected suggested config: %+v", res.Output["config"])
	}

	res = a.SmartConfigure(ctx, SmartConfigureArgs{Source: "npm:bar", Name: "renamed"})
	if !res.Success || res.Output["name"] != "renamed" {
		t.Fatalf("name override ignored: %+v", res.Output)
	}

	if res := a.SmartConfigure(ctx, SmartConfigureArgs{Source: "  "}); res.Success {
		t.Fatalf("blank source should fail")
	} else if !strings.Contains(res.Message, "source is required") {
		t.Fatalf("unexpected blank-source message: %s", res.Message)
	}

	if res := a.SmartConfigure(ctx, SmartConfigureArgs{Source: "npm:"}); res.Success {
		t.Fatalf("underivable source should fail")
	} else if !strings.Contains(res.Message, "cannot derive") {
		t.Fatalf("unexpected underivable message: %s", res.Message)
	}
}
