package magg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

var catalogClient = &http.Client{Timeout: 15 * time.Second}

// SearchArgs query the public server catalog.
type SearchArgs struct {
	Query string `json:"query" jsonschema:"Free-text search over the public server catalog"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of results (default 5, max 25)"`
}

// SearchServers queries the configured catalog endpoint. Nothing here
// mutates state; results are candidates for add_server or smart_configure.
func (a *Aggregator) SearchServers(ctx context.Context, args SearchArgs) *Result {
	limit := args.Limit
	if limit <= 0 {
		limit = 5
	}
	if limit > 25 {
		limit = 25
	}
	u, err := url.Parse(a.opts.CatalogURL)
	if err != nil {
		return failResult(fmt.Errorf("catalog url: %w", err))
	}
	q := u.Query()
	q.Set("query", args.Query)
	q.Set("first", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return failResult(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := catalogClient.Do(req)
	if err != nil {
		return failResult(fmt.Errorf("catalog request: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return failf("catalog returned %s", resp.Status)
	}

	var payload struct {
		Servers []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			URL         string `json:"url"`
			Repository  struct {
				URL string `json:"url"`
			} `json:"repository"`
		} `json:"servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return failResult(fmt.Errorf("decode catalog response: %w", err))
	}

	results := make([]map[string]any, 0, len(payload.Servers))
	for _, s := range payload.Servers {
		item := map[string]any{
			"name":        s.Name,
			"description": s.Description,
		}
		if s.URL != "" {
			item["url"] = s.URL
		}
		if s.Repository.URL != "" {
			item["repository"] = s.Repository.URL
		}
		results = append(results, item)
	}
	return okResult(map[string]any{"query": args.Query, "results": results, "total": len(results)})
}

// SmartConfigureArgs derive a ready-to-add configuration from a locator.
type SmartConfigureArgs struct {
	Source string `json:"source" jsonschema:"Package name, repository URL, or HTTP endpoint to derive a configuration from"`
	Name   string `json:"name,omitempty" jsonschema:"Server name override; derived from the source when empty"`
}

// SmartConfigure turns a package or repository locator into an add_server
// payload without persisting anything. The heuristics are deterministic:
// the same source always yields the same suggestion.
func (a *Aggregator) SmartConfigure(ctx context.Context, args SmartConfigureArgs) *Result {
	source := strings.TrimSpace(args.Source)
	if source == "" {
		return failf("source is required")
	}
	name, cfg := suggestServerConfig(source)
	if cfg == nil {
		return failf("cannot derive a configuration from %q", source)
	}
	if args.Name != "" {
		name = args.Name
	}
	return okResult(map[string]any{
		"source": source,
		"name":   name,
		"config": cfg,
	})
}

func suggestServerConfig(source string) (string, map[string]any) {
	lower := strings.ToLower(source)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return suggestFromURL(source)
	case strings.HasPrefix(lower, "npm:"):
		pkg := strings.TrimSpace(source[len("npm:"):])
		if pkg == "" {
			return "", nil
		}
		return serverNameFrom(pkg), map[string]any{"command": "npx", "args": []string{"-y", pkg}}
	case strings.HasPrefix(lower, "pypi:"):
		pkg := strings.TrimSpace(source[len("pypi:"):])
		if pkg == "" {
			return "", nil
		}
		return serverNameFrom(pkg), map[string]any{"command": "uvx", "args": []string{pkg}}
	default:
		fields := strings.Fields(source)
		if len(fields) == 0 {
			return "", nil
		}
		cfg := map[string]any{"command": fields[0]}
		if len(fields) > 1 {
			cfg["args"] = fields[1:]
		}
		return serverNameFrom(path.Base(fields[0])), cfg
	}
}

func suggestFromURL(source string) (string, map[string]any) {
	u, err := url.Parse(source)
	if err != nil {
		return "", nil
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch host {
	case "npmjs.com", "npmjs.org":
		if len(parts) >= 2 && parts[0] == "package" {
			pkg := strings.Join(parts[1:], "/")
			return serverNameFrom(pkg), map[string]any{"command": "npx", "args": []string{"-y", pkg}}
		}
	case "pypi.org":
		if len(parts) >= 2 && parts[0] == "project" {
			return serverNameFrom(parts[1]), map[string]any{"command": "uvx", "args": []string{parts[1]}}
		}
	case "github.com":
		if len(parts) >= 2 {
			repo := strings.TrimSuffix(parts[1], ".git")
			locator := "github:" + parts[0] + "/" + repo
			return serverNameFrom(repo), map[string]any{"command": "npx", "args": []string{"-y", locator}}
		}
	}
	// Anything else is taken as a live endpoint.
	return serverNameFrom(host), map[string]any{"uri": source}
}

// serverNameFrom squeezes a locator into a valid server name: lowercase,
// invalid runes become dashes, and a leading non-letter gets a srv- prefix.
func serverNameFrom(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-_")
	if name == "" {
		return "server"
	}
	if c := name[0]; c < 'a' || c > 'z' {
		name = "srv-" + name
	}
	return name
}
