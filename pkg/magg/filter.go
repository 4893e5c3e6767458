package magg

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// modeFilter enforces the operating mode on the frontend server: hidden
// built-ins disappear from tools/list and reject tools/call. The mode is
// read fresh on every request, so a flip applies to the next request with no
// restart and nothing to invalidate.
func (a *Aggregator) modeFilter() mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method == "tools/call" {
				if call, ok := req.(*mcp.CallToolRequest); ok && call.Params != nil {
					if !a.toolVisible(a.Mode(), call.Params.Name) {
						return nil, fmt.Errorf("tool %q is not available in %s mode", call.Params.Name, a.Mode())
					}
				}
			}
			res, err := next(ctx, method, req)
			if err != nil || method != "tools/list" {
				return res, err
			}
			if list, ok := res.(*mcp.ListToolsResult); ok {
				list.Tools = a.filterTools(list.Tools)
			}
			return res, nil
		}
	}
}

// toolVisible reports whether a tool may be listed or called under mode.
// Names that are not built-ins belong to mounted servers and are always
// visible.
func (a *Aggregator) toolVisible(mode Mode, name string) bool {
	tag, ok := a.builtins[name]
	if !ok {
		return true
	}
	return mode.visible(tag)
}

func (a *Aggregator) filterTools(tools []*mcp.Tool) []*mcp.Tool {
	mode := a.Mode()
	if mode == ModeFull {
		return tools
	}
	out := make([]*mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		if tool == nil || !a.toolVisible(mode, tool.Name) {
			continue
		}
		out = append(out, tool)
	}
	return out
}

// Mode returns the current operating mode snapshot.
func (a *Aggregator) Mode() Mode {
	return Mode(a.modeValue.Load())
}

// SetMode switches the operating mode. The change is observed by the next
// capability-list request.
func (a *Aggregator) SetMode(mode Mode) {
	a.modeValue.Store(int32(mode))
}
