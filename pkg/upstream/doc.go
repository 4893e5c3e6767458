// Package upstream maintains the pool of client sessions to the Model Context
// Protocol (MCP) servers that an aggregator fronts. It layers connection
// lifecycle tracking, transport selection (stdio or Streamable HTTP with SSE
// fallback), and notification fan-out on top of the
// modelcontextprotocol/go-sdk client so the aggregation layer can focus on
// routing tools, prompts, and resources instead of rebuilding MCP plumbing.
//
// # Core entry points
//
//   - Manager is the long-lived pool type. Construct it with NewManager, then
//     call Connect / Disconnect / Remove as servers are mounted and unmounted.
//   - Config (and the StdioConfig / HTTPConfig variants) declare how each
//     server is launched or contacted.
//   - Options set the client identity advertised to servers, the default RPC
//     timeout, the fallback Elicitor, and JSON-RPC frame tracing.
//
// Once a server is connected, Tools, Prompts, Resources, and
// ResourceTemplates return its full capability listings (paging through
// cursors transparently), while CallTool, GetPrompt, ReadResource, Subscribe,
// and Unsubscribe proxy individual requests. Change-driven integrations
// register per-server hooks via OnToolsChanged, OnPromptsChanged,
// OnResourcesChanged, OnResourceUpdated, and OnProgress; OnDisconnect observes
// session loss for any server in the pool.
//
// When inspecting configurations returned from ConfigFor, use TransportOf or
// the AsStdio/AsHTTP narrowers to branch on the concrete transport type.
package upstream
