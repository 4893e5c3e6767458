// Package magg is the aggregation control plane: it manages a set of
// configured child MCP servers (add, remove, enable, disable, mount,
// unmount), merges their tools, prompts, and resources into one frontend MCP
// server under per-server name prefixes, and announces every change to the
// exposed capability set to connected clients. Kits bundle server
// definitions that load and unload as a unit, the health reconciler probes
// mounted servers and can disable or unmount the unresponsive ones, and the
// proxy tool gives clients raw access to any child capability regardless of
// the operating mode.
package magg
