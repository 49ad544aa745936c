// Package mcp implements the client side of the subprocess tool
// protocol: newline-delimited JSON-RPC 2.0 over a child process's
// stdin/stdout, MCP-style (initialize, tools/list, tools/call).
//
// The transport multiplexes concurrent callers over the single child
// stream. Each outbound request is assigned a monotonically increasing
// id and parked in a correlation table; a reader goroutine decodes
// inbound lines and settles the matching entry. Calls that receive no
// response within their window are evicted by a timer, so a caller
// that stops waiting never leaks a table entry.
//
// Discovered tools are bridged into the tool registry so they appear
// as native tools to the agent loop.
package mcp
