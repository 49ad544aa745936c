package mcp

import (
	"context"
	"encoding/json"
)

// Transport is the interface for tool server communication.
// Implementations handle framing, encoding, and response correlation.
type Transport interface {
	// Call sends a JSON-RPC request and waits for its correlated
	// response. The result payload is returned raw; protocol errors,
	// timeouts, and channel failures are returned as errors.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Running reports whether the underlying channel is up.
	Running() bool

	// Generation increments every time the channel (re)starts. Callers
	// caching discovered state use it to detect a process restart.
	Generation() int64

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess.
	Close() error
}
