package mcp

import (
	"errors"
	"fmt"
	"time"
)

// ErrChannelUnavailable reports that the tool server subprocess is not
// running or its input stream is closed. Unlike tool-level failures,
// this is a service-level condition: the agent loop aborts the whole
// exchange rather than feeding it back to the model.
var ErrChannelUnavailable = errors.New("tool channel unavailable")

// TimeoutError reports that a pending call received no response within
// its window and was evicted from the correlation table.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response after %s", e.Method, e.After)
}

// Timeout reports that this error represents a timeout.
func (e *TimeoutError) Timeout() bool { return true }

// ToolError reports that the remote side failed to execute a tool:
// malformed arguments, a tool-internal failure, or a call timeout.
// The agent loop absorbs these into the conversation as errored
// tool results instead of crashing the exchange.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}
