package mcp

import (
	"encoding/json"
	"fmt"
)

// jsonrpcVersion tags every outbound envelope.
const jsonrpcVersion = "2.0"

// Request is an outbound envelope that expects a correlated response.
// IDs come from the pending table and are always positive, which is
// what lets the reader treat a zero ID as "not one of ours".
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a request envelope around a table-issued id.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is an inbound envelope. A well-formed response carries
// either Result or Error, never both. The zero value of ID marks a
// line that is not a response to anything we sent: inbound lines are
// decoded into this type unconditionally, and the reader drops any
// whose ID stayed 0 (server-initiated requests, notifications, or
// stray diagnostics that happen to parse as JSON).
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a failed response. The settled call
// receives it as-is, so protocol-level failures keep their code and
// message all the way up to the tool error the model sees.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is an outbound envelope with no ID: the server must not
// answer it, and no pending entry is created for it.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a fire-and-forget envelope.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}
