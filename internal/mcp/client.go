package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sfbridge/sfbridge/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// ToolDescriptor is a tool as advertised by the tool server via
// tools/list. It is translated 1:1 into the chat API's tool-definition
// format and is immutable after discovery.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the initialize response result.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

// Client provides typed access to the tool server protocol operations
// (initialize, tools/list, tools/call) on top of a Transport.
type Client struct {
	transport Transport
	logger    *slog.Logger

	mu       sync.RWMutex
	tools    []ToolDescriptor
	toolsGen int64
}

// NewClient creates a tool server client over the given transport.
func NewClient(transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		transport: transport,
		logger:    logger,
	}
}

// Running reports whether the underlying channel is up.
func (c *Client) Running() bool {
	return c.transport.Running()
}

// Initialize performs the protocol handshake: an initialize request
// followed by the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "sfbridge",
			"version": buildinfo.Version,
		},
	}

	raw, err := c.transport.Call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.logger.Info("tool server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Complete the handshake.
	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	return nil
}

// ListTools calls tools/list and returns the available tool
// descriptors. Results are cached per process generation, so tools are
// rediscovered only after a subprocess restart.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	gen := c.transport.Generation()

	c.mu.RLock()
	if c.tools != nil && c.toolsGen == gen {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	raw, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.toolsGen = gen
	c.mu.Unlock()

	c.logger.Info("discovered tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool by name with the given arguments and returns
// the normalized text result. Every remote-side failure — malformed
// arguments, a tool-internal error, a response timeout — comes back as
// a *ToolError so the agent loop can report it into the conversation
// as an errored tool result instead of crashing the exchange. Only a
// dead channel (ErrChannelUnavailable) passes through untranslated.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		if errors.Is(err, ErrChannelUnavailable) {
			return "", err
		}
		return "", &ToolError{Tool: name, Message: err.Error()}
	}

	text, isError := normalizeResult(raw)
	if isError {
		return "", &ToolError{Tool: name, Message: text}
	}

	return text, nil
}

// Ping checks whether the tool server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.transport.Call(ctx, "ping", nil)
	return err
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Info("closing tool server client")
	return c.transport.Close()
}

// normalizeResult reduces the wire result payload to one canonical
// shape: joined text plus an error flag. The protocol's structured
// form is {content: [...], isError}; a server that returns a bare
// string or any other JSON value gets it stringified instead of
// special-cased.
func normalizeResult(raw json.RawMessage) (string, bool) {
	var result callToolResult
	if err := json.Unmarshal(raw, &result); err == nil && result.Content != nil {
		return extractText(result.Content), result.IsError
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, false
	}

	return string(raw), false
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
