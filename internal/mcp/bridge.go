package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sfbridge/sfbridge/internal/tools"
)

// BridgeTools discovers tools from the tool server and registers them
// on the given registry under their advertised names. The chat model
// sees exactly the names the server exposes, so no namespacing is
// applied. Returns the number of tools registered.
func BridgeTools(ctx context.Context, client *Client, registry *tools.Registry, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	descriptors, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools: %w", err)
	}

	for _, td := range descriptors {
		registry.Register(bridgeTool(client, td))
		logger.Debug("bridged tool", "name", td.Name)
	}

	return len(descriptors), nil
}

// bridgeTool creates a registry tool that proxies calls to the tool server.
func bridgeTool(client *Client, td ToolDescriptor) *tools.Tool {
	schema := td.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	return &tools.Tool{
		Name:        td.Name,
		Description: td.Description,
		InputSchema: schema,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return client.CallTool(ctx, td.Name, args)
		},
	}
}
