package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sfbridge/sfbridge/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// AnthropicOption configures an AnthropicClient.
type AnthropicOption func(*AnthropicClient)

// WithBaseURL overrides the API endpoint. Used by tests.
func WithBaseURL(url string) AnthropicOption {
	return func(c *AnthropicClient) { c.baseURL = url }
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...AnthropicOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}

	// The model can run many seconds before sending headers on long
	// prompts, so the shared transport's default header timeout is too
	// tight here.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	c := &AnthropicClient{
		apiKey:  apiKey,
		baseURL: anthropicAPIURL,
		logger:  logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(3*time.Minute),
			httpkit.WithTransport(t),
		),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// anthropicRequest is the Messages API wire request.
type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []Message `json:"messages"`
	Tools       []ToolDef `json:"tools,omitempty"`
	System      string    `json:"system,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// anthropicResponse is the Messages API wire response.
type anthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Chat sends a non-streaming chat completion request. A non-2xx status
// is returned as an *UpstreamError and is never retried here — the
// exchange fails fast and retry is left to the human caller.
func (c *AnthropicClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	wire := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Messages:    req.Messages,
		Tools:       req.Tools,
		System:      req.System,
		Temperature: req.Temperature,
	}
	if wire.MaxTokens <= 0 {
		wire.MaxTokens = 4096
	}

	c.logger.Debug("preparing request",
		"model", wire.Model,
		"messages", len(wire.Messages),
		"tools", len(wire.Tools),
		"system_len", len(wire.System),
	)

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: errBody}
	}

	var wireResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &ChatResponse{
		Content:    wireResp.Content,
		StopReason: wireResp.StopReason,
		Model:      wireResp.Model,
		Usage:      wireResp.Usage,
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"stop_reason", result.StopReason,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"tool_uses", len(result.ToolUses()),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Text())

	return result, nil
}

// Ping checks if the Anthropic API is reachable with the configured
// key. There is no dedicated health endpoint, so a minimal one-token
// request is used.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	req := &ChatRequest{
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 1,
		Messages:  []Message{UserText("ping")},
	}

	_, err := c.Chat(ctx, req)
	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) && ue.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("invalid API key")
		}
		return err
	}
	return nil
}
