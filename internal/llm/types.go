// Package llm provides the chat completion client.
package llm

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Block types for [ContentBlock.Type]. Response inspection switches on
// these exhaustively; anything else is ignored by construction.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one unit of a turn's content: assistant text, a
// tool-invocation request from the model, or a tool result fed back to
// it. The Type tag selects which fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// Text is set for text blocks.
	Text string `json:"text,omitempty"`

	// ID, Name, and Input are set for tool_use blocks.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// ToolUseID, Content, and IsError are set for tool_result blocks.
	// ToolUseID tags the result with the originating request's id.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolResultBlock builds a tool_result content block for the given
// tool_use id.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{
		Type:      BlockToolResult,
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	}
}

// Message is one turn of a conversation: a role plus ordered content
// blocks. The conversation grows monotonically within one exchange and
// is discarded when the exchange completes.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserText builds a user turn with a single text block.
func UserText(text string) Message {
	return Message{Role: "user", Content: []ContentBlock{TextBlock(text)}}
}

// ToolDef is a tool definition in the chat API's native format.
type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

// ChatRequest is one call to the chat completion endpoint.
type ChatRequest struct {
	Model       string
	System      string
	MaxTokens   int
	Temperature float64
	Messages    []Message
	Tools       []ToolDef
}

// Usage is token accounting for one response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse is the model's reply to one ChatRequest.
type ChatResponse struct {
	Content    []ContentBlock
	StopReason string
	Model      string
	Usage      Usage
}

// Text returns the concatenated text blocks of the response.
func (r *ChatResponse) Text() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool-invocation request blocks of the response,
// in order.
func (r *ChatResponse) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// UpstreamError reports a non-success HTTP status from the chat API.
// It is fatal to the current exchange and never retried.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("chat API error %d: %s", e.StatusCode, e.Body)
}
