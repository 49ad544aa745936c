// Package agent implements the bounded tool-iteration loop that drives
// one chat exchange against the remote model.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sfbridge/sfbridge/internal/llm"
	"github.com/sfbridge/sfbridge/internal/mcp"
	"github.com/sfbridge/sfbridge/internal/tools"
)

// Mode values reported on a Result.
const (
	ModeAgent = "agent"
	ModeBasic = "basic"
)

// fallbackResponse is returned when the model produced no text at all,
// typically after exhausting the iteration budget mid-tool-call.
const fallbackResponse = "I wasn't able to produce an answer for that question."

// defaultSystemPrompt frames the exchange when the config provides none.
const defaultSystemPrompt = "You are a Salesforce data assistant. " +
	"Answer the user's question using the available Salesforce tools, " +
	"then reply with a concise natural-language answer."

// Result is the outcome of one exchange.
type Result struct {
	Response     string
	Mode         string
	Iterations   int
	InputTokens  int
	OutputTokens int
}

// Loop drives the request/execute/respond cycle for one question. The
// iteration cap trades completeness for predictable worst-case cost
// and latency: an unbounded loop risks cost blowup when the model
// oscillates between tool calls without converging.
type Loop struct {
	logger       *slog.Logger
	llm          llm.Client
	registry     *tools.Registry
	model        string
	maxTokens    int
	maxIter      int
	systemPrompt string
}

// NewLoop creates an agent loop. A nil llm client puts the loop in
// basic mode: questions are echoed back without contacting any remote
// service, which is the configured degradation when no API key is set.
func NewLoop(logger *slog.Logger, client llm.Client, registry *tools.Registry, model string, maxTokens, maxIter int, systemPrompt string) *Loop {
	if maxIter <= 0 {
		maxIter = 5
	}
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &Loop{
		logger:       logger,
		llm:          client,
		registry:     registry,
		model:        model,
		maxTokens:    maxTokens,
		maxIter:      maxIter,
		systemPrompt: systemPrompt,
	}
}

// Basic reports whether the loop is running without a chat client.
func (l *Loop) Basic() bool {
	return l.llm == nil
}

// Run executes one exchange: seed the conversation with the question,
// call the model, execute any requested tools, fold results back, and
// repeat until the model stops asking or the iteration budget runs
// out. The upstream endpoint is called at most maxIter+1 times.
func (l *Loop) Run(ctx context.Context, question string) (*Result, error) {
	if l.llm == nil {
		return &Result{
			Response: "[basic mode] You said: " + question,
			Mode:     ModeBasic,
		}, nil
	}

	toolDefs := l.toolDefs()
	messages := []llm.Message{llm.UserText(question)}

	start := time.Now()
	var totalInput, totalOutput int

	for i := 0; i <= l.maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("exchange cancelled: %w", err)
		}

		l.logger.Debug("chat call",
			"iter", i,
			"model", l.model,
			"msgs", len(messages),
		)

		resp, err := l.llm.Chat(ctx, &llm.ChatRequest{
			Model:     l.model,
			MaxTokens: l.maxTokens,
			System:    l.systemPrompt,
			Messages:  messages,
			Tools:     toolDefs,
		})
		if err != nil {
			return nil, fmt.Errorf("chat call failed (iter %d): %w", i, err)
		}

		totalInput += resp.Usage.InputTokens
		totalOutput += resp.Usage.OutputTokens

		uses := resp.ToolUses()

		l.logger.Debug("chat response",
			"iter", i,
			"stop_reason", resp.StopReason,
			"tool_uses", len(uses),
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
		)

		// No tool requests — the text is the final answer.
		if len(uses) == 0 {
			return l.done(resp.Text(), i+1, totalInput, totalOutput, start), nil
		}

		// Budget spent: a degraded but non-fatal outcome. Return
		// whatever text accompanied the tool requests.
		if i == l.maxIter {
			l.logger.Warn("max iterations reached",
				"max_iter", l.maxIter,
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return l.done(resp.Text(), i+1, totalInput, totalOutput, start), nil
		}

		results, err := l.executeTools(ctx, uses)
		if err != nil {
			return nil, err
		}

		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: results},
		)
	}

	// Unreachable: the i == maxIter arm above always returns.
	return l.done("", l.maxIter+1, totalInput, totalOutput, start), nil
}

// executeTools runs every requested tool concurrently, preserving
// request order in the returned tool_result blocks. Per-tool failures
// are absorbed as errored results for the model to react to; only a
// dead tool channel aborts the exchange.
func (l *Loop) executeTools(ctx context.Context, uses []llm.ContentBlock) ([]llm.ContentBlock, error) {
	results := make([]llm.ContentBlock, len(uses))

	g, gctx := errgroup.WithContext(ctx)
	for idx, use := range uses {
		g.Go(func() error {
			toolStart := time.Now()

			text, err := l.registry.Execute(gctx, use.Name, use.Input)
			if err != nil {
				if errors.Is(err, mcp.ErrChannelUnavailable) {
					return fmt.Errorf("tool %s: %w", use.Name, err)
				}
				l.logger.Warn("tool failed",
					"tool", use.Name,
					"error", err,
				)
				results[idx] = llm.ToolResultBlock(use.ID, err.Error(), true)
				return nil
			}

			l.logger.Debug("tool done",
				"tool", use.Name,
				"result_len", len(text),
				"elapsed", time.Since(toolStart).Round(time.Millisecond),
			)
			results[idx] = llm.ToolResultBlock(use.ID, text, false)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// done assembles the terminal result, substituting the fixed fallback
// when no text content was produced.
func (l *Loop) done(text string, calls, input, output int, start time.Time) *Result {
	if text == "" {
		text = fallbackResponse
	}

	l.logger.Info("exchange completed",
		"chat_calls", calls,
		"input_tokens", input,
		"output_tokens", output,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	return &Result{
		Response:     text,
		Mode:         ModeAgent,
		Iterations:   calls,
		InputTokens:  input,
		OutputTokens: output,
	}
}

// toolDefs translates the registry into the chat API's tool format.
func (l *Loop) toolDefs() []llm.ToolDef {
	list := l.registry.List()
	if len(list) == 0 {
		return nil
	}

	defs := make([]llm.ToolDef, 0, len(list))
	for _, t := range list {
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}
