package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCallTimeout bounds a tool round trip when the config does not
// specify one.
const DefaultCallTimeout = 30 * time.Second

// StdioConfig configures a stdio transport that communicates with a
// subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// CallTimeout is the per-call response window. A call with no
	// response within it is evicted and fails with a TimeoutError.
	CallTimeout time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with a tool server running as a
// subprocess. Outbound messages are single JSON lines written under a
// write lock; a reader goroutine decodes inbound lines and settles the
// correlation table, so any number of callers can have requests in
// flight on the one stream at once.
type StdioTransport struct {
	config  StdioConfig
	logger  *slog.Logger
	pending *pendingTable
	gen     atomic.Int64

	mu    sync.Mutex // guards process state
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex // serializes stdin writes so frames never interleave
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Start or the first Call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		pending: newPendingTable(),
	}
}

// Start launches the subprocess if it is not already running.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.start(ctx)
}

// Running reports whether the subprocess is up.
func (t *StdioTransport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cmd != nil
}

// Generation returns the current process generation.
func (t *StdioTransport) Generation() int64 {
	return t.gen.Load()
}

// start launches the subprocess. Caller must hold t.mu.
func (t *StdioTransport) start(_ context.Context) error {
	if t.cmd != nil {
		return nil
	}

	t.logger.Info("starting tool server subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging — not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.gen.Add(1)

	go t.drainStderr(stderrPipe)
	go t.readLoop(cmd, stdout)

	t.logger.Info("tool server subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("tool server stderr", "line", scanner.Text())
	}
}

// readLoop consumes stdout line by line and routes decoded envelopes to
// the correlation table. A line that fails to parse is not a protocol
// error — the subprocess may emit free-form diagnostics on stdout in
// some configurations — so it is logged and dropped. Envelopes whose id
// has no pending entry (already timed out, or never ours) are likewise
// discarded after logging: at that point correctness does not require
// delivering them anywhere.
func (t *StdioTransport) readLoop(cmd *exec.Cmd, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20) // large tool results

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == 0 {
			t.logger.Debug("dropping non-response line from tool server",
				"line", string(line),
			)
			continue
		}

		var settled bool
		if resp.Error != nil {
			settled = t.pending.reject(resp.ID, resp.Error)
		} else {
			settled = t.pending.resolve(resp.ID, resp.Result)
		}
		if !settled {
			t.logger.Debug("discarding unmatched response", "id", resp.ID)
		}
	}

	if err := scanner.Err(); err != nil {
		t.logger.Warn("tool server stdout read failed", "error", err)
	}

	// Stream closed: the subprocess exited or was killed. Outstanding
	// calls are left to their timers.
	t.handleExit(cmd)
}

// handleExit reaps the subprocess and clears transport state, unless a
// newer process has already replaced it.
func (t *StdioTransport) handleExit(cmd *exec.Cmd) {
	err := cmd.Wait()

	t.mu.Lock()
	if t.cmd == cmd {
		if t.stdin != nil {
			t.stdin.Close()
		}
		t.cmd = nil
		t.stdin = nil
	}
	t.mu.Unlock()

	t.logger.Info("tool server subprocess exited", "error", err)
}

// Call sends a JSON-RPC request and waits for the correlated response.
// The send itself never blocks on the reply: the caller parks on its
// own completion while other callers' requests proceed on the same
// stream. A failed send is surfaced synchronously and never retried.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if err := t.start(ctx); err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	t.mu.Unlock()

	id, done := t.pending.register(method, t.config.CallTimeout)

	if err := t.writeLine(NewRequest(id, method, params)); err != nil {
		t.pending.reject(id, err)
		<-done // consume our own rejection
		return nil, err
	}

	select {
	case <-ctx.Done():
		// Evict the entry so late delivery is a no-op; if the reader
		// settled it first, that settlement wins and is discarded.
		t.pending.reject(id, ctx.Err())
		return nil, ctx.Err()
	case s := <-done:
		return s.result, s.err
	}
}

// Notify sends a JSON-RPC notification. No response is expected and no
// table entry is created.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	t.mu.Lock()
	if err := t.start(ctx); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	t.mu.Unlock()

	return t.writeLine(NewNotification(method, params))
}

// writeLine serializes v to one newline-terminated line and writes it
// atomically to the subprocess stdin.
func (t *StdioTransport) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()

	if stdin == nil {
		return ErrChannelUnavailable
	}

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write to subprocess stdin: %v", ErrChannelUnavailable, err)
	}
	return nil
}

// Close terminates the subprocess and releases resources. Outstanding
// calls are not actively rejected; their timers evict them.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	t.cmd = nil
	t.stdin = nil
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping tool server subprocess", "pid", cmd.Process.Pid)

	// Close stdin to signal the subprocess to exit; the readLoop's
	// Wait reaps it. Force kill if it lingers.
	if stdin != nil {
		stdin.Close()
	}

	select {
	case <-processDone(cmd):
		return nil
	case <-time.After(5 * time.Second):
		t.logger.Warn("tool server did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		return cmd.Process.Kill()
	}
}

// processDone returns a channel closed once the process is gone.
// Signal(nil) probes liveness without racing the readLoop's Wait.
func processDone(cmd *exec.Cmd) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		for cmd.Process.Signal(nil) == nil {
			time.Sleep(50 * time.Millisecond)
		}
	}()
	return ch
}
