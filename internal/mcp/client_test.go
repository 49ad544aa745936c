package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// fakeTransport scripts responses per method and records traffic.
type fakeTransport struct {
	responses map[string]json.RawMessage
	errs      map[string]error
	calls     []string
	notifies  []string
	params    map[string]any
	gen       int64
	running   bool
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: make(map[string]json.RawMessage),
		errs:      make(map[string]error),
		params:    make(map[string]any),
		running:   true,
	}
}

func (f *fakeTransport) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	f.params[method] = params
	if err := f.errs[method]; err != nil {
		return nil, err
	}
	if resp, ok := f.responses[method]; ok {
		return resp, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) Notify(_ context.Context, method string, _ any) error {
	f.notifies = append(f.notifies, method)
	return nil
}

func (f *fakeTransport) Running() bool     { return f.running }
func (f *fakeTransport) Generation() int64 { return f.gen }
func (f *fakeTransport) Close() error      { f.closed = true; return nil }

func countMethod(calls []string, method string) int {
	n := 0
	for _, c := range calls {
		if c == method {
			n++
		}
	}
	return n
}

func TestClient_Initialize(t *testing.T) {
	ft := newFakeTransport()
	ft.responses["initialize"] = json.RawMessage(
		`{"protocolVersion":"2024-11-05","serverInfo":{"name":"sf-tools","version":"1.2.0"}}`)

	client := NewClient(ft, testLogger())
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if countMethod(ft.calls, "initialize") != 1 {
		t.Errorf("initialize called %d times, want 1", countMethod(ft.calls, "initialize"))
	}
	if countMethod(ft.notifies, "notifications/initialized") != 1 {
		t.Error("notifications/initialized not sent after handshake")
	}

	params, ok := ft.params["initialize"].(map[string]any)
	if !ok {
		t.Fatalf("initialize params = %T, want map", ft.params["initialize"])
	}
	if params["protocolVersion"] != protocolVersion {
		t.Errorf("protocolVersion = %v, want %s", params["protocolVersion"], protocolVersion)
	}
}

func TestClient_ListTools(t *testing.T) {
	ft := newFakeTransport()
	ft.responses["tools/list"] = json.RawMessage(`{"tools":[
		{"name":"soql_query","description":"Run a SOQL query","inputSchema":{"type":"object"}},
		{"name":"describe_object","description":"Describe an object"}
	]}`)

	client := NewClient(ft, testLogger())
	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("ListTools() returned %d tools, want 2", len(tools))
	}
	if tools[0].Name != "soql_query" {
		t.Errorf("tools[0].Name = %q, want %q", tools[0].Name, "soql_query")
	}
}

func TestClient_ListToolsCachedPerGeneration(t *testing.T) {
	ft := newFakeTransport()
	ft.responses["tools/list"] = json.RawMessage(`{"tools":[{"name":"soql_query"}]}`)

	client := NewClient(ft, testLogger())
	for i := 0; i < 3; i++ {
		if _, err := client.ListTools(context.Background()); err != nil {
			t.Fatalf("ListTools() error = %v", err)
		}
	}
	if n := countMethod(ft.calls, "tools/list"); n != 1 {
		t.Errorf("tools/list called %d times for one generation, want 1", n)
	}

	// A restarted subprocess advertises a fresh generation; the cache
	// must refetch.
	ft.gen++
	if _, err := client.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools() after restart error = %v", err)
	}
	if n := countMethod(ft.calls, "tools/list"); n != 2 {
		t.Errorf("tools/list called %d times across two generations, want 2", n)
	}
}

func TestClient_CallTool(t *testing.T) {
	ft := newFakeTransport()
	ft.responses["tools/call"] = json.RawMessage(
		`{"content":[{"type":"text","text":"42 leads found"}],"isError":false}`)

	client := NewClient(ft, testLogger())
	text, err := client.CallTool(context.Background(), "soql_query", map[string]any{"query": "SELECT COUNT() FROM Lead"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if text != "42 leads found" {
		t.Errorf("CallTool() = %q, want %q", text, "42 leads found")
	}

	params, ok := ft.params["tools/call"].(map[string]any)
	if !ok {
		t.Fatalf("tools/call params = %T, want map", ft.params["tools/call"])
	}
	if params["name"] != "soql_query" {
		t.Errorf("params name = %v, want soql_query", params["name"])
	}
}

func TestClient_CallToolIsErrorBecomesToolError(t *testing.T) {
	ft := newFakeTransport()
	ft.responses["tools/call"] = json.RawMessage(
		`{"content":[{"type":"text","text":"MALFORMED_QUERY: unexpected token"}],"isError":true}`)

	client := NewClient(ft, testLogger())
	_, err := client.CallTool(context.Background(), "soql_query", nil)

	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("CallTool() error = %v, want *ToolError", err)
	}
	if toolErr.Tool != "soql_query" {
		t.Errorf("ToolError.Tool = %q, want %q", toolErr.Tool, "soql_query")
	}
}

func TestClient_CallToolTimeoutBecomesToolError(t *testing.T) {
	ft := newFakeTransport()
	ft.errs["tools/call"] = &TimeoutError{Method: "tools/call", After: 30 * time.Second}

	client := NewClient(ft, testLogger())
	_, err := client.CallTool(context.Background(), "soql_query", nil)

	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("CallTool() error = %v, want *ToolError", err)
	}
}

func TestClient_CallToolChannelDownPassesThrough(t *testing.T) {
	ft := newFakeTransport()
	ft.errs["tools/call"] = ErrChannelUnavailable

	client := NewClient(ft, testLogger())
	_, err := client.CallTool(context.Background(), "soql_query", nil)

	if !errors.Is(err, ErrChannelUnavailable) {
		t.Errorf("CallTool() error = %v, want ErrChannelUnavailable", err)
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		t.Error("dead channel was wrapped in *ToolError, want passthrough")
	}
}

func TestClient_Close(t *testing.T) {
	ft := newFakeTransport()
	client := NewClient(ft, testLogger())
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !ft.closed {
		t.Error("transport not closed")
	}
}

func TestNormalizeResult(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		isError bool
	}{
		{
			name: "structured text",
			raw:  `{"content":[{"type":"text","text":"hello"}]}`,
			want: "hello",
		},
		{
			name: "multiple text blocks joined",
			raw:  `{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`,
			want: "a\nb",
		},
		{
			name:    "error flag",
			raw:     `{"content":[{"type":"text","text":"boom"}],"isError":true}`,
			want:    "boom",
			isError: true,
		},
		{
			name: "non-text block marked inline",
			raw:  `{"content":[{"type":"image"}]}`,
			want: "[image]",
		},
		{
			name: "bare string",
			raw:  `"plain result"`,
			want: "plain result",
		},
		{
			name: "arbitrary object stringified",
			raw:  `{"records":[{"Id":"00Q"}]}`,
			want: `{"records":[{"Id":"00Q"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, isError := normalizeResult(json.RawMessage(tt.raw))
			if got != tt.want {
				t.Errorf("normalizeResult() = %q, want %q", got, tt.want)
			}
			if isError != tt.isError {
				t.Errorf("normalizeResult() isError = %v, want %v", isError, tt.isError)
			}
		})
	}
}
