package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sfbridge/sfbridge/internal/agent"
	"github.com/sfbridge/sfbridge/internal/cache"
	"github.com/sfbridge/sfbridge/internal/llm"
	"github.com/sfbridge/sfbridge/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingClient returns a fixed answer and counts upstream calls.
type countingClient struct {
	calls int
	text  string
	err   error
}

func (c *countingClient) Chat(_ context.Context, _ *llm.ChatRequest) (*llm.ChatResponse, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &llm.ChatResponse{
		Content:    []llm.ContentBlock{llm.TextBlock(c.text)},
		StopReason: "end_turn",
	}, nil
}

func (c *countingClient) Ping(context.Context) error { return nil }

func newTestServer(t *testing.T, client llm.Client) (*Server, *countingClient) {
	t.Helper()
	cc, _ := client.(*countingClient)
	loop := agent.NewLoop(testLogger(), client, tools.NewRegistry(), "claude-sonnet-4-20250514", 1024, 5, "")
	return NewServer("", 0, loop, testLogger()), cc
}

func postChat(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHandleChat(t *testing.T) {
	srv, _ := newTestServer(t, &countingClient{text: "There are 42 leads."})
	rec := postChat(t, srv.Handler(), `{"question":"cuantos leads hay"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["response"] != "There are 42 leads." {
		t.Errorf("response = %v", body["response"])
	}
	if body["mode"] != agent.ModeAgent {
		t.Errorf("mode = %v, want %s", body["mode"], agent.ModeAgent)
	}
	if _, err := time.Parse(time.RFC3339, body["timestamp"].(string)); err != nil {
		t.Errorf("timestamp %v not RFC3339: %v", body["timestamp"], err)
	}
}

func TestHandleChat_MissingQuestion(t *testing.T) {
	srv, _ := newTestServer(t, &countingClient{text: "unused"})

	for _, body := range []string{`{}`, `{"question":""}`, `not json`} {
		rec := postChat(t, srv.Handler(), body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
		resp := decodeBody(t, rec)
		if resp["error"] == nil {
			t.Errorf("body %q: no error field in response", body)
		}
	}
}

func TestHandleChat_BasicMode(t *testing.T) {
	loop := agent.NewLoop(testLogger(), nil, tools.NewRegistry(), "", 0, 5, "")
	srv := NewServer("", 0, loop, testLogger())

	rec := postChat(t, srv.Handler(), `{"question":"hello"}`)
	body := decodeBody(t, rec)
	if body["mode"] != agent.ModeBasic {
		t.Errorf("mode = %v, want %s", body["mode"], agent.ModeBasic)
	}
	if body["response"] != "[basic mode] You said: hello" {
		t.Errorf("response = %v", body["response"])
	}
}

func TestHandleChat_CacheHitSkipsLoop(t *testing.T) {
	client := &countingClient{text: "There are 42 leads."}
	srv, _ := newTestServer(t, client)

	c := cache.NewMemory(5*time.Minute, time.Minute, testLogger())
	defer c.Stop()
	srv.SetCache(c, "memory")

	handler := srv.Handler()

	// First ask reaches the model and populates the cache.
	rec := postChat(t, handler, `{"question":"cuantos leads hay"}`)
	if got := decodeBody(t, rec)["mode"]; got != agent.ModeAgent {
		t.Fatalf("first ask mode = %v, want %s", got, agent.ModeAgent)
	}
	if client.calls != 1 {
		t.Fatalf("chat calls after first ask = %d, want 1", client.calls)
	}

	// A repeat — even with different casing and spacing — is served
	// from the cache without touching the model.
	rec = postChat(t, handler, `{"question":"  Cuantos   LEADS hay "}`)
	body := decodeBody(t, rec)
	if body["mode"] != ModeCache {
		t.Errorf("second ask mode = %v, want %s", body["mode"], ModeCache)
	}
	if body["response"] != "There are 42 leads." {
		t.Errorf("second ask response = %v", body["response"])
	}
	if client.calls != 1 {
		t.Errorf("chat calls after cached ask = %d, want still 1", client.calls)
	}
}

func TestHandleChat_BasicModeNotCached(t *testing.T) {
	loop := agent.NewLoop(testLogger(), nil, tools.NewRegistry(), "", 0, 5, "")
	srv := NewServer("", 0, loop, testLogger())

	c := cache.NewMemory(5*time.Minute, time.Minute, testLogger())
	defer c.Stop()
	srv.SetCache(c, "memory")

	handler := srv.Handler()
	postChat(t, handler, `{"question":"hello"}`)
	rec := postChat(t, handler, `{"question":"hello"}`)

	if got := decodeBody(t, rec)["mode"]; got != agent.ModeBasic {
		t.Errorf("repeat mode = %v, want %s (basic answers never cached)", got, agent.ModeBasic)
	}
	if c.Len() != 0 {
		t.Errorf("cache has %d entries after basic exchanges, want 0", c.Len())
	}
}

func TestHandleChat_FailureNotCached(t *testing.T) {
	client := &countingClient{err: &llm.UpstreamError{StatusCode: 500, Body: "overloaded"}}
	srv, _ := newTestServer(t, client)

	c := cache.NewMemory(5*time.Minute, time.Minute, testLogger())
	defer c.Stop()
	srv.SetCache(c, "memory")

	rec := postChat(t, srv.Handler(), `{"question":"cuantos leads hay"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] == nil {
		t.Error("no error field in failure response")
	}
	if body["fallback"] != "cuantos leads hay" {
		t.Errorf("fallback = %v, want the original question", body["fallback"])
	}
	if c.Len() != 0 {
		t.Errorf("cache has %d entries after a failed exchange, want 0", c.Len())
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t, &countingClient{text: "hi"})

	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{Name: "soql_query"})
	srv.SetToolStatus(registry, func() bool { return true })

	c := cache.NewMemory(time.Minute, time.Minute, testLogger())
	defer c.Stop()
	srv.SetCache(c, "memory")

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}

	subsystems, ok := body["subsystems"].(map[string]any)
	if !ok {
		t.Fatalf("subsystems = %T, want object", body["subsystems"])
	}
	if subsystems["llm"] != "ready" {
		t.Errorf("llm = %v, want ready", subsystems["llm"])
	}
	if subsystems["tool_server"] != "running" {
		t.Errorf("tool_server = %v, want running", subsystems["tool_server"])
	}
	if subsystems["tools"] != float64(1) {
		t.Errorf("tools = %v, want 1", subsystems["tools"])
	}
	if subsystems["cache"] != "memory" {
		t.Errorf("cache = %v, want memory", subsystems["cache"])
	}
}

func TestHandleHealth_DegradedSubsystems(t *testing.T) {
	loop := agent.NewLoop(testLogger(), nil, tools.NewRegistry(), "", 0, 5, "")
	srv := NewServer("", 0, loop, testLogger())

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	subsystems := decodeBody(t, rec)["subsystems"].(map[string]any)
	if subsystems["llm"] != "basic" {
		t.Errorf("llm = %v, want basic", subsystems["llm"])
	}
	if subsystems["tool_server"] != "not configured" {
		t.Errorf("tool_server = %v, want not configured", subsystems["tool_server"])
	}
	if subsystems["cache"] != "disabled" {
		t.Errorf("cache = %v, want disabled", subsystems["cache"])
	}
}

func TestHandleHealth_UnknownPathIs404(t *testing.T) {
	srv, _ := newTestServer(t, &countingClient{text: "hi"})

	for _, path := range []string{"/nosuch", "/chat/extra", "/health"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestHandleKeepalive(t *testing.T) {
	srv, _ := newTestServer(t, &countingClient{text: "hi"})

	req := httptest.NewRequest("GET", "/keepalive", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "ok" {
		t.Errorf("status = %v, want ok", got)
	}
}
