// Package api implements the inbound HTTP surface: the chat endpoint,
// the health check, and the liveness probe.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sfbridge/sfbridge/internal/agent"
	"github.com/sfbridge/sfbridge/internal/buildinfo"
	"github.com/sfbridge/sfbridge/internal/cache"
	"github.com/sfbridge/sfbridge/internal/tools"
)

// ModeCache is reported when an answer came from the response cache.
const ModeCache = "cache"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	loop    *agent.Loop
	logger  *slog.Logger
	server  *http.Server

	cache     cache.Cache
	cacheKind string

	registry     *tools.Registry
	toolsRunning func() bool
}

// NewServer creates a new API server.
func NewServer(address string, port int, loop *agent.Loop, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		loop:    loop,
		logger:  logger,
	}
}

// SetCache configures the response cache consulted before the agent
// loop. kind is reported by the health endpoint ("memory" or "redis").
func (s *Server) SetCache(c cache.Cache, kind string) {
	s.cache = c
	s.cacheKind = kind
}

// SetToolStatus configures tool subsystem reporting for the health
// endpoint.
func (s *Server) SetToolStatus(registry *tools.Registry, running func() bool) {
	s.registry = registry
	s.toolsRunning = running
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // tool loops can run long
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Handler builds the route table. Split out from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /keepalive", s.handleKeepalive)
	mux.HandleFunc("GET /", s.handleHealth)

	return s.withLogging(mux)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// ChatRequest is the inbound chat body.
type ChatRequest struct {
	Question string `json:"question"`
}

// ChatResponse is the chat reply.
type ChatResponse struct {
	Response  string `json:"response"`
	Mode      string `json:"mode"`
	Timestamp string `json:"timestamp"`
}

// handleChat runs one exchange: cache lookup, then the agent loop.
// POST /chat {"question": "cuantos leads hay"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	if req.Question == "" {
		s.errorResponse(w, http.StatusBadRequest, "question is required", "")
		return
	}

	exchangeID := uuid.New().String()
	logger := s.logger.With("exchange_id", exchangeID)

	// Basic mode is deterministic and free, so caching it would only
	// mask the mode field.
	var key string
	if s.cache != nil && !s.loop.Basic() {
		key = cache.Normalize(req.Question)
		if cached, ok := s.cache.Get(r.Context(), key); ok {
			logger.Debug("cache hit", "key", key)
			s.respond(w, cached, ModeCache)
			return
		}
	}

	result, err := s.loop.Run(r.Context(), req.Question)
	if err != nil {
		logger.Error("exchange failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error(), req.Question)
		return
	}

	if key != "" && result.Mode == agent.ModeAgent {
		s.cache.Put(r.Context(), key, result.Response)
	}

	s.respond(w, result.Response, result.Mode)
}

func (s *Server) respond(w http.ResponseWriter, response, mode string) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		Response:  response,
		Mode:      mode,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, s.logger)
}

// handleHealth reports overall and per-subsystem status.
// GET /
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// "GET /" is a subtree pattern; only the root itself is health.
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	llmStatus := "ready"
	if s.loop.Basic() {
		llmStatus = "basic"
	}

	toolStatus := "not configured"
	toolCount := 0
	if s.toolsRunning != nil {
		if s.toolsRunning() {
			toolStatus = "running"
		} else {
			toolStatus = "stopped"
		}
		toolCount = s.registry.Len()
	}

	cacheStatus := "disabled"
	if s.cache != nil {
		cacheStatus = s.cacheKind
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":  "ok",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().String(),
		"subsystems": map[string]any{
			"llm":         llmStatus,
			"tool_server": toolStatus,
			"tools":       toolCount,
			"cache":       cacheStatus,
		},
	}, s.logger)
}

// handleKeepalive is the trivial liveness probe.
// GET /keepalive
func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

// errorResponse writes a JSON error body. fallback, when non-empty,
// echoes the original question so the caller has something to show.
func (s *Server) errorResponse(w http.ResponseWriter, code int, message, fallback string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	body := map[string]any{"error": message}
	if fallback != "" {
		body["fallback"] = fallback
	}
	writeJSON(w, body, s.logger)
}
