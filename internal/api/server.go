// Package api implements Parley's HTTP API: turn submission, session
// history, capability listing, router introspection and a websocket
// feed of turn events.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/metrics"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/tools"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// RouterIntrospector is implemented by routers that keep a decision
// audit log, such as *router.KeywordRouter.
type RouterIntrospector interface {
	Stats() router.Stats
	AuditLog(limit int) []router.Decision
}

// HealthSource reports the reachability of external dependencies.
type HealthSource interface {
	Status() []connwatch.Status
	Ready() bool
}

// Server is the HTTP API server.
type Server struct {
	addr     string
	loop     *agent.Loop
	registry *tools.Registry
	metrics  *metrics.Collector
	router   RouterIntrospector
	health   HealthSource
	logger   *slog.Logger
	server   *http.Server
	ws       *eventStream
}

// NewServer creates a new API server bound to addr (host:port). bus and
// m may be nil; the events and metrics endpoints then serve nothing.
func NewServer(addr string, loop *agent.Loop, reg *tools.Registry, bus *events.Bus, m *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		loop:     loop,
		registry: reg,
		metrics:  m,
		logger:   logger,
		ws:       newEventStream(bus, logger),
	}
}

// SetRouter enables the router introspection endpoints.
func (s *Server) SetRouter(ri RouterIntrospector) {
	s.router = ri
}

// SetHealth adds dependency status to GET /health.
func (s *Server) SetHealth(h HealthSource) {
	s.health = h
}

// Handler returns the routed, logged handler. Start serves it; tests
// mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turn", s.handleTurn)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.Handle("GET /v1/events", s.ws)

	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.withLogging(mux)
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // a turn may run several model passes
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server", "addr", s.addr)
	return s.server.ListenAndServe()
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

// TurnRequest is the body of POST /v1/turn.
type TurnRequest struct {
	Text string `json:"text"`
}

// TurnResponse carries the assistant message produced by a turn.
type TurnResponse struct {
	TurnID    string         `json:"turn_id"`
	Path      string         `json:"path"`
	Message   memory.Message `json:"message"`
	ElapsedMS int64          `json:"elapsed_ms"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	res := s.loop.ProcessTurn(r.Context(), req.Text, nil)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, TurnResponse{
		TurnID:    res.TurnID,
		Path:      string(res.Path),
		Message:   res.Reply,
		ElapsedMS: res.Elapsed.Milliseconds(),
	}, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs := s.loop.History()
	if limit := parseIntParam(r, "limit", 0); limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session":  s.loop.Session(),
		"count":    len(msgs),
		"messages": msgs,
	}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	var schemas []tools.Schema
	if s.registry != nil {
		schemas = s.registry.Schemas()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count": len(schemas),
		"tools": schemas,
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth always answers 200 while the process is serving; an
// unreachable dependency only downgrades the status to "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy"}
	if s.health != nil {
		if !s.health.Ready() {
			body["status"] = "degraded"
		}
		body["dependencies"] = s.health.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    code,
		},
	}, s.logger)
}

// Router introspection handlers

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router does not keep statistics")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.router.Stats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router does not keep an audit log")
		return
	}

	decisions := s.router.AuditLog(parseIntParam(r, "limit", 20))
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
