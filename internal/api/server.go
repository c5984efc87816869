// Package api implements the HTTP and WebSocket chat API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/health"
	"github.com/nugget/parley/internal/persona"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/session"
	"github.com/nugget/parley/internal/tools"
	"github.com/nugget/parley/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	loop     *agent.Loop
	router   *router.Router
	personas *persona.Registry
	tools    *tools.Registry
	sessions session.Store
	usage    *usage.Store
	bus      *events.Bus
	health   *health.Monitor
	logger   *slog.Logger
	server   *http.Server

	// Cancelled on Shutdown to close hijacked WebSocket connections,
	// which http.Server.Shutdown does not track.
	base       context.Context
	baseCancel context.CancelFunc
}

// NewServer creates a new API server.
func NewServer(address string, port int, loop *agent.Loop, rtr *router.Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		address:    address,
		port:       port,
		loop:       loop,
		router:     rtr,
		sessions:   loop.Sessions(),
		logger:     logger,
		base:       base,
		baseCancel: cancel,
	}
}

// SetPersonas enables the persona listing endpoint.
func (s *Server) SetPersonas(reg *persona.Registry) {
	s.personas = reg
}

// SetTools enables the tool listing endpoint.
func (s *Server) SetTools(reg *tools.Registry) {
	s.tools = reg
}

// SetUsageStore enables the usage endpoint.
func (s *Server) SetUsageStore(store *usage.Store) {
	s.usage = store
}

// SetEventBus enables the turn event stream.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetHealth adds provider reachability to the health endpoint.
func (s *Server) SetHealth(m *health.Monitor) {
	s.health = m
}

// Handler returns the API's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Catalog
	mux.HandleFunc("GET /v1/personas", s.handlePersonas)
	mux.HandleFunc("GET /v1/tools", s.handleTools)

	// Sessions
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", s.handleSessionTranscript)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionDelete)

	// Router introspection
	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /v1/router/explain/{requestId}", s.handleRouterExplain)

	// Usage
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	// Health
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second, // A turn may wait on the session queue and two model calls
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.baseCancel()
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

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Parley",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "healthy"
	if !s.health.Healthy() {
		status = "degraded"
	}
	writeJSON(w, map[string]any{
		"status":    status,
		"sessions":  s.sessions.Stats(),
		"providers": s.health.Status(),
	}, s.logger)
}
