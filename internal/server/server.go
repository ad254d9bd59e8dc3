package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/decisionfirst/runbookd/internal/auth"
	"github.com/decisionfirst/runbookd/internal/engine"
	"github.com/decisionfirst/runbookd/internal/model"
	"github.com/decisionfirst/runbookd/internal/ratelimit"
	"github.com/decisionfirst/runbookd/internal/storage"
)

// Server is the runbookd HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB     *storage.DB
	JWTMgr *auth.JWTManager
	Engine *engine.Engine
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Engine:              cfg.Engine,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Credential endpoints are rate limited by client IP to slow
	// password guessing.
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoints (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))
	mux.Handle("POST /auth/refresh", authRL(http.HandlerFunc(h.HandleAuthRefresh)))

	viewer := requireRole(model.RoleViewer)
	editor := requireRole(model.RoleEditor)
	admin := requireRole(model.RoleAdmin)

	// User management.
	mux.Handle("POST /v1/users", admin(http.HandlerFunc(h.HandleCreateUser)))
	mux.Handle("GET /v1/users/me", viewer(http.HandlerFunc(h.HandleMe)))

	// Runbook authoring (editor+) and reading (viewer+).
	mux.Handle("POST /v1/runbooks", editor(http.HandlerFunc(h.HandleCreateRunbook)))
	mux.Handle("POST /v1/runbooks/validate", editor(http.HandlerFunc(h.HandleValidateRunbook)))
	mux.Handle("GET /v1/runbooks", viewer(http.HandlerFunc(h.HandleListRunbooks)))
	mux.Handle("GET /v1/runbooks/{runbook_id}", viewer(http.HandlerFunc(h.HandleGetRunbook)))
	mux.Handle("GET /v1/runbooks/{runbook_id}/versions/{version}", viewer(http.HandlerFunc(h.HandleGetRunbookVersion)))
	mux.Handle("PUT /v1/runbooks/{runbook_id}", editor(http.HandlerFunc(h.HandleUpdateRunbook)))
	mux.Handle("DELETE /v1/runbooks/{runbook_id}", editor(http.HandlerFunc(h.HandleDeleteRunbook)))

	// Session lifecycle. Starting and driving a session requires
	// editor+; observing requires viewer+.
	mux.Handle("POST /v1/sessions", editor(http.HandlerFunc(h.HandleStartSession)))
	mux.Handle("GET /v1/sessions", viewer(http.HandlerFunc(h.HandleListSessions)))
	mux.Handle("GET /v1/sessions/{session_id}", viewer(http.HandlerFunc(h.HandleGetSession)))
	mux.Handle("POST /v1/sessions/{session_id}/decision", editor(http.HandlerFunc(h.HandleSubmitDecision)))
	mux.Handle("POST /v1/sessions/{session_id}/execute", editor(http.HandlerFunc(h.HandleExecuteAction)))
	mux.Handle("POST /v1/sessions/{session_id}/pause", editor(http.HandlerFunc(h.HandlePauseSession)))
	mux.Handle("POST /v1/sessions/{session_id}/resume", editor(http.HandlerFunc(h.HandleResumeSession)))
	mux.Handle("POST /v1/sessions/{session_id}/abort", editor(http.HandlerFunc(h.HandleAbortSession)))
	mux.Handle("POST /v1/sessions/{session_id}/annotate", editor(http.HandlerFunc(h.HandleAnnotateSession)))

	// Timeline (viewer+).
	mux.Handle("GET /v1/sessions/{session_id}/timeline", viewer(http.HandlerFunc(h.HandleSessionTimeline)))

	// MCP StreamableHTTP transport (auth required, viewer+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", viewer(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
