// Package api serves the session chat routes and the administrative
// HTTP surface.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nugget/cortex-agent/internal/creds"
	"github.com/nugget/cortex-agent/internal/observability"
	"github.com/nugget/cortex-agent/internal/session"
	"github.com/nugget/cortex-agent/internal/store"
)

// Linker runs the account-linking flow. *creds.Manager satisfies it.
type Linker interface {
	AuthURL(sessionID, service string) (string, error)
	Complete(ctx context.Context, state, code string) (creds.Linked, error)
	Unlink(ctx context.Context, sessionID, service, account string) error
	Services(ctx context.Context, sessionID string) ([]store.ConnectedService, error)
}

// Config holds the listener settings.
type Config struct {
	Address string
	Port    int

	// WriteTimeout bounds each write. Streaming responses push the
	// deadline forward per chunk.
	WriteTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records requests on mt and serves it at /metrics.
func WithMetrics(mt *observability.Metrics) Option {
	return func(s *Server) { s.metrics = mt }
}

// WithLinker enables the credential status and linking routes.
func WithLinker(l Linker) Option {
	return func(s *Server) { s.linker = l }
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	sessions *session.Registry
	store    *store.Store
	linker   Linker
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a server over the session registry and store.
func NewServer(cfg Config, sessions *session.Registry, st *store.Store, opts ...Option) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 120 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		store:    st,
		logger:   slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Session chat
	mux.HandleFunc("GET /api/chat/{sessionId}/messages", s.handleMessages)
	mux.HandleFunc("POST /api/chat/{sessionId}/chat", s.handleChat)
	mux.HandleFunc("GET /api/chat/{sessionId}/ws", s.handleWebSocket)
	mux.HandleFunc("/api/chat/{sessionId}/", s.handleNotFound)

	// Sessions
	mux.HandleFunc("GET /api/sessions", s.handleSessionList)
	mux.HandleFunc("POST /api/sessions", s.handleSessionCreate)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handleSessionRename)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleSessionDelete)
	mux.HandleFunc("DELETE /api/sessions", s.handleSessionClear)

	// Records
	mux.HandleFunc("GET /api/memories", s.handleMemoryList)
	mux.HandleFunc("DELETE /api/memories/{id}", s.handleMemoryDelete)
	mux.HandleFunc("GET /api/tasks", s.handleTaskList)
	mux.HandleFunc("POST /api/tasks/{id}/status", s.handleTaskStatus)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleTaskDelete)

	// Credentials
	mux.HandleFunc("GET /api/status/services", s.handleServices)
	mux.HandleFunc("GET /api/auth/callback", s.handleAuthCallback)
	mux.HandleFunc("GET /api/auth/{service}", s.handleAuthURL)
	mux.HandleFunc("DELETE /api/auth/{service}", s.handleUnlink)

	// Operations
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.instrument(mux)
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", addr, s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// instrument wraps every request in a span, a log line, and a request
// counter labeled by the matched route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			"http.method", r.Method,
			"http.path", r.URL.Path,
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rec.status),
		)
		s.metrics.HTTPRequest(route, rec.status)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// statusRecorder captures the response status. It forwards Flush and
// Hijack so streaming and websocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	_ = http.NewResponseController(r.ResponseWriter).Flush()
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, brw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, brw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// envelope is the response body of every JSON route.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) ok(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func (s *Server) fail(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, envelope{Success: false, Error: message})
}

// failStore maps store errors onto a status. Anything unexpected is
// logged and reported without detail.
func (s *Server) failStore(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidID):
		s.fail(w, http.StatusBadRequest, "invalid identifier")
	case errors.Is(err, store.ErrNotFound):
		s.fail(w, http.StatusNotFound, msgNotFound)
	case errors.Is(err, store.ErrInvalidStatus):
		s.fail(w, http.StatusBadRequest, "invalid task status")
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.fail(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

// decodeBody reads a JSON body into v. An empty body leaves v as is.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// querySession returns the sessionId query parameter, defaulting to
// "default".
func querySession(r *http.Request) string {
	if id := r.URL.Query().Get("sessionId"); id != "" {
		return id
	}
	return "default"
}
