package web

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"home-registry/internal/automation"
	"home-registry/internal/events"
	"home-registry/internal/metrics"
	"home-registry/internal/registry"
	"home-registry/internal/state"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithMetrics records request metrics and serves them on /metrics.
func WithMetrics(rec *metrics.Recorder) ServerOption {
	return func(s *Server) {
		s.metrics = rec
	}
}

// WithVersion sets the application version string served on /version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// StateService reads and updates the live state of devices.
type StateService interface {
	State(ctx context.Context, identifier string) (*state.DeviceState, error)
	UpdateState(ctx context.Context, identifier string, u state.Update) (*state.DeviceState, error)
}

// Server is the HTTP API of the registry.
type Server struct {
	registry       *registry.Service
	states         StateService
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	metrics        *metrics.Recorder
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the HTTP server and starts streaming bus events to
// WebSocket clients.
func NewServer(reg *registry.Service, states StateService, bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		registry: reg,
		states:   states,
		logger:   logger.With("component", "web"),
		mux:      http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if bus != nil {
		s.unsubEvents = bus.SubscribeAll(s.wsHub.Broadcast)
	}

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Registry
	s.mux.HandleFunc("GET /devices", s.handleListDevices)
	s.mux.HandleFunc("POST /devices", s.handleRegisterDevice)
	s.mux.HandleFunc("POST /device", s.handleRegisterDevice)
	s.mux.HandleFunc("GET /device/{id}", s.handleGetDevice)
	s.mux.HandleFunc("DELETE /device/{id}", s.handleDeleteDevice)
	s.mux.HandleFunc("GET /rooms", s.handleListRooms)
	s.mux.HandleFunc("POST /rooms", s.handleRegisterRoom)
	s.mux.HandleFunc("POST /room", s.handleRegisterRoom)
	s.mux.HandleFunc("GET /room/{id}", s.handleGetRoom)
	s.mux.HandleFunc("DELETE /room/{id}", s.handleDeleteRoom)

	// Live state
	s.mux.HandleFunc("GET /device/{id}/state", s.handleGetState)
	s.mux.HandleFunc("PATCH /device/{id}/state", s.handlePatchState)

	// Automations
	s.mux.HandleFunc("GET /automations", s.handleListAutomations)
	s.mux.HandleFunc("POST /automations", s.handleCreateAutomation)
	s.mux.HandleFunc("GET /automations/{id}", s.handleGetAutomation)
	s.mux.HandleFunc("PUT /automations/{id}", s.handleUpdateAutomation)
	s.mux.HandleFunc("DELETE /automations/{id}", s.handleDeleteAutomation)
	s.mux.HandleFunc("POST /automations/{id}/toggle", s.handleToggleAutomation)
	s.mux.HandleFunc("POST /automations/{id}/run", s.handleRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /version", s.handleVersion)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// ServeHTTP implements http.Handler, applying CORS and metrics.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.metrics == nil {
		s.mux.ServeHTTP(w, r)
		return
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	s.metrics.ObserveHTTP(route, rec.status, time.Since(start))
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, "Version", map[string]string{"version": s.version})
}

// statusRecorder captures the response status for metrics.
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
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket upgrade reach the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	r.wroteHeader = true
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
