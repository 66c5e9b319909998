// Package server exposes the admission layer over HTTP: the admission
// middleware in front of an upstream, the admin surface, Prometheus metrics
// and a live event stream.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/app"
	"github.com/SmitUplenchwar2687/Turnstile/internal/recorder"
)

// Options configures optional server features.
type Options struct {
	// Upstream receives admitted requests. Nil serves a small JSON echo.
	Upstream http.Handler
	// AdminToken, when set, is required as a bearer token on /admin routes.
	AdminToken string
	// TrustIdentityHeaders attributes requests by X-User-ID, X-User-Role,
	// X-API-Key and X-Forwarded-For instead of the peer address.
	TrustIdentityHeaders bool
	Routes               []Route
	Hub                  *Hub
	Recorder             *recorder.Recorder
}

// Server is the Turnstile HTTP front.
type Server struct {
	httpServer *http.Server
	stack      *app.Stack
	opts       Options
	mux        *http.ServeMux
	logger     *zap.Logger
	started    time.Time
}

// New creates a server for stack. When both a hub and a recorder are set,
// journaled events are streamed to the hub.
func New(addr string, stack *app.Stack, opts Options) *Server {
	s := &Server{
		stack:   stack,
		opts:    opts,
		mux:     http.NewServeMux(),
		logger:  stack.Logger.Named("server"),
		started: stack.Clock.Now(),
	}
	if opts.Hub != nil && opts.Recorder != nil {
		opts.Recorder.Subscribe(opts.Hub.Broadcast)
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.stack.Metrics, promhttp.HandlerOpts{}))
	if s.opts.Hub != nil {
		s.mux.HandleFunc("/ws", s.opts.Hub.HandleWebSocket)
	}
	s.adminRoutes()

	upstream := s.opts.Upstream
	if upstream == nil {
		upstream = http.HandlerFunc(s.handleEcho)
	}
	s.mux.Handle("/", AdmissionMiddleware(s.stack.Controller, MiddlewareOptions{
		Routes:               s.opts.Routes,
		TrustIdentityHeaders: s.opts.TrustIdentityHeaders,
		Clock:                s.stack.Clock,
		Logger:               s.stack.Logger,
	})(upstream))
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.stack.Backend.Mode,
		"local_only": s.stack.Pool.Degraded(),
		"uptime":     s.stack.Clock.Since(s.started).Round(time.Second).String(),
	})
}

// handleEcho stands in for an upstream application.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service":    "turnstile",
		"path":       r.URL.Path,
		"request_id": w.Header().Get(HeaderRequestID),
		"time":       s.stack.Clock.Now().Format(time.RFC3339),
	})
}

// Start begins listening. It blocks until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.StartOnListener(ln)
}

// StartOnListener serves on ln.
func (s *Server) StartOnListener(ln net.Listener) error {
	s.logger.Info("turnstile listening", zap.String("addr", ln.Addr().String()))
	err := s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and disconnects stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.opts.Hub != nil {
		s.opts.Hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}
