// Package microservice provides the HTTP server shell shared by contextd's
// surfaces: listener management, health checks and graceful shutdown.
package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReadinessFunc reports whether the process can take traffic. A non-nil error
// makes /readyz answer 503 with the error text.
type ReadinessFunc func() error

// Option customizes a Server.
type Option func(*Server)

// WithReadiness installs the check behind /readyz.
func WithReadiness(fn ReadinessFunc) Option {
	return func(s *Server) { s.ready = fn }
}

// WithIdleTimeout bounds how long idle keep-alive connections are held.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.http.IdleTimeout = d }
}

// Server owns the listener, the route table and the health endpoints. It sets no
// WriteTimeout because event streams stay open indefinitely.
type Server struct {
	addr   string
	logger zerolog.Logger
	mux    *http.ServeMux
	http   *http.Server
	ready  ReadinessFunc

	mu    sync.RWMutex
	bound net.Addr
}

// NewServer creates a Server for addr (":8080" style; ":0" picks a port).
func NewServer(addr string, logger zerolog.Logger, opts ...Option) *Server {
	mux := http.NewServeMux()
	s := &Server{
		addr:   addr,
		logger: logger.With().Str("component", "HTTPServer").Logger(),
		mux:    mux,
		http: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
	return s
}

// Mux is the route table handlers register on.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// OnShutdown registers fn to run when Shutdown begins. Long-lived handlers use
// it to end their connections so Shutdown does not wait on them.
func (s *Server) OnShutdown(fn func()) { s.http.RegisterOnShutdown(fn) }

// Start binds the listener and serves in the background. A bind failure is
// returned directly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.bound = ln.Addr()
	s.mu.Unlock()

	s.logger.Info().Str("address", ln.Addr().String()).Msg("HTTP server listening.")
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server stopped unexpectedly.")
		}
	}()
	return nil
}

// Port returns the bound port as ":NNNN", or the configured address before
// Start.
func (s *Server) Port() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tcp, ok := s.bound.(*net.TCPAddr); ok {
		return fmt.Sprintf(":%d", tcp.Port)
	}
	return s.addr
}

// Shutdown stops accepting connections and waits for in-flight requests until
// ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("HTTP server draining...")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("HTTP server stopped.")
	return nil
}

type statusBody struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func writeStatus(w http.ResponseWriter, status int, body statusBody) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, statusBody{Status: "healthy"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, statusBody{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	writeStatus(w, http.StatusOK, statusBody{Status: "ready"})
}
