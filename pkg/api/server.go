package api

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/cortex/config"
	"github.com/goclaw/cortex/pkg/logger"
)

// Server is the lifecycle of the memory API listener.
type Server interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// HTTPServer serves the memory API router.
type HTTPServer struct {
	cfg    config.HTTPConfig
	server *http.Server
	router chi.Router
	logger logger.Logger

	mu    sync.Mutex
	bound net.Addr
}

// NewHTTPServer builds the router and an http.Server bound to the
// configured host and port. Nothing listens until Start or Serve.
func NewHTTPServer(cfg *config.Config, log logger.Logger, handlers *Handlers) *HTTPServer {
	router := NewRouter(cfg, log, handlers)
	s := &HTTPServer{
		cfg:    cfg.Server.HTTP,
		router: router,
		logger: log.With("component", "http"),
	}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           router,
		ReadTimeout:       cfg.Server.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.HTTP.ReadTimeout,
		WriteTimeout:      cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:       cfg.Server.HTTP.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.HTTP.MaxHeaderBytes,
		ErrorLog:          stdlog.New(errorLogWriter{s.logger}, "", 0),
	}
	return s
}

// Handler returns the router so tests can drive it without a listener.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Addr reports the address the server is listening on, or nil before Serve.
func (s *HTTPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Start listens on the configured address and blocks until Shutdown.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and blocks until Shutdown. A clean
// shutdown returns nil.
func (s *HTTPServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.bound = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("HTTP server listening",
		"addr", ln.Addr().String(),
		"read_timeout", s.cfg.ReadTimeout,
		"write_timeout", s.cfg.WriteTimeout,
		"request_timeout", s.cfg.RequestTimeout,
	)

	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	s.logger.Error("HTTP server stopped unexpectedly", "error", err)
	return fmt.Errorf("serve http: %w", err)
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Draining HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP drain incomplete", "error", err)
		return fmt.Errorf("shutdown http: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// errorLogWriter routes net/http's internal error log into the
// structured logger.
type errorLogWriter struct {
	log logger.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.log.Warn("HTTP server error", "detail", strings.TrimSpace(string(p)))
	return len(p), nil
}
