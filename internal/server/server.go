// Package server exposes run health and progress over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/alphaflow/internal/server/handlers"
	"github.com/3leaps/alphaflow/internal/server/middleware"
)

// Server is the status server.
type Server struct {
	host string
	port int

	logger  *zap.Logger
	health  *handlers.HealthManager
	version handlers.VersionInfo
	status  handlers.StatusFunc

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// New creates a server bound to host:port. Port 0 picks a free port.
func New(host string, port int) *Server {
	return &Server{
		host:            host,
		port:            port,
		logger:          zap.NewNop(),
		health:          handlers.NewHealthManager("dev"),
		version:         handlers.VersionInfo{Version: "dev"},
		readTimeout:     30 * time.Second,
		writeTimeout:    30 * time.Second,
		shutdownTimeout: 10 * time.Second,
	}
}

// WithLogger sets the logger.
func (s *Server) WithLogger(l *zap.Logger) *Server {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithVersion sets the /version payload and the health version.
func (s *Server) WithVersion(v handlers.VersionInfo) *Server {
	s.version = v
	s.health = handlers.NewHealthManager(v.Version)
	return s
}

// WithStatus sets the /status provider.
func (s *Server) WithStatus(fn handlers.StatusFunc) *Server {
	s.status = fn
	return s
}

// WithTimeouts overrides the HTTP timeouts. Zero values keep defaults.
func (s *Server) WithTimeouts(read, write, shutdown time.Duration) *Server {
	if read > 0 {
		s.readTimeout = read
	}
	if write > 0 {
		s.writeTimeout = write
	}
	if shutdown > 0 {
		s.shutdownTimeout = shutdown
	}
	return s
}

// Health returns the health manager for registering checks.
func (s *Server) Health() *handlers.HealthManager {
	return s.health
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RecoveryWithLogger(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	r.Get("/health", s.health.HealthHandler)
	r.Get("/health/live", s.health.LivenessHandler)
	r.Get("/health/ready", s.health.HealthHandler)
	r.Get("/version", handlers.VersionHandler(s.version))
	r.Get("/status", handlers.StatusHandler(s.status))
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}
