package service

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gbsoft/fleetstream/config"
	"github.com/gbsoft/fleetstream/connection"
	"github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/health"
	"github.com/gbsoft/fleetstream/metric"
)

const componentName = "OpsServer"

// DefaultAddr is the ops listener address used when none is configured
const DefaultAddr = ":8081"

// Config is the identity and auth surface of the ops server.
type Config struct {
	Addr        string
	ServiceName string
	Version     string
	Environment string
	APIKey      string
}

// Dependencies are the read sides the ops endpoints expose. All of them are
// optional: a missing health monitor aggregates to healthy, a missing fleet
// monitor turns /report into 404, and a missing metrics registry leaves
// /metrics unregistered.
type Dependencies struct {
	Health  *health.Monitor
	Fleet   *connection.Monitor
	Metrics *metric.MetricsRegistry
}

// Server is the operations HTTP surface: liveness, readiness, aggregated
// health, the fleet report, and Prometheus metrics. It holds no state of its
// own; every endpoint reads from the monitors and the metrics registry.
type Server struct {
	cfg    Config
	logger *slog.Logger

	health  *health.Monitor
	fleet   *connection.Monitor
	metrics *metric.MetricsRegistry

	mu       sync.Mutex
	running  bool
	server   *http.Server
	listener net.Listener
}

// Option configures optional Server collaborators
type Option func(*Server)

// WithLogger sets the structured logger used by the server
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an ops server. Zero config fields fall back to defaults; the
// API key stays empty unless configured, which in production makes the
// authenticated endpoints refuse with 503 until one is set.
func New(cfg Config, deps Dependencies, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "fleetstream"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Environment == "" {
		cfg.Environment = config.EnvDevelopment
	}

	s := &Server{
		cfg:     cfg,
		logger:  slog.Default().With("component", "ops_server"),
		health:  deps.Health,
		fleet:   deps.Fleet,
		metrics: deps.Metrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the server for lifecycle management
func (s *Server) Name() string {
	return "ops_server"
}

// Start binds the listener and serves in the background. The ctx becomes the
// base context of every request, so in-flight handlers observe runtime
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapTransient(err, componentName, "Start", "listener bind")
	}

	srv := &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.server = srv
	s.listener = ln
	s.running = true
	go s.serve(srv, ln)

	s.logger.Info("ops server listening",
		"addr", ln.Addr().String(),
		"environment", s.cfg.Environment,
		"auth", s.cfg.APIKey != "")
	return nil
}

// serve runs the HTTP server until shutdown
func (s *Server) serve(srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.logger.Error("ops server failed", "error", err)
	}
}

// Stop shuts the server down gracefully, waiting up to timeout for in-flight
// requests. A non-positive timeout waits indefinitely. Stopping a server that
// is not running is a no-op.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, componentName, "Stop", "server shutdown")
	}

	s.logger.Info("ops server stopped")
	return nil
}

// Addr returns the bound listener address, empty when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
