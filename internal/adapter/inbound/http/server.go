package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keywarden/keywarden/internal/domain/adminauth"
	"github.com/keywarden/keywarden/internal/domain/audit"
	"github.com/keywarden/keywarden/internal/service"
)

// Server is the inbound HTTP adapter: it mounts the management API,
// health, and metrics endpoints over one listener.
type Server struct {
	api             *API
	verifier        *adminauth.Verifier
	registry        *prometheus.Registry
	health          *HealthChecker
	server          *http.Server
	addr            string
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8080"
// (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRegistry sets the Prometheus registry backing /metrics. When the
// engine's metrics live in the same registry, one scrape covers both
// HTTP and engine series.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithHealthChecker sets the health checker for /healthz.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) { s.health = hc }
}

// WithShutdownTimeout bounds graceful shutdown. Default 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// NewServer creates the HTTP server over the engine. The verifier
// gates every /api/v1 route; /healthz and /metrics stay open for
// probes and scrapers.
func NewServer(engine *service.Engine, events audit.EventReader, verifier *adminauth.Verifier, opts ...Option) *Server {
	s := &Server{
		verifier:        verifier,
		addr:            "127.0.0.1:8080",
		shutdownTimeout: 10 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.api = NewAPI(engine, events, s.logger)
	return s
}

// Handler builds the full route tree with the middleware chain.
// Order (outermost first): RequestID, RealIP, Tracing, AdminKey,
// handlers.
func (s *Server) Handler() http.Handler {
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	apiMux := http.NewServeMux()
	s.api.Register(apiMux)

	var apiHandler http.Handler = apiMux
	apiHandler = AdminKeyMiddleware(s.verifier, s.logger)(apiHandler)
	apiHandler = TracingMiddleware(apiHandler)
	apiHandler = RealIPMiddleware(apiHandler)
	apiHandler = RequestIDMiddleware(s.logger)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", apiHandler)
	if s.health != nil {
		mux.Handle("/healthz", s.health.Handler())
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		})
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	return mux
}

// Start begins serving and blocks until the context is cancelled or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests within the shutdown timeout.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts the server down.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
