// Package server orchestrates CivicArchive's API server and admin server.
// The API server carries the archive routes behind the admission pipeline;
// the admin server exposes health checks, readiness probes, and Prometheus
// metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/civicarchive/civicarchive/internal/api"
	"github.com/civicarchive/civicarchive/internal/config"
	"github.com/civicarchive/civicarchive/internal/gatekeeper"
	"github.com/civicarchive/civicarchive/internal/observability"
	"github.com/civicarchive/civicarchive/internal/ratelimit"
	"github.com/civicarchive/civicarchive/internal/storage"
)

// Server is the main CivicArchive server.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	adminServer     *http.Server
	gk              atomic.Pointer[gatekeeper.Gatekeeper]
	limiter         *ratelimit.Service
	store           storage.Store
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
}

// New creates a new CivicArchive server instance.
func New(cfg *config.Config, logger *slog.Logger, version string, store storage.Store, limiter *ratelimit.Service) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()
	health.SetStorePinger(store)
	if limiter != nil && limiter.Enabled() {
		health.SetBackendPinger(pingerFunc(limiter.PingBackend))
	}

	gk, err := gatekeeper.New(cfg, limiter, logger)
	if err != nil {
		return nil, fmt.Errorf("create gatekeeper: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		limiter: limiter,
		store:   store,
		health:  health,
		metrics: metrics,
	}
	s.gk.Store(gk)

	s.mainServer = buildMainServer(cfg, s.buildRouter(), logger)
	s.adminServer = buildAdminServer(cfg, health, reg)

	return s, nil
}

// pingerFunc adapts a plain function to the observability.Pinger interface.
type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func (s *Server) buildRouter() http.Handler {
	handler := api.NewHandler(s.store, s.logger)
	recorder := observability.NewRecorder(s.logger, s.metrics,
		observability.NewRouteSet(api.RouteTemplates()...))

	r := chi.NewRouter()
	r.Use(recorder.Middleware)
	r.Use(allowedHosts(s.cfg.HTTP.AllowedHosts))
	r.Use(cors(s.cfg.HTTP))
	r.NotFound(api.NotFoundHandler())

	handler.RegisterSystem(r)
	r.Group(func(g chi.Router) {
		g.Use(s.admission)
		handler.RegisterAPI(g)
	})
	return r
}

// admission applies the current gatekeeper. Reads through the atomic
// pointer so a config reload swaps the pipeline without a restart.
func (s *Server) admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.gk.Load().Middleware(next).ServeHTTP(w, r)
	})
}

func buildMainServer(cfg *config.Config, handler http.Handler, _ *slog.Logger) *http.Server {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           h2c.NewHandler(handler, h2s),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	adminReadTimeout := config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout := config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout := config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}
}

// Run starts both the API and admin servers and blocks until the context
// is canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 2)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServer(errCh, readyCh)

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("civicarchive is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServer(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("api server starting",
		"address", s.cfg.Server.Address,
		"rate_limit_backend", string(s.cfg.RateLimit.Backend),
		"auth", s.cfg.Auth.Enabled())

	// Separate Listen from Serve so readiness is signaled after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("api server listen: %w", listenErr)
		return
	}
	close(readyCh)

	if err := s.mainServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("api server: %w", err)
	}
}

// Reload rebuilds the admission pipeline from new configuration and swaps
// it in without restarting. Listener addresses, the storage path, and the
// rate-limit backend selection still require a restart.
func (s *Server) Reload(newCfg *config.Config) error {
	gk, err := gatekeeper.New(newCfg, s.limiter, s.logger)
	if err != nil {
		return fmt.Errorf("rebuild gatekeeper: %w", err)
	}
	s.gk.Store(gk)
	s.cfg = newCfg
	s.logger.Info("admission pipeline reloaded")
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if s.limiter != nil {
		if err := s.limiter.Close(); err != nil {
			s.logger.Error("rate limiter close error", "error", err)
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close error", "error", err)
		}
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
