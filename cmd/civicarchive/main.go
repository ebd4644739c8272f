// Package main is the entry point for CivicArchive, a civic records archive
// API whose every protected endpoint passes through an admission pipeline:
//   - Client identity resolution behind trusted proxies
//   - Request payload ceiling enforcement
//   - Fixed-window rate limiting (in-memory or Redis-backed)
//   - API key and JWT authentication with scope-based authorization
//   - Full observability: Prometheus metrics, health checks, structured
//     logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/civicarchive/civicarchive/internal/config"
	"github.com/civicarchive/civicarchive/internal/observability"
	"github.com/civicarchive/civicarchive/internal/ratelimit"
	iredis "github.com/civicarchive/civicarchive/internal/redis"
	"github.com/civicarchive/civicarchive/internal/server"
	"github.com/civicarchive/civicarchive/internal/storage"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("civicarchive %s\n", version)
		return
	}

	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting civicarchive", "version", version)
	iredis.InitLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open archive store", "error", err, "path", cfg.Database.Path)
		os.Exit(1)
	}

	limiter, err := buildLimiter(cfg, logger)
	if err != nil {
		logger.Error("failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, logger, version, store, limiter)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Config file watcher for hot-reload of the admission pipeline.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("civicarchive shut down gracefully")
}

// buildLimiter wires the configured rate-limit backend. A nil service means
// rate limiting is disabled.
func buildLimiter(cfg *config.Config, logger *slog.Logger) (*ratelimit.Service, error) {
	if cfg.RateLimit.PerMinute <= 0 {
		logger.Info("rate limiting disabled")
		return nil, nil
	}

	var backend ratelimit.Backend
	switch cfg.RateLimit.Backend {
	case config.RateLimitBackendRedis:
		client, err := iredis.NewClientWithoutPing(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis client: %w", err)
		}
		backend = ratelimit.NewRemoteBackend(client, cfg.RateLimit.KeyPrefix, logger)
	default:
		backend = ratelimit.NewLocalBackend()
	}

	return ratelimit.NewService(backend, ratelimit.Options{
		PerWindow: cfg.RateLimit.PerMinute,
		Window:    config.MustParseDuration(cfg.RateLimit.Window, time.Minute),
		Cooldown:  config.MustParseDuration(cfg.RateLimit.Cooldown, 30*time.Second),
		Timeout:   config.MustParseDuration(cfg.RateLimit.Timeout, 200*time.Millisecond),
		FailMode:  cfg.RateLimit.FailMode,
	}, logger), nil
}
