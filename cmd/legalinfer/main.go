// Package main is the entry point for the legalinfer service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/howard-nolan/legalinfer/internal/cache"
	"github.com/howard-nolan/legalinfer/internal/config"
	"github.com/howard-nolan/legalinfer/internal/gateway"
	"github.com/howard-nolan/legalinfer/internal/logging"
	"github.com/howard-nolan/legalinfer/internal/metrics"
	"github.com/howard-nolan/legalinfer/internal/pipeline"
	"github.com/howard-nolan/legalinfer/internal/provider"
	"github.com/howard-nolan/legalinfer/internal/ratelimit"
	"github.com/howard-nolan/legalinfer/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "legalinfer: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mc := metrics.New()

	descs := make([]provider.Descriptor, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		descs = append(descs, p.Descriptor())
	}
	manager, err := provider.Build(descs, provider.NewRegistry(), &http.Client{},
		provider.WithLogger(logger),
		provider.WithRecorder(mc),
	)
	if err != nil {
		return fmt.Errorf("building providers: %w", err)
	}
	for name, ok := range manager.ValidateAll(ctx) {
		logger.Info("provider registered", "provider", name, "validated", ok)
	}

	p := pipeline.New(manager, cfg.Pipeline.ToPipeline(), pipeline.WithLogger(logger))

	opts := []gateway.Option{gateway.WithLogger(logger)}
	if cfg.Cache.Enabled {
		c, err := newCache(ctx, cfg.Cache, logger)
		if err != nil {
			return err
		}
		defer c.Close()
		opts = append(opts, gateway.WithCache(c, cfg.Cache.TTL))
	}
	if cfg.RateLimit.Enabled {
		def, tenants := cfg.RateLimit.Limits()
		opts = append(opts, gateway.WithRateLimiter(ratelimit.New(def,
			ratelimit.WithTenantLimits(tenants),
			ratelimit.WithLogger(logger),
		)))
	}
	gw := gateway.New(p, manager, mc, opts...)

	// Only the pipeline section is hot-reloaded; everything else needs a
	// restart.
	unwatch, err := config.Watch(configPath, logger, func(next *config.Config) {
		gw.UpdatePipelineConfig(next.Pipeline.ToPipeline())
	})
	if err != nil {
		logger.Warn("config hot reload unavailable", "error", err)
	} else {
		defer func() { _ = unwatch() }()
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.New(gw, server.WithMetricsHandler(mc.Handler()), server.WithLogger(logger)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("legalinfer listening", "port", cfg.Server.Port, "providers", len(descs))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (*cache.Cache, error) {
	opts := []cache.Option{cache.WithDefaultTTL(cfg.TTL), cache.WithLogger(logger)}
	if cfg.Backend != "redis" {
		return cache.New(cache.NewMemoryStore(cfg.CleanupInterval), opts...), nil
	}

	store, err := cache.NewRedisStore(ctx, cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting cache: %w", err)
	}
	logger.Info("redis cache connected", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	return cache.New(store, append(opts, cache.WithBackendName("redis"))...), nil
}
