package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openai/openai-go/v2/option"

	"github.com/corefold/relay/pkg/cache"
	"github.com/corefold/relay/pkg/config"
	"github.com/corefold/relay/pkg/database"
	"github.com/corefold/relay/pkg/telemetry"
	"github.com/corefold/relay/services/router"
)

const serviceName = "router"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load(serviceName)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup telemetry
	tp, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:     serviceName,
		ServiceVersion:  cfg.Version,
		Environment:     cfg.Environment,
		OTLPEndpoint:    cfg.OTLPEndpoint,
		TracingEnabled:  cfg.TracingEnabled,
		TracingSampling: cfg.TracingSampling,
		LogLevel:        cfg.LogLevel,
		LogFormat:       cfg.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tp.Shutdown(context.Background())

	logger := tp.Logger()

	// Load the provider manifest
	manifestPath := cfg.ManifestPath
	if manifestPath == "" {
		manifestPath = "router.yaml"
	}
	manifest, err := config.LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	routerCfg, err := routerConfig(manifest)
	if err != nil {
		return err
	}

	// Audit storage
	var opts []router.Option
	opts = append(opts, router.WithLogger(logger))
	switch {
	case cfg.UsePostgresStorage():
		db, err := database.Connect(ctx, &database.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		store := router.NewPostgresStore(db.WithLogger(logger))
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate audit schema: %w", err)
		}
		opts = append(opts, router.WithStore(store))
		logger.Info("using postgres audit store")
	default:
		opts = append(opts, router.WithStore(router.NewMemoryStore()))
		logger.Info("using in-memory audit store")
	}

	// Response cache
	if cfg.RedisURL != "" {
		client, err := cache.ConnectURL(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, caching disabled", "error", err)
		} else {
			defer client.Close()
			opts = append(opts, router.WithCache(
				router.NewResponseCache(client.WithKeyPrefix("relay"), cfg.CacheTTL, logger),
			))
			logger.Info("response cache enabled")
		}
	}

	opts = append(opts, router.WithSink(router.NewLogSink(logger)))

	rt := router.New(routerCfg, opts...)
	defer rt.Close()

	// Register providers from the manifest
	registered := 0
	for _, entry := range manifest.Providers {
		p, err := buildProvider(entry)
		if err != nil {
			logger.Warn("skipping provider", "provider", entry.ID, "error", err)
			continue
		}
		rt.AddProvider(p, router.ProviderConfig{
			Priority:    entry.Priority,
			Timeout:     entry.Timeout,
			MaxInflight: entry.MaxInflight,
		})
		registered++
	}
	if registered == 0 {
		return errors.New("no providers registered; check the manifest and API key environment variables")
	}

	rt.Start(ctx)
	rt.ProbeAll(ctx)

	// HTTP server
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	router.NewHandler(rt, logger).Register(engine)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// routerConfig maps manifest settings onto the router configuration.
func routerConfig(m *config.Manifest) (router.Config, error) {
	cfg := router.DefaultConfig()
	s := m.Router

	if s.Strategy != "" {
		strategy, err := router.ParseStrategy(s.Strategy)
		if err != nil {
			return cfg, err
		}
		cfg.Strategy = strategy
	}
	if s.RequestTimeout > 0 {
		cfg.RequestTimeout = s.RequestTimeout
	}
	if s.StreamChunkTimeout > 0 {
		cfg.StreamChunkTimeout = s.StreamChunkTimeout
	}
	if s.EnableFallback != nil {
		cfg.EnableFallback = *s.EnableFallback
	}
	if s.MaxRetries != nil {
		cfg.MaxRetries = *s.MaxRetries
	}
	if s.FailureThreshold > 0 {
		cfg.Breaker.FailureThreshold = s.FailureThreshold
	}
	if s.BreakerCooldown > 0 {
		cfg.Breaker.Cooldown = s.BreakerCooldown
	}
	if s.HealthInterval > 0 {
		cfg.Health.Interval = s.HealthInterval
	}
	if s.ProbeTimeout > 0 {
		cfg.Health.ProbeTimeout = s.ProbeTimeout
	}
	if s.UnreachableAfter > 0 {
		cfg.Health.UnreachableAfter = s.UnreachableAfter
	}

	for _, b := range m.Budgets {
		period, err := parsePeriod(b.Period)
		if err != nil {
			return cfg, err
		}
		cfg.Budgets = append(cfg.Budgets, router.BudgetLimit{
			Period:            period,
			LimitUSD:          b.LimitUSD,
			WarningThreshold:  b.WarningThreshold,
			CriticalThreshold: b.CriticalThreshold,
			BlockOnLimit:      b.BlockOnLimit,
		})
	}
	return cfg, nil
}

func parsePeriod(name string) (router.Period, error) {
	switch name {
	case "hourly":
		return router.PeriodHourly, nil
	case "daily", "":
		return router.PeriodDaily, nil
	case "weekly":
		return router.PeriodWeekly, nil
	case "monthly":
		return router.PeriodMonthly, nil
	case "total":
		return router.PeriodTotal, nil
	default:
		return router.PeriodDaily, fmt.Errorf("unknown budget period %q", name)
	}
}

// buildProvider constructs a provider from a manifest entry.
func buildProvider(entry config.ProviderEntry) (router.Provider, error) {
	key := entry.APIKey()
	if key == "" {
		return nil, fmt.Errorf("no API key in $%s", entry.APIKeyEnv)
	}
	switch entry.Type {
	case "anthropic":
		var opts []router.AnthropicOption
		if entry.BaseURL != "" {
			opts = append(opts, router.WithAnthropicBaseURL(entry.BaseURL))
		}
		return router.NewAnthropicProvider(key, entry.Model, opts...).WithID(entry.ID), nil
	case "openai":
		var opts []option.RequestOption
		if entry.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(entry.BaseURL))
		}
		return router.NewOpenAIProvider(key, entry.Model, opts...).WithID(entry.ID), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", entry.Type)
	}
}
