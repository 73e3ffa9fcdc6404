package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kailas-cloud/costkeeper/internal/config"
	"github.com/kailas-cloud/costkeeper/internal/db"
	"github.com/kailas-cloud/costkeeper/internal/db/memory"
	dbRedis "github.com/kailas-cloud/costkeeper/internal/db/redis"
	"github.com/kailas-cloud/costkeeper/internal/engine"
	logpkg "github.com/kailas-cloud/costkeeper/internal/logger"
	"github.com/kailas-cloud/costkeeper/internal/metrics"
	"github.com/kailas-cloud/costkeeper/internal/repository/postgres"
	chiTransport "github.com/kailas-cloud/costkeeper/internal/transport/chi"
	pricinguc "github.com/kailas-cloud/costkeeper/internal/usecase/pricing"
	"github.com/kailas-cloud/costkeeper/internal/version"
)

const sweepInterval = 15 * time.Minute

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting costkeeper API server",
		zap.String("build", version.String()),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("db_addrs", cfg.Database.Addrs),
		zap.Int("orgs", len(cfg.Tenants.Orgs)),
		zap.Int("apps", len(cfg.Tenants.Apps)),
		zap.Bool("aggregator", cfg.AggregatorEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, &cfg)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer closeBackend()
	logger.Info("Connected to database")

	// Register collectors explicitly (no init())
	metrics.RegisterQuotaMetrics(prometheus.DefaultRegisterer)
	metrics.RegisterHTTPMetrics(prometheus.DefaultRegisterer)

	eng, err := engine.New(backend, engine.Settings{
		Orgs:           cfg.OrgTenants(),
		Apps:           cfg.AppTenants(),
		Rates:          cfg.StaticRates(),
		TenantCacheTTL: config.Seconds(cfg.Selection.TenantCacheTTLSec),
		DedupLimit:     cfg.Metering.DedupLimit,
		WriteTimeout:   config.Millis(cfg.Metering.WriteTimeoutMs),
		Retry: db.RetryPolicy{
			Attempts: uint64(cfg.Metering.RetryAttempts), //nolint:gosec // positive after defaults
			Base:     db.DefaultRetryPolicy.Base,
			Cap:      db.DefaultRetryPolicy.Cap,
		},
		SelectionCacheTTL:  selectionCacheTTL(cfg.Selection.CacheTTLMs),
		NextCheckNormal:    config.Seconds(cfg.Selection.NextCheckNormalSec),
		NextCheckTight:     config.Seconds(cfg.Selection.NextCheckTightSec),
		ReadTimeout:        config.Millis(cfg.Selection.ReadTimeoutMs),
		StickyExpiryBuffer: config.Seconds(cfg.Sticky.ExpiryBufferSec),
		PricingCacheTTL:    config.Seconds(cfg.Pricing.CacheTTLSec),
		AggregatorInterval: config.Seconds(cfg.Aggregator.IntervalSec),
		AggregatorWorkers:  cfg.Aggregator.Workers,
		Logger:             logger,
	})
	if err != nil {
		logger.Fatal("Failed to build engine", zap.Error(err))
	}

	// Background loops stop with ctx; wg lets shutdown wait for them.
	var wg sync.WaitGroup
	if cfg.AggregatorEnabled() {
		wg.Go(func() { _ = eng.Aggregator.Run(ctx) })
	} else {
		logger.Warn("Aggregator disabled in this process; another instance must run it")
	}
	wg.Go(func() { eng.RunSweeper(ctx, sweepInterval) })

	if cfg.Pricing.SheetURL != "" {
		var opts []pricinguc.HTTPOption
		if cfg.Pricing.SheetToken != "" {
			opts = append(opts, pricinguc.WithBearerToken(cfg.Pricing.SheetToken))
		}
		src := pricinguc.NewHTTPSource(cfg.Pricing.SheetURL, opts...)
		wg.Go(func() { eng.Pricing.RunRefresh(ctx, src, config.Seconds(cfg.Pricing.RefreshIntervalSec)) })
		logger.Info("Price sheet refresh enabled",
			zap.String("url", cfg.Pricing.SheetURL),
			zap.Int("interval_sec", cfg.Pricing.RefreshIntervalSec),
		)
	}

	// Create chi server
	server := chiTransport.NewServer(
		eng.Tenants, eng.Writer, eng.Selector, eng.Pricing, eng.Usage,
		eng.Health(cfg.AggregatorEnabled()), logger,
	)

	r := chi.NewRouter()
	r.Use(chiTransport.Recoverer(logger))
	r.Use(chiTransport.RequestID)
	r.Use(chiTransport.RequestLogger(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware("/metrics"))
	server.Register(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  config.Seconds(cfg.HTTP.ReadTimeoutSec),
		WriteTimeout: config.Seconds(cfg.HTTP.WriteTimeoutSec),
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.HTTP.ShutdownSec))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	wg.Wait()

	logger.Info("Server stopped gracefully")
}

// openBackend connects to the configured storage driver.
func openBackend(ctx context.Context, cfg *config.Config) (engine.Backend, func(), error) {
	readiness := config.Seconds(cfg.Database.ReadinessTimeout)

	switch cfg.Database.Driver {
	case "redis", "valkey":
		store, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Database.Addrs,
			Username: cfg.Database.Username,
			Password: cfg.Database.Password,
			DB:       cfg.Database.DB,
		})
		if err != nil {
			return engine.Backend{}, nil, fmt.Errorf("create %s store: %w", cfg.Database.Driver, err)
		}
		if err := store.WaitForReady(ctx, readiness); err != nil {
			store.Close()
			return engine.Backend{}, nil, fmt.Errorf("database not ready: %w", err)
		}
		return engine.KV(store, cfg.Storage.KeyPrefix), store.Close, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return engine.Backend{}, nil, fmt.Errorf("create postgres pool: %w", err)
		}
		store := postgres.New(pool, postgres.WithTablePrefix(cfg.Database.TablePrefix))
		readyCtx, cancel := context.WithTimeout(ctx, readiness)
		defer cancel()
		if err := store.EnsureSchema(readyCtx); err != nil {
			pool.Close()
			return engine.Backend{}, nil, fmt.Errorf("prepare schema: %w", err)
		}
		return engine.Postgres(store), pool.Close, nil

	case "memory":
		store := memory.New()
		return engine.KV(store, cfg.Storage.KeyPrefix), store.Close, nil

	default:
		return engine.Backend{}, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// selectionCacheTTL maps the configured milliseconds to engine settings,
// where zero means disabled.
func selectionCacheTTL(ms int) time.Duration {
	if ms <= 0 {
		return -1
	}
	return config.Millis(ms)
}
