package costkeeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kailas-cloud/costkeeper/internal/db"
	"github.com/kailas-cloud/costkeeper/internal/db/memory"
	dbRedis "github.com/kailas-cloud/costkeeper/internal/db/redis"
	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	dompricing "github.com/kailas-cloud/costkeeper/internal/domain/pricing"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domselection "github.com/kailas-cloud/costkeeper/internal/domain/selection"
	domsticky "github.com/kailas-cloud/costkeeper/internal/domain/sticky"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
	domusage "github.com/kailas-cloud/costkeeper/internal/domain/usage"
	"github.com/kailas-cloud/costkeeper/internal/engine"
	"github.com/kailas-cloud/costkeeper/internal/repository/postgres"
	"github.com/kailas-cloud/costkeeper/internal/usecase/aggregation"
	"github.com/kailas-cloud/costkeeper/internal/usecase/metering"
)

const (
	defaultReadinessTimeout = 10 * time.Second
	sweepInterval           = time.Hour
)

// Internal interfaces, substituted in tests.
type tenantResolver interface {
	Resolve(ctx context.Context, orgID, appID string) (domtenant.Effective, error)
}

type usageWriter interface {
	RecordUsage(ctx context.Context, eff domtenant.Effective, ev domusage.Event) (metering.Ack, error)
	RecordBatch(ctx context.Context, eff domtenant.Effective, events []domusage.Event) []metering.Result
}

type pricer interface {
	Cost(ctx context.Context, l label.Label, region string, in, out int64) (int64, dompricing.Rate, error)
}

type modelSelector interface {
	SelectModel(ctx context.Context, eff domtenant.Effective, day scope.Day, bypassCache bool) (domselection.Recommendation, error)
}

type pinTracker interface {
	Pin(ctx context.Context, eff domtenant.Effective, day scope.Day, l label.Label, reason domsticky.Reason) (domsticky.State, bool, error)
}

type reportUseCase interface {
	Today(ctx context.Context, eff domtenant.Effective, day scope.Day) (domusage.Report, error)
}

type aggregatorUseCase interface {
	RunOnce(ctx context.Context, now time.Time) (aggregation.Stats, error)
	Run(ctx context.Context) error
}

// Client is the costkeeper SDK entry point.
type Client struct {
	tenants    tenantResolver
	writer     usageWriter
	pricing    pricer
	selector   modelSelector
	tracker    pinTracker
	reports    reportUseCase
	aggregator aggregatorUseCase
	healthSvc  healthUseCase
	pinger     db.Pinger
	obs        *observer
	now        func() time.Time

	closers []func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Client, connects to storage and starts the background loops.
// The provided context is used for the initial readiness check.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o.apply(cfg)
	}
	if cfg.driver == "" {
		return nil, errors.New("costkeeper: storage required (use WithValkey, WithRedis, WithPostgres or WithMemory)")
	}
	if len(cfg.orgs) == 0 {
		return nil, errors.New("costkeeper: at least one organization required (use WithTenants)")
	}

	backend, closer, err := createBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	obs, err := newObserver(cfg.logger, cfg.metricsReg)
	if err != nil {
		closer()
		return nil, err
	}

	c, err := wireClient(backend, cfg, obs)
	if err != nil {
		closer()
		return nil, err
	}
	c.closers = append(c.closers, closer)
	return c, nil
}

func createBackend(ctx context.Context, cfg *clientConfig) (engine.Backend, func(), error) {
	switch cfg.driver {
	case "valkey", "redis":
		if len(cfg.addrs) == 0 || cfg.addrs[0] == "" {
			return engine.Backend{}, nil, errors.New("costkeeper: database address required")
		}
		s, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.addrs,
			Password: cfg.password,
		})
		if err != nil {
			return engine.Backend{}, nil, fmt.Errorf("costkeeper: create %s store: %w", cfg.driver, err)
		}
		if err := s.WaitForReady(ctx, defaultReadinessTimeout); err != nil {
			s.Close()
			return engine.Backend{}, nil, fmt.Errorf("costkeeper: database not ready: %w", err)
		}
		return engine.KV(s, cfg.keyPrefix), s.Close, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.dsn)
		if err != nil {
			return engine.Backend{}, nil, fmt.Errorf("costkeeper: create postgres pool: %w", err)
		}
		store := postgres.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return engine.Backend{}, nil, fmt.Errorf("costkeeper: prepare schema: %w", err)
		}
		return engine.Postgres(store), pool.Close, nil
	case "memory":
		var mopts []memory.Option
		if cfg.now != nil {
			mopts = append(mopts, memory.WithClock(cfg.now))
		}
		s := memory.New(mopts...)
		return engine.KV(s, cfg.keyPrefix), s.Close, nil
	default:
		return engine.Backend{}, nil, fmt.Errorf("costkeeper: unknown driver %q", cfg.driver)
	}
}

func wireClient(b engine.Backend, cfg *clientConfig, obs *observer) (*Client, error) {
	now := cfg.now
	if now == nil {
		now = time.Now
	}

	eng, err := engine.New(b, engine.Settings{
		Orgs:               orgsToDomain(cfg.orgs),
		Apps:               appsToDomain(cfg.apps),
		Rates:              ratesToDomain(cfg.rates),
		DedupLimit:         cfg.dedupLimit,
		SelectionCacheTTL:  cfg.selectionTTL,
		AggregatorInterval: cfg.aggregateEvery,
		// The SDK reports through slog; engine internals stay quiet.
		Logger: zap.NewNop(),
		Clock:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("costkeeper: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		tenants:    eng.Tenants,
		writer:     eng.Writer,
		pricing:    eng.Pricing,
		selector:   eng.Selector,
		tracker:    eng.Tracker,
		reports:    eng.Usage,
		aggregator: eng.Aggregator,
		healthSvc:  eng.Health(cfg.aggregateEvery > 0),
		pinger:     b.Pinger,
		obs:        obs,
		now:        now,
		cancel:     cancel,
	}

	if cfg.aggregateEvery > 0 {
		c.wg.Go(func() { _ = eng.Aggregator.Run(runCtx) })
	}
	c.wg.Go(func() { eng.RunSweeper(runCtx, sweepInterval) })
	return c, nil
}

// Close stops the background loops and releases all resources.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	for _, fn := range c.closers {
		fn()
	}
}

// Ping checks database connectivity.
func (c *Client) Ping(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { c.obs.observe("ping", "", start, err) }()

	if err = c.pinger.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Aggregate runs one aggregation pass now. Use it when no process runs the
// aggregation loop, or in tests to make recorded spend visible at once.
func (c *Client) Aggregate(ctx context.Context) (stats AggregateStats, err error) {
	start := time.Now()
	defer func() { c.obs.observe("aggregate", "", start, err) }()

	s, err := c.aggregator.RunOnce(ctx, c.now())
	if err != nil {
		return AggregateStats{}, fmt.Errorf("aggregate: %w", err)
	}
	return AggregateStats{Combinations: s.Combinations, Written: s.Written, Skipped: s.Skipped}, nil
}
