// Package engine assembles the quota accounting engine from a storage backend
// and tenant settings. Both the server binary and the embeddable client build
// on it.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/costkeeper/internal/db"
	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	dompricing "github.com/kailas-cloud/costkeeper/internal/domain/pricing"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
	"github.com/kailas-cloud/costkeeper/internal/repository/postgres"
	"github.com/kailas-cloud/costkeeper/internal/repository/ratecache"
	"github.com/kailas-cloud/costkeeper/internal/repository/shard"
	stickyrepo "github.com/kailas-cloud/costkeeper/internal/repository/sticky"
	"github.com/kailas-cloud/costkeeper/internal/repository/total"
	"github.com/kailas-cloud/costkeeper/internal/usecase/aggregation"
	healthuc "github.com/kailas-cloud/costkeeper/internal/usecase/health"
	"github.com/kailas-cloud/costkeeper/internal/usecase/metering"
	pricinguc "github.com/kailas-cloud/costkeeper/internal/usecase/pricing"
	"github.com/kailas-cloud/costkeeper/internal/usecase/selection"
	stickyuc "github.com/kailas-cloud/costkeeper/internal/usecase/sticky"
	tenantuc "github.com/kailas-cloud/costkeeper/internal/usecase/tenant"
	usageuc "github.com/kailas-cloud/costkeeper/internal/usecase/usage"
)

// DefaultKeyPrefix namespaces every key written to Redis or Valkey.
const DefaultKeyPrefix = "costkeeper:"

// ShardStore covers both sides of the shard counters.
type ShardStore interface {
	metering.ShardStore
	aggregation.ShardReader
}

// TotalStore covers both sides of the daily totals.
type TotalStore interface {
	aggregation.TotalWriter
	selection.TotalReader
}

// Purger drops expired records on backends without native TTLs.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Backend is the set of stores the engine runs on.
type Backend struct {
	Shards ShardStore
	Totals TotalStore
	Sticky stickyuc.Store
	Rates  pricinguc.RateStore
	Pinger healthuc.DBPinger
	// Purger is nil when the backend expires records itself.
	Purger Purger
}

// KV builds a backend on a Redis, Valkey or in-memory store.
func KV(store db.Store, prefix string) Backend {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	b := Backend{
		Shards: shard.New(store, prefix),
		Totals: total.New(store, prefix),
		Sticky: stickyrepo.New(store, prefix),
		Rates:  ratecache.New(store, prefix),
		Pinger: store,
	}
	// Redis and Valkey expire keys themselves; the in-memory store does not.
	if p, ok := store.(Purger); ok {
		b.Purger = p
	}
	return b
}

// Postgres builds a backend on PostgreSQL tables.
func Postgres(store *postgres.Store) Backend {
	return Backend{
		Shards: store,
		Totals: store,
		Sticky: store,
		Rates:  store,
		Pinger: store,
		Purger: store,
	}
}

// Settings tunes the engine. Zero values keep each component's default.
type Settings struct {
	Orgs  []domtenant.Org
	Apps  []domtenant.App
	Rates map[label.Label]dompricing.Rate

	TenantCacheTTL time.Duration

	DedupLimit   int
	WriteTimeout time.Duration
	Retry        db.RetryPolicy

	// SelectionCacheTTL below zero disables the recommendation cache.
	SelectionCacheTTL time.Duration
	NextCheckNormal   time.Duration
	NextCheckTight    time.Duration
	ReadTimeout       time.Duration

	StickyExpiryBuffer time.Duration

	PricingCacheTTL time.Duration

	AggregatorInterval time.Duration
	AggregatorWorkers  int

	Logger *zap.Logger
	Clock  func() time.Time
}

// Engine holds the wired components.
type Engine struct {
	Tenants    *tenantuc.Resolver
	Pricing    *pricinguc.Resolver
	Writer     *metering.Writer
	Tracker    *stickyuc.Tracker
	Selector   *selection.Selector
	Usage      *usageuc.Service
	Aggregator *aggregation.Aggregator

	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

// New validates the tenant settings and wires every component.
func New(b Backend, s Settings) (*Engine, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := s.Clock
	if now == nil {
		now = time.Now
	}

	src := tenantuc.NewStaticSource(s.Orgs, s.Apps)
	if err := src.Validate(); err != nil {
		return nil, err
	}

	tenants := tenantuc.New(src, logger).WithClock(now)
	if s.TenantCacheTTL > 0 {
		tenants = tenants.WithCacheTTL(s.TenantCacheTTL)
	}

	priceTTL := s.PricingCacheTTL
	if priceTTL <= 0 {
		priceTTL = pricinguc.DefaultCacheTTL
	}
	prices := pricinguc.New(s.Rates, b.Rates, logger).
		WithClock(now).
		WithCache(pricinguc.NewCache(priceTTL, now)).
		WithLookupTimeout(s.ReadTimeout)

	retry := s.Retry
	if retry.Attempts == 0 {
		retry = db.DefaultRetryPolicy
	}

	writer := metering.New(b.Shards, logger).
		WithClock(now).
		WithRetryPolicy(retry).
		WithDedupLimit(s.DedupLimit).
		WithTimeout(s.WriteTimeout)

	tracker := stickyuc.New(b.Sticky, logger).
		WithClock(now).
		WithRetryPolicy(retry)
	if s.StickyExpiryBuffer > 0 {
		tracker = tracker.WithExpiryBuffer(s.StickyExpiryBuffer)
	}

	selector := selection.New(b.Totals, tracker, prices, logger).
		WithClock(now).
		WithRetryPolicy(retry).
		WithNextCheck(s.NextCheckNormal, s.NextCheckTight).
		WithReadTimeout(s.ReadTimeout)
	switch {
	case s.SelectionCacheTTL < 0:
		selector = selector.WithCacheTTL(0)
	case s.SelectionCacheTTL > 0:
		selector = selector.WithCacheTTL(s.SelectionCacheTTL)
	}

	aggregator := aggregation.New(b.Shards, b.Totals, logger).
		WithRetryPolicy(retry).
		WithInterval(s.AggregatorInterval).
		WithWorkers(s.AggregatorWorkers)

	return &Engine{
		Tenants:    tenants,
		Pricing:    prices,
		Writer:     writer,
		Tracker:    tracker,
		Selector:   selector,
		Usage:      usageuc.New(b.Totals, tracker).WithClock(now),
		Aggregator: aggregator,
		backend:    b,
		logger:     logger,
		now:        now,
	}, nil
}

// Health returns a health service. Pass withAggregator when this process runs
// the aggregation loop so a stalled loop degrades the report.
func (e *Engine) Health(withAggregator bool) *healthuc.Service {
	if withAggregator {
		return healthuc.New(e.backend.Pinger, e.Aggregator)
	}
	return healthuc.New(e.backend.Pinger, nil)
}

// Sweep drops in-process memos for days that can no longer receive writes and
// purges expired rows where the backend needs it.
func (e *Engine) Sweep(ctx context.Context) {
	// Two UTC days back is older than any timezone's current local day.
	cutoff := scope.DayIn(e.now().Add(-48*time.Hour), time.UTC)
	e.Writer.ForgetBefore(cutoff)
	e.Selector.Forget(cutoff)

	if e.backend.Purger == nil {
		return
	}
	n, err := e.backend.Purger.Purge(ctx)
	if err != nil {
		e.logger.Warn("Purge of expired records failed", zap.Error(err))
		return
	}
	if n > 0 {
		e.logger.Debug("Purged expired records", zap.Int64("rows", n))
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}
