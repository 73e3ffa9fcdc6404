// Package aggregation folds shard counters into daily totals.
package aggregation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/costkeeper/internal/db"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage"
	"github.com/kailas-cloud/costkeeper/internal/metrics"
)

// Defaults for the aggregation loop.
const (
	DefaultInterval = 60 * time.Second
	DefaultWorkers  = 16
)

// Stats summarizes one pass.
type Stats struct {
	Days         int
	Combinations int
	Written      int
	Skipped      int
}

// Aggregator periodically sums shard counters into DailyTotals.
type Aggregator struct {
	shards   ShardReader
	totals   TotalWriter
	interval time.Duration
	workers  int
	policy   db.RetryPolicy
	logger   *zap.Logger
	id       string

	startedAt   atomic.Int64
	lastSuccess atomic.Int64
}

// New creates an Aggregator.
func New(shards ShardReader, totals TotalWriter, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Aggregator{
		shards:   shards,
		totals:   totals,
		interval: DefaultInterval,
		workers:  DefaultWorkers,
		policy:   db.DefaultRetryPolicy,
		logger:   logger.With(zap.String("aggregator_id", id)),
		id:       id,
	}
}

// WithInterval sets the tick interval.
func (a *Aggregator) WithInterval(d time.Duration) *Aggregator {
	if d > 0 {
		a.interval = d
	}
	return a
}

// WithWorkers bounds concurrent combinations.
func (a *Aggregator) WithWorkers(n int) *Aggregator {
	if n > 0 {
		a.workers = n
	}
	return a
}

// WithRetryPolicy overrides the per-combination retry budget.
func (a *Aggregator) WithRetryPolicy(p db.RetryPolicy) *Aggregator {
	a.policy = p
	return a
}

// ID identifies this aggregator instance in logs.
func (a *Aggregator) ID() string { return a.id }

// Interval returns the tick interval.
func (a *Aggregator) Interval() time.Duration { return a.interval }

// Run aggregates once immediately and then on every tick until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	a.startedAt.Store(time.Now().UnixMilli())
	a.logger.Info("Aggregator started", zap.Duration("interval", a.interval), zap.Int("workers", a.workers))

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	_, _ = a.RunOnce(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Aggregator stopped")
			return ctx.Err() //nolint:wrapcheck // shutdown signal
		case now := <-ticker.C:
			_, _ = a.RunOnce(ctx, now)
		}
	}
}

// RunOnce aggregates every active combination for the days that can still
// receive writes (usage.AggregationDays). A failed combination is skipped; the
// previous total stays until the next pass.
func (a *Aggregator) RunOnce(ctx context.Context, now time.Time) (Stats, error) {
	start := time.Now()
	days := usage.AggregationDays(now)

	var (
		stats   Stats
		written atomic.Int64
		skipped atomic.Int64
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for _, day := range days {
		entries, err := a.listActive(ctx, day)
		if err != nil {
			lastErr = err
			a.logger.Warn("Active index read failed", zap.String("day", string(day)), zap.Error(err))
			continue
		}
		stats.Days++
		for _, e := range entries {
			stats.Combinations++
			g.Go(func() error {
				if err := a.aggregate(gctx, day, e); err != nil {
					skipped.Add(1)
					metrics.AggregatorCombinationsTotal.WithLabelValues("skipped").Inc()
					a.logger.Warn("Aggregation skipped",
						zap.String("scope", e.Scope.Key()),
						zap.String("day", string(day)),
						zap.String("label", string(e.Label)),
						zap.Error(err),
					)
					return nil
				}
				written.Add(1)
				metrics.AggregatorCombinationsTotal.WithLabelValues("written").Inc()
				return nil
			})
		}
	}
	_ = g.Wait()

	stats.Written = int(written.Load())
	stats.Skipped = int(skipped.Load())
	duration := time.Since(start)
	metrics.AggregatorPassDuration.Observe(duration.Seconds())

	result := "ok"
	switch {
	case stats.Days == 0:
		result = "error"
	case stats.Skipped > 0 || stats.Days < len(days):
		result = "partial"
	}
	metrics.AggregatorPassesTotal.WithLabelValues(result).Inc()
	if stats.Days > 0 {
		a.lastSuccess.Store(time.Now().UnixMilli())
	}

	a.logger.Debug("Aggregation pass completed",
		zap.String("result", result),
		zap.Int("combinations", stats.Combinations),
		zap.Int("written", stats.Written),
		zap.Int("skipped", stats.Skipped),
		zap.Duration("duration", duration),
	)

	if stats.Days == 0 {
		return stats, lastErr
	}
	return stats, nil
}

func (a *Aggregator) listActive(ctx context.Context, day scope.Day) ([]usage.ActiveEntry, error) {
	var entries []usage.ActiveEntry
	err := db.Retry(ctx, a.policy, func(ctx context.Context) error {
		var err error
		entries, err = a.shards.ListActive(ctx, day)
		return err //nolint:wrapcheck // returned as is
	})
	if err != nil {
		return nil, err //nolint:wrapcheck // logged by caller
	}
	return dedupe(entries), nil
}

// aggregate reads all shards of one combination and overwrites its total.
func (a *Aggregator) aggregate(ctx context.Context, day scope.Day, e usage.ActiveEntry) error {
	var shards []usage.Totals
	err := db.Retry(ctx, a.policy, func(ctx context.Context) error {
		var err error
		shards, err = a.shards.ReadShards(ctx, e.Scope, day, e.Label, e.Shards)
		return err //nolint:wrapcheck // returned as is
	})
	if err != nil {
		return err //nolint:wrapcheck // logged by caller
	}

	total := Sum(shards)
	return db.Retry(ctx, a.policy, func(ctx context.Context) error { //nolint:wrapcheck // logged by caller
		return a.totals.PutDailyTotal(ctx, e.Scope, day, e.Label, total)
	})
}

// Sum adds shard counters field by field. UpdatedAt is the latest shard update.
func Sum(shards []usage.Totals) usage.Totals {
	var total usage.Totals
	for _, s := range shards {
		total = total.Add(s)
	}
	return total
}

// dedupe collapses repeated (scope, label) entries, keeping the widest shard count.
func dedupe(entries []usage.ActiveEntry) []usage.ActiveEntry {
	idx := make(map[string]int, len(entries))
	out := entries[:0:0]
	for _, e := range entries {
		if e.Shards < 1 {
			continue
		}
		k := e.Scope.Key() + "|" + string(e.Label)
		if i, ok := idx[k]; ok {
			if e.Shards > out[i].Shards {
				out[i].Shards = e.Shards
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, e)
	}
	return out
}

// LastSuccess returns the end of the last pass that read at least one day.
func (a *Aggregator) LastSuccess() time.Time {
	ms := a.lastSuccess.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// HealthCheck fails when no pass succeeded within three intervals.
func (a *Aggregator) HealthCheck(_ context.Context) error {
	ref := a.lastSuccess.Load()
	if ref == 0 {
		ref = a.startedAt.Load()
	}
	if ref == 0 {
		return errNotRunning
	}
	if time.Since(time.UnixMilli(ref)) > 3*a.interval {
		return errStale
	}
	return nil
}
