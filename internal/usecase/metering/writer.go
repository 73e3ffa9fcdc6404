// Package metering records usage events into sharded counters.
package metering

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/costkeeper/internal/db"
	"github.com/kailas-cloud/costkeeper/internal/domain"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage"
	"github.com/kailas-cloud/costkeeper/internal/metrics"
)

// Defaults for the write path.
const (
	DefaultDedupLimit   = 20000
	DefaultWriteTimeout = 2 * time.Second
	batchParallelism    = 8
)

// Ack reports where an event landed.
type Ack struct {
	Shard  int
	Status usage.Outcome
}

// Result is one entry of a batch.
type Result struct {
	Ack Ack
	Err error
}

// Writer applies usage events to shard counters.
type Writer struct {
	store      ShardStore
	dedupLimit int
	timeout    time.Duration
	policy     db.RetryPolicy
	now        func() time.Time
	logger     *zap.Logger

	// registered remembers (day, scope, label) triples already in the active index.
	registered sync.Map
}

// New creates a Writer.
func New(store ShardStore, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:      store,
		dedupLimit: DefaultDedupLimit,
		timeout:    DefaultWriteTimeout,
		policy:     db.DefaultRetryPolicy,
		now:        time.Now,
		logger:     logger,
	}
}

// WithDedupLimit bounds the per-shard dedup set.
func (w *Writer) WithDedupLimit(n int) *Writer {
	if n > 0 {
		w.dedupLimit = n
	}
	return w
}

// WithTimeout bounds one write including retries.
func (w *Writer) WithTimeout(d time.Duration) *Writer {
	if d > 0 {
		w.timeout = d
	}
	return w
}

// WithRetryPolicy overrides the retry budget.
func (w *Writer) WithRetryPolicy(p db.RetryPolicy) *Writer {
	w.policy = p
	return w
}

// WithClock overrides the time source.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// ShardFor maps an idempotency key to a shard in [0, shardCount).
func ShardFor(idempotencyKey string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(idempotencyKey) % uint64(shardCount))
}

// RecordUsage applies ev to its shard. Scope and Day default to the effective
// scope and the local day of ev.At. Validation and configuration errors are
// returned; storage failures are absorbed and reported as OutcomeDropped.
func (w *Writer) RecordUsage(ctx context.Context, eff domtenant.Effective, ev usage.Event) (Ack, error) {
	now := w.now()
	if ev.At.IsZero() {
		ev.At = now
	}
	if ev.At.Before(now.Add(-usage.MaxEventAge)) {
		return Ack{}, fmt.Errorf("record usage: %w: event older than %s", domain.ErrInvalidRequest, usage.MaxEventAge)
	}
	if ev.Scope.IsZero() {
		ev.Scope = eff.Scope
	}
	if ev.Day == "" {
		ev.Day = eff.Today(ev.At)
	}
	if err := ev.Validate(); err != nil {
		return Ack{}, fmt.Errorf("record usage: %w", err)
	}
	if !eff.Ordering.Contains(ev.Label) {
		return Ack{}, domain.NewConfigError("scope "+ev.Scope.Key(),
			fmt.Errorf("%w: %q", domain.ErrUnknownLabel, ev.Label))
	}

	k := usage.ShardKey{
		Scope: ev.Scope,
		Day:   ev.Day,
		Label: ev.Label,
		Shard: ShardFor(ev.IdempotencyKey, eff.ShardCount),
	}
	active := usage.ActiveEntry{Scope: ev.Scope, Label: ev.Label, Shards: eff.ShardCount}

	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var (
		outcome usage.Outcome
		// addFailed is set once an add errored; the server may still have applied it.
		addFailed bool
	)
	err := db.Retry(wctx, w.policy, func(ctx context.Context) error {
		if err := w.registerActive(ctx, ev.Day, active); err != nil {
			return err
		}
		var err error
		outcome, err = w.store.AddToShard(ctx, k, ev.Delta(), ev.IdempotencyKey, w.dedupLimit)
		if err != nil {
			addFailed = true
		}
		return err //nolint:wrapcheck // wrapped below
	})
	if err == nil && addFailed && outcome == usage.OutcomeDuplicate {
		// The retry found the key this call already wrote.
		outcome = usage.OutcomeApplied
	}
	metrics.UsageWriteDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.UsageWritesTotal.WithLabelValues(string(usage.OutcomeDropped)).Inc()
		w.logger.Warn("Usage event dropped",
			zap.String("scope", ev.Scope.Key()),
			zap.String("day", string(ev.Day)),
			zap.String("label", string(ev.Label)),
			zap.Int("shard", k.Shard),
			zap.Int64("cost_micros", ev.CostMicros),
			zap.String("idempotency_key", ev.IdempotencyKey),
			zap.Error(err),
		)
		return Ack{Shard: k.Shard, Status: usage.OutcomeDropped}, nil
	}

	metrics.UsageWritesTotal.WithLabelValues(string(outcome)).Inc()
	switch outcome {
	case usage.OutcomeApplied, usage.OutcomeUnguarded:
		metrics.UsageCostMicrosTotal.WithLabelValues(string(ev.Label)).Add(float64(ev.CostMicros))
	}
	if outcome == usage.OutcomeUnguarded {
		w.logger.Warn("Dedup set full, write applied unguarded",
			zap.String("scope", ev.Scope.Key()),
			zap.String("label", string(ev.Label)),
			zap.Int("shard", k.Shard),
			zap.Int("dedup_limit", w.dedupLimit),
		)
	}

	return Ack{Shard: k.Shard, Status: outcome}, nil
}

// RecordBatch records events concurrently. Results keep input order; one
// event's failure does not affect the others.
func (w *Writer) RecordBatch(ctx context.Context, eff domtenant.Effective, events []usage.Event) []Result {
	results := make([]Result, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	for i := range events {
		g.Go(func() error {
			ack, err := w.RecordUsage(gctx, eff, events[i])
			results[i] = Result{Ack: ack, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (w *Writer) registerActive(ctx context.Context, day scope.Day, e usage.ActiveEntry) error {
	memo := string(day) + "|" + e.Scope.Key() + "|" + string(e.Label)
	if _, ok := w.registered.Load(memo); ok {
		return nil
	}
	if err := w.store.RegisterActive(ctx, day, e); err != nil {
		return err //nolint:wrapcheck // retried by caller
	}
	w.registered.Store(memo, struct{}{})
	return nil
}

// ForgetBefore drops memo entries for days before day.
func (w *Writer) ForgetBefore(day scope.Day) {
	w.registered.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok && len(s) >= 8 && scope.Day(s[:8]) < day {
			w.registered.Delete(k)
		}
		return true
	})
}
