// Package sticky keeps the per-day fallback pin of a scope moving forward only.
package sticky

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/costkeeper/internal/db"
	"github.com/kailas-cloud/costkeeper/internal/domain"
	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domsticky "github.com/kailas-cloud/costkeeper/internal/domain/sticky"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
	"github.com/kailas-cloud/costkeeper/internal/metrics"
)

// DefaultExpiryBuffer keeps a pin alive past local midnight.
const DefaultExpiryBuffer = time.Hour

const maxRounds = 3

// Tracker advances pins with conditional writes and converges on the winner.
type Tracker struct {
	store  Store
	buffer time.Duration
	policy db.RetryPolicy
	now    func() time.Time
	logger *zap.Logger
}

// New creates a Tracker.
func New(store Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:  store,
		buffer: DefaultExpiryBuffer,
		policy: db.DefaultRetryPolicy,
		now:    time.Now,
		logger: logger,
	}
}

// WithExpiryBuffer sets how long a pin outlives its local day.
func (t *Tracker) WithExpiryBuffer(d time.Duration) *Tracker {
	if d >= 0 {
		t.buffer = d
	}
	return t
}

// WithRetryPolicy overrides the storage retry budget.
func (t *Tracker) WithRetryPolicy(p db.RetryPolicy) *Tracker {
	t.policy = p
	return t
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Current returns the pin of (s, day), if any.
func (t *Tracker) Current(ctx context.Context, s scope.Scope, day scope.Day) (domsticky.State, bool, error) {
	var (
		st domsticky.State
		ok bool
	)
	err := db.Retry(ctx, t.policy, func(ctx context.Context) error {
		var err error
		st, ok, err = t.store.GetSticky(ctx, s, day)
		return err //nolint:wrapcheck // wrapped below
	})
	if err != nil {
		return domsticky.State{}, false, fmt.Errorf("current sticky: %w", err)
	}
	return st, ok, nil
}

// Advance tries to move the pin to proposed. It reports the state that holds
// afterwards and whether this call wrote it. A lost race returns the winner.
func (t *Tracker) Advance(
	ctx context.Context, eff domtenant.Effective, day scope.Day, proposed domsticky.State,
) (domsticky.State, bool, error) {
	if proposed.ActivatedAt.IsZero() {
		proposed.ActivatedAt = t.now().UTC()
	}
	if proposed.Reason == "" {
		proposed.Reason = domsticky.ReasonQuotaBreach
	}
	expireAt := day.End(eff.Location).Add(t.buffer)

	for round := 0; round < maxRounds; round++ {
		var won bool
		err := db.Retry(ctx, t.policy, func(ctx context.Context) error {
			var err error
			won, err = t.store.AdvanceSticky(ctx, eff.Scope, day, proposed, expireAt)
			return err //nolint:wrapcheck // wrapped below
		})
		if err != nil {
			return domsticky.State{}, false, fmt.Errorf("advance sticky: %w", err)
		}
		if won {
			metrics.StickyAdvancesTotal.WithLabelValues("won").Inc()
			t.logger.Info("Sticky fallback advanced",
				zap.String("scope", eff.Scope.Key()),
				zap.String("day", string(day)),
				zap.String("label", string(proposed.Label)),
				zap.Int("index", proposed.Index),
				zap.String("previous_label", string(proposed.PreviousLabel)),
				zap.String("reason", string(proposed.Reason)),
			)
			return proposed, true, nil
		}

		metrics.StickyAdvancesTotal.WithLabelValues("lost").Inc()
		cur, ok, err := t.Current(ctx, eff.Scope, day)
		if err != nil {
			return domsticky.State{}, false, err
		}
		if ok {
			return cur, false, nil
		}
		// The winner expired between the write and the read; try again.
	}
	return domsticky.State{}, false, fmt.Errorf("advance sticky %s: %w", eff.Scope.Key(), domain.ErrConditionFailed)
}

// Pin sets an operator pin on l. The forward-only rule still applies.
func (t *Tracker) Pin(
	ctx context.Context, eff domtenant.Effective, day scope.Day, l label.Label, reason domsticky.Reason,
) (domsticky.State, bool, error) {
	idx := eff.Ordering.Index(l)
	if idx < 0 {
		return domsticky.State{}, false, domain.NewConfigError("scope "+eff.Scope.Key(),
			fmt.Errorf("%w: %q", domain.ErrUnknownLabel, l))
	}
	if !reason.Valid() {
		return domsticky.State{}, false, fmt.Errorf("%w: unknown pin reason %q", domain.ErrInvalidRequest, reason)
	}
	cur, ok, err := t.Current(ctx, eff.Scope, day)
	if err != nil {
		return domsticky.State{}, false, err
	}
	prev := eff.Ordering.At(0)
	if ok {
		prev = cur.Label
	}
	return t.Advance(ctx, eff, day, domsticky.State{
		Label:         l,
		Index:         idx,
		Reason:        reason,
		PreviousLabel: prev,
	})
}
