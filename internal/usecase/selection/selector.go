// Package selection recommends a model label from daily consumption and the sticky pin.
package selection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/costkeeper/internal/db"
	"github.com/kailas-cloud/costkeeper/internal/domain"
	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domselection "github.com/kailas-cloud/costkeeper/internal/domain/selection"
	domsticky "github.com/kailas-cloud/costkeeper/internal/domain/sticky"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage/budget"
	"github.com/kailas-cloud/costkeeper/internal/metrics"
)

// Defaults for selection.
const (
	DefaultCacheTTL        = 5 * time.Second
	DefaultNextCheckNormal = 300 * time.Second
	DefaultNextCheckTight  = 60 * time.Second
	DefaultReadTimeout     = 500 * time.Millisecond
)

const maxRounds = 4

type cachedRec struct {
	rec       domselection.Recommendation
	expiresAt time.Time
}

// Selector picks the label a client should use next.
type Selector struct {
	totals TotalReader
	sticky StickyTracker
	rates  RateSource

	cacheTTL    time.Duration
	nextNormal  time.Duration
	nextTight   time.Duration
	readTimeout time.Duration
	policy      db.RetryPolicy
	now         func() time.Time
	logger      *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedRec
	lkg   map[string]domselection.Recommendation
}

// New creates a Selector.
func New(totals TotalReader, sticky StickyTracker, rates RateSource, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		totals:      totals,
		sticky:      sticky,
		rates:       rates,
		cacheTTL:    DefaultCacheTTL,
		nextNormal:  DefaultNextCheckNormal,
		nextTight:   DefaultNextCheckTight,
		readTimeout: DefaultReadTimeout,
		policy:      db.DefaultRetryPolicy,
		now:         time.Now,
		logger:      logger,
		cache:       make(map[string]cachedRec),
		lkg:         make(map[string]domselection.Recommendation),
	}
}

// WithCacheTTL sets the recommendation cache lifetime. Zero disables it.
func (s *Selector) WithCacheTTL(d time.Duration) *Selector {
	s.cacheTTL = d
	return s
}

// WithNextCheck sets the poll hints for NORMAL and TIGHT.
func (s *Selector) WithNextCheck(normal, tight time.Duration) *Selector {
	if normal > 0 {
		s.nextNormal = normal
	}
	if tight > 0 {
		s.nextTight = tight
	}
	return s
}

// WithReadTimeout bounds each storage round trip: the pin read, the totals
// read including retries, and each pin advance.
func (s *Selector) WithReadTimeout(d time.Duration) *Selector {
	if d > 0 {
		s.readTimeout = d
	}
	return s
}

// WithRetryPolicy overrides the read retry budget.
func (s *Selector) WithRetryPolicy(p db.RetryPolicy) *Selector {
	s.policy = p
	return s
}

// WithClock overrides the time source.
func (s *Selector) WithClock(now func() time.Time) *Selector {
	s.now = now
	return s
}

// SelectModel returns the recommendation for eff on day (today when empty).
// When every label from the start index is at or over quota it returns a
// *domain.QuotaExhaustedError. Storage failures degrade to the last known
// good answer instead of an error.
func (s *Selector) SelectModel(
	ctx context.Context, eff domtenant.Effective, day scope.Day, bypassCache bool,
) (domselection.Recommendation, error) {
	now := s.now()
	if day == "" {
		day = eff.Today(now)
	}
	key := cacheKey(eff, day)

	if !bypassCache {
		if rec, ok := s.cached(key, now); ok {
			metrics.SelectionCacheTotal.WithLabelValues("hit").Inc()
			return rec, nil
		}
		metrics.SelectionCacheTotal.WithLabelValues("miss").Inc()
	}

	rec, err := s.decide(ctx, eff, day, now)
	switch {
	case err == nil:
		s.remember(key, rec, now)
	case errors.Is(err, domain.ErrQuotaExhausted):
		metrics.QuotaExhaustedTotal.Inc()
		return domselection.Recommendation{}, err
	case errors.Is(err, domain.ErrStorageTransient):
		rec = s.degraded(key, eff, day, now, err)
	default:
		return domselection.Recommendation{}, err
	}

	metrics.SelectionsTotal.WithLabelValues(string(rec.Mode), string(rec.Reason)).Inc()
	return rec, nil
}

func (s *Selector) decide(
	ctx context.Context, eff domtenant.Effective, day scope.Day, now time.Time,
) (domselection.Recommendation, error) {
	var (
		pin    domsticky.State
		pinned bool
	)
	if eff.FallbackEnabled {
		var err error
		pin, pinned, err = s.currentPin(ctx, eff.Scope, day)
		if err != nil {
			return domselection.Recommendation{}, fmt.Errorf("%w: %w", domain.ErrStorageTransient, err)
		}
		if pinned && (pin.Index < 0 || pin.Index >= eff.Ordering.Len()) {
			// Ordering shrank since the pin was written.
			pin.Index = eff.Ordering.Len() - 1
		}
	}

	labels := eff.Ordering.Labels()
	totals, err := s.readTotals(ctx, eff.Scope, day, labels)
	if err != nil {
		return domselection.Recommendation{}, fmt.Errorf("%w: %w", domain.ErrStorageTransient, err)
	}

	resetsAt := eff.NextReset(now)
	start := 0
	if pinned {
		start = pin.Index
	}
	advanced := false

	var idx int
	var tight bool
	for round := 0; ; round++ {
		var ok bool
		idx, tight, ok = pick(eff, labels, totals, start)
		if !ok {
			return domselection.Recommendation{}, domain.NewQuotaExhausted(eff.Scope.Key(), string(day), resetsAt)
		}
		if !eff.FallbackEnabled || idx <= start || round >= maxRounds {
			break
		}
		prev := labels[start]
		if pinned {
			prev = pin.Label
		}
		proposed := domsticky.State{
			Label:         labels[idx],
			Index:         idx,
			Reason:        domsticky.ReasonQuotaBreach,
			PreviousLabel: prev,
			ActivatedAt:   now.UTC(),
		}
		st, won, err := s.advance(ctx, eff, day, proposed)
		if err != nil {
			s.logger.Warn("Sticky advance failed, recommending without pin",
				zap.String("scope", eff.Scope.Key()),
				zap.String("day", string(day)),
				zap.String("label", string(labels[idx])),
				zap.Error(err),
			)
			break
		}
		pin, pinned = st, true
		if won {
			advanced = true
			break
		}
		if !st.Beyond(proposed) {
			break
		}
		// Another writer pinned deeper; evaluate from there.
		start = st.Index
	}

	reason := domselection.ReasonPrimary
	switch {
	case advanced, !eff.FallbackEnabled && idx > 0:
		reason = domselection.ReasonQuotaFallback
	case pinned && pin.Index > 0:
		reason = domselection.ReasonStickyFallback
	}

	chosen := labels[idx]
	rate, err := s.rates.Rate(ctx, chosen, eff.Region)
	if err != nil {
		return domselection.Recommendation{}, fmt.Errorf("rate for %s: %w", chosen, err)
	}

	mode, next := domselection.ModeNormal, s.nextNormal
	if tight {
		mode, next = domselection.ModeTight, s.nextTight
	}

	return domselection.Recommendation{
		Scope:     eff.Scope,
		Day:       day,
		Label:     chosen,
		Index:     idx,
		Mode:      mode,
		Reason:    reason,
		NextCheck: next,
		Sticky:    pinned,
		Rate:      rate,
		Statuses:  Statuses(eff, labels, totals, resetsAt),
		ResetsAt:  resetsAt,
		DecidedAt: now,
	}, nil
}

// pick returns the first label from start below the tight threshold, else the
// first below its quota. tight reports the second case.
func pick(eff domtenant.Effective, labels []label.Label, totals map[label.Label]usage.Totals, start int) (int, bool, bool) {
	for i := start; i < len(labels); i++ {
		l := labels[i]
		if !budget.AtOrAbove(totals[l].CostMicros, eff.Quota(l), eff.TightThresholdBP) {
			return i, false, true
		}
	}
	for i := start; i < len(labels); i++ {
		l := labels[i]
		if !budget.AtOrAbove(totals[l].CostMicros, eff.Quota(l), 10000) {
			return i, true, true
		}
	}
	return 0, false, false
}

// Statuses renders the quota state of every label in ordering order.
func Statuses(eff domtenant.Effective, labels []label.Label, totals map[label.Label]usage.Totals, resetsAt time.Time) []budget.Budget {
	out := make([]budget.Budget, len(labels))
	for i, l := range labels {
		out[i] = budget.New(string(l), eff.Quota(l), totals[l].CostMicros, resetsAt.UnixMilli())
	}
	return out
}

func (s *Selector) currentPin(ctx context.Context, sc scope.Scope, day scope.Day) (domsticky.State, bool, error) {
	rctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()
	return s.sticky.Current(rctx, sc, day) //nolint:wrapcheck // wrapped by caller
}

func (s *Selector) advance(
	ctx context.Context, eff domtenant.Effective, day scope.Day, proposed domsticky.State,
) (domsticky.State, bool, error) {
	wctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()
	return s.sticky.Advance(wctx, eff, day, proposed) //nolint:wrapcheck // logged by caller
}

func (s *Selector) readTotals(
	ctx context.Context, sc scope.Scope, day scope.Day, labels []label.Label,
) (map[label.Label]usage.Totals, error) {
	rctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	var totals map[label.Label]usage.Totals
	err := db.Retry(rctx, s.policy, func(ctx context.Context) error {
		var err error
		totals, err = s.totals.GetDailyTotals(ctx, sc, day, labels)
		return err //nolint:wrapcheck // wrapped by caller
	})
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by caller
	}
	return totals, nil
}

// degraded answers from the last known good recommendation, or tells the
// caller to keep its current label.
func (s *Selector) degraded(
	key string, eff domtenant.Effective, day scope.Day, now time.Time, cause error,
) domselection.Recommendation {
	s.mu.Lock()
	last, ok := s.lkg[key]
	s.mu.Unlock()

	s.logger.Warn("Selection degraded, storage unavailable",
		zap.String("scope", eff.Scope.Key()),
		zap.String("day", string(day)),
		zap.Bool("last_known_good", ok),
		zap.Error(cause),
	)

	if ok {
		last.Reason = domselection.ReasonLastKnownGood
		last.Stale = true
		last.NextCheck = s.nextTight
		return last
	}
	return domselection.Recommendation{
		Scope:     eff.Scope,
		Day:       day,
		Index:     -1,
		Mode:      domselection.ModeNormal,
		Reason:    domselection.ReasonKeepCurrent,
		NextCheck: s.nextTight,
		Stale:     true,
		ResetsAt:  eff.NextReset(now),
		DecidedAt: now,
	}
}

// cacheKey identifies one configuration on one day. Apps sharing an ORG
// scope still differ in ordering and quotas, so the app is part of the key.
func cacheKey(eff domtenant.Effective, day scope.Day) string {
	return eff.Scope.Key() + "|" + eff.OrgID + "/" + eff.AppID + "|" + string(day)
}

func (s *Selector) cached(key string, now time.Time) (domselection.Recommendation, bool) {
	if s.cacheTTL <= 0 {
		return domselection.Recommendation{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cache[key]
	if !ok || !now.Before(c.expiresAt) {
		return domselection.Recommendation{}, false
	}
	return c.rec, true
}

func (s *Selector) remember(key string, rec domselection.Recommendation, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lkg[key] = rec
	if s.cacheTTL > 0 {
		s.cache[key] = cachedRec{rec: rec, expiresAt: now.Add(s.cacheTTL)}
	}
}

// Forget drops cached and last known good entries for days before day.
func (s *Selector) Forget(before scope.Day) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.cache {
		if c.rec.Day < before {
			delete(s.cache, k)
		}
	}
	for k, r := range s.lkg {
		if r.Day < before {
			delete(s.lkg, k)
		}
	}
}
