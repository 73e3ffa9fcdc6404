// Package pricing maps model labels to per-million-unit rates.
package pricing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kailas-cloud/costkeeper/internal/domain"
	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	dompricing "github.com/kailas-cloud/costkeeper/internal/domain/pricing"
	"github.com/kailas-cloud/costkeeper/internal/metrics"
)

// Defaults for rate lookups.
const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultLookupTimeout = 500 * time.Millisecond
)

const dateLayout = "2006-01-02"

// Resolver answers rate lookups. It never fails for a configured label:
// the static default is the last step of the lookup chain.
type Resolver struct {
	static  map[label.Label]dompricing.Rate
	store   RateStore
	cache   *Cache
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
	group   singleflight.Group
}

// New creates a Resolver. static holds the configured default for every label;
// its Model field is the provider model id looked up in the store.
func New(static map[label.Label]dompricing.Rate, store RateStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := make(map[label.Label]dompricing.Rate, len(static))
	for l, r := range static {
		if r.Model == "" {
			r.Model = string(l)
		}
		defaults[l] = r.WithProvenance(dompricing.ProvenanceStatic)
	}
	return &Resolver{
		static:  defaults,
		store:   store,
		cache:   NewCache(DefaultCacheTTL, time.Now),
		timeout: DefaultLookupTimeout,
		now:     time.Now,
		logger:  logger,
	}
}

// WithCache replaces the in-process cache.
func (r *Resolver) WithCache(c *Cache) *Resolver {
	r.cache = c
	return r
}

// WithLookupTimeout bounds one store lookup.
func (r *Resolver) WithLookupTimeout(d time.Duration) *Resolver {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// WithClock overrides the time source used to pick the price date.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Rate returns the rate for l. Store failures fall through to the static default.
func (r *Resolver) Rate(ctx context.Context, l label.Label, region string) (dompricing.Rate, error) {
	def, ok := r.static[l]
	if !ok {
		return dompricing.Rate{}, domain.NewConfigError("label "+string(l),
			fmt.Errorf("%w: no rate configured", domain.ErrUnknownLabel))
	}
	date := r.now().UTC().Format(dateLayout)
	key := def.Model + "|" + date + "|" + region

	if rate, ok := r.cache.Get(key); ok {
		metrics.PricingLookupsTotal.WithLabelValues(string(rate.Provenance)).Inc()
		return rate, nil
	}

	v, _, _ := r.group.Do(key, func() (any, error) {
		// Every waiter shares this lookup, so it outlives the first caller's ctx.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		rate, err := r.fromStore(lctx, def.Model, date, region)
		if rate.Model == "" {
			rate = def
		}
		if err == nil {
			r.cache.Put(key, rate)
		}
		return rate, nil
	})
	rate := v.(dompricing.Rate)
	metrics.PricingLookupsTotal.WithLabelValues(string(rate.Provenance)).Inc()
	return rate, nil
}

// Cost prices a call with the rate of l.
func (r *Resolver) Cost(ctx context.Context, l label.Label, region string, inputUnits, outputUnits int64) (int64, dompricing.Rate, error) {
	rate, err := r.Rate(ctx, l, region)
	if err != nil {
		return 0, dompricing.Rate{}, err
	}
	return rate.Cost(inputUnits, outputUnits), rate, nil
}

// fromStore returns a zero Rate when nothing is stored. A store error is
// logged and returned so the static answer is served without being cached.
func (r *Resolver) fromStore(ctx context.Context, model, date, region string) (dompricing.Rate, error) {
	if r.store == nil {
		return dompricing.Rate{}, nil
	}
	regions := []string{""}
	if region != "" {
		regions = []string{region, ""}
	}
	for _, reg := range regions {
		rate, ok, err := r.store.GetRate(ctx, model, date, reg)
		if err != nil {
			r.logger.Warn("Rate cache lookup failed",
				zap.String("model", model),
				zap.String("date", date),
				zap.String("region", reg),
				zap.Error(err),
			)
			return dompricing.Rate{}, err
		}
		if ok {
			rate.Model = model
			return rate.WithProvenance(dompricing.ProvenanceCached), nil
		}
	}
	return dompricing.Rate{}, nil
}

// Refresh pulls the live sheet for today, persists it, and warms the in-process cache.
// It returns the number of rates stored.
func (r *Resolver) Refresh(ctx context.Context, src LiveSource) (int, error) {
	date := r.now().UTC().Format(dateLayout)
	rates, err := src.Fetch(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("fetch price sheet: %w", err)
	}

	stored := 0
	for _, lr := range rates {
		rate := lr.Rate.WithProvenance(dompricing.ProvenanceLive)
		if rate.FetchedAt.IsZero() {
			rate.FetchedAt = r.now().UTC()
		}
		if r.store != nil {
			if err := r.store.PutRate(ctx, date, lr.Region, rate); err != nil {
				r.logger.Warn("Rate cache write failed",
					zap.String("model", rate.Model),
					zap.String("region", lr.Region),
					zap.Error(err),
				)
				continue
			}
		}
		r.cache.Put(rate.Model+"|"+date+"|"+lr.Region, rate)
		stored++
	}

	r.logger.Info("Price sheet refreshed",
		zap.String("date", date),
		zap.Int("fetched", len(rates)),
		zap.Int("stored", stored),
	)
	return stored, nil
}

// RunRefresh refreshes on every tick until ctx is done.
func (r *Resolver) RunRefresh(ctx context.Context, src LiveSource, interval time.Duration) {
	if _, err := r.Refresh(ctx, src); err != nil {
		r.logger.Warn("Price refresh failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Refresh(ctx, src); err != nil {
				r.logger.Warn("Price refresh failed", zap.Error(err))
			}
		}
	}
}
