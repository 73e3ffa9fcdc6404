// Package ratecache stores fetched price quotes keyed by model, date and region.
package ratecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kailas-cloud/costkeeper/internal/db"
	"github.com/kailas-cloud/costkeeper/internal/domain/pricing"
)

// DefaultTTL matches the lifetime of a daily price sheet.
const DefaultTTL = 48 * time.Hour

// store is the consumer interface for rate persistence (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Repo persists JSON-encoded rates.
type Repo struct {
	store  store
	prefix string
	ttl    time.Duration
}

// New creates a rate cache repository.
func New(s store, prefix string) *Repo {
	return &Repo{store: s, prefix: prefix, ttl: DefaultTTL}
}

// GetRate returns a cached rate. ok is false on a miss. An empty region reads
// the date-wide entry.
func (r *Repo) GetRate(ctx context.Context, model, date, region string) (pricing.Rate, bool, error) {
	data, err := r.store.Get(ctx, r.key(model, date, region))
	if errors.Is(err, db.ErrKeyNotFound) {
		return pricing.Rate{}, false, nil
	}
	if err != nil {
		return pricing.Rate{}, false, fmt.Errorf("get rate: %w", err)
	}
	var rate pricing.Rate
	if err := json.Unmarshal(data, &rate); err != nil {
		return pricing.Rate{}, false, fmt.Errorf("decode rate %s: %w", model, err)
	}
	return rate, true, nil
}

// PutRate stores a rate for the date, optionally scoped to a region.
func (r *Repo) PutRate(ctx context.Context, date, region string, rate pricing.Rate) error {
	data, err := json.Marshal(rate)
	if err != nil {
		return fmt.Errorf("encode rate %s: %w", rate.Model, err)
	}
	if err := r.store.SetWithTTL(ctx, r.key(rate.Model, date, region), data, r.ttl); err != nil {
		return fmt.Errorf("put rate: %w", err)
	}
	return nil
}

func (r *Repo) key(model, date, region string) string {
	k := r.prefix + "rate:" + model + "|" + date
	if region != "" {
		k += "|" + region
	}
	return k
}
