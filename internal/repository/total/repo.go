// Package total stores the consolidated DailyTotal records written by the aggregator.
package total

import (
	"context"
	"fmt"
	"time"

	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage"
	"github.com/kailas-cloud/costkeeper/internal/repository/shard"
)

// DefaultTTL keeps daily totals around for short historical reports.
const DefaultTTL = 35 * 24 * time.Hour

// store is the consumer interface for total persistence (ISP).
type store interface {
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)
	HReplace(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
}

// Repo persists one hash per (scope, day, label).
type Repo struct {
	store  store
	prefix string
	ttl    time.Duration
}

// New creates a total repository.
func New(s store, prefix string) *Repo {
	return &Repo{store: s, prefix: prefix, ttl: DefaultTTL}
}

// WithTTL overrides retention.
func (r *Repo) WithTTL(ttl time.Duration) *Repo {
	if ttl > 0 {
		r.ttl = ttl
	}
	return r
}

// PutDailyTotal overwrites the total for one label.
func (r *Repo) PutDailyTotal(ctx context.Context, s scope.Scope, day scope.Day, l label.Label, t usage.Totals) error {
	if err := r.store.HReplace(ctx, r.key(s, day, l), shard.TotalsToHash(t), r.ttl); err != nil {
		return fmt.Errorf("put daily total %s: %w", l, err)
	}
	return nil
}

// GetDailyTotals reads the totals of several labels in one round-trip.
// Labels never aggregated read as zero.
func (r *Repo) GetDailyTotals(
	ctx context.Context, s scope.Scope, day scope.Day, labels []label.Label,
) (map[label.Label]usage.Totals, error) {
	keys := make([]string, len(labels))
	for i, l := range labels {
		keys[i] = r.key(s, day, l)
	}
	hashes, err := r.store.HGetAllMulti(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("get daily totals: %w", err)
	}
	out := make(map[label.Label]usage.Totals, len(labels))
	for i, h := range hashes {
		out[labels[i]] = shard.TotalsFromHash(h)
	}
	return out, nil
}

func (r *Repo) key(s scope.Scope, day scope.Day, l label.Label) string {
	return r.prefix + "total:" + s.Key() + "|" + string(day) + "|" + string(l)
}
