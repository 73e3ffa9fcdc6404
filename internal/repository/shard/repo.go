// Package shard stores sharded usage counters and the per-day active index.
package shard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kailas-cloud/costkeeper/internal/db"
	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage"
)

// Hash fields of a shard counter.
const (
	FieldCost        = "cost"
	FieldInputUnits  = "input_units"
	FieldOutputUnits = "output_units"
	FieldRequests    = "requests"
	FieldUpdatedAt   = "updated_at"
)

// DefaultTTL keeps counters long enough for late aggregation across timezones.
const DefaultTTL = 72 * time.Hour

// store is the consumer interface for shard persistence (ISP).
type store interface {
	HIncrGuarded(ctx context.Context, add *db.CounterAdd) (db.AddStatus, error)
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Repo persists shard counters in hashes keyed by scope, day, label and shard.
type Repo struct {
	store  store
	prefix string
	ttl    time.Duration
}

// New creates a shard repository.
func New(s store, prefix string) *Repo {
	return &Repo{store: s, prefix: prefix, ttl: DefaultTTL}
}

// WithTTL overrides counter and index retention.
func (r *Repo) WithTTL(ttl time.Duration) *Repo {
	if ttl > 0 {
		r.ttl = ttl
	}
	return r
}

// AddToShard applies one event to its shard, deduplicated by idempotency key.
func (r *Repo) AddToShard(
	ctx context.Context, k usage.ShardKey, delta usage.Totals, idempotencyKey string, dedupLimit int,
) (usage.Outcome, error) {
	add := &db.CounterAdd{
		Key: r.counterKey(k),
		Deltas: map[string]int64{
			FieldCost:        delta.CostMicros,
			FieldInputUnits:  delta.InputUnits,
			FieldOutputUnits: delta.OutputUnits,
			FieldRequests:    delta.Requests,
		},
		TTL:         r.ttl,
		DedupKey:    r.dedupKey(k),
		DedupMember: idempotencyKey,
		DedupLimit:  dedupLimit,
	}
	if !delta.UpdatedAt.IsZero() {
		add.Touch = map[string]string{FieldUpdatedAt: strconv.FormatInt(delta.UpdatedAt.UnixMilli(), 10)}
	}

	st, err := r.store.HIncrGuarded(ctx, add)
	if err != nil {
		return "", fmt.Errorf("add to shard %d: %w", k.Shard, err)
	}
	switch st {
	case db.AddDuplicate:
		return usage.OutcomeDuplicate, nil
	case db.AddUnguarded:
		return usage.OutcomeUnguarded, nil
	default:
		return usage.OutcomeApplied, nil
	}
}

// ReadShards returns the counters of all shards in index order. Missing
// shards read as zero.
func (r *Repo) ReadShards(
	ctx context.Context, s scope.Scope, day scope.Day, l label.Label, shards int,
) ([]usage.Totals, error) {
	keys := make([]string, shards)
	for i := range keys {
		keys[i] = r.counterKey(usage.ShardKey{Scope: s, Day: day, Label: l, Shard: i})
	}
	hashes, err := r.store.HGetAllMulti(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("read shards: %w", err)
	}
	out := make([]usage.Totals, len(hashes))
	for i, h := range hashes {
		out[i] = TotalsFromHash(h)
	}
	return out, nil
}

// RegisterActive adds an entry to the day's active index.
func (r *Repo) RegisterActive(ctx context.Context, day scope.Day, e usage.ActiveEntry) error {
	if err := r.store.SAdd(ctx, r.activeKey(day), r.ttl, EncodeActive(e)); err != nil {
		return fmt.Errorf("register active: %w", err)
	}
	return nil
}

// ListActive returns every entry registered for day. Malformed members are skipped.
func (r *Repo) ListActive(ctx context.Context, day scope.Day) ([]usage.ActiveEntry, error) {
	members, err := r.store.SMembers(ctx, r.activeKey(day))
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	out := make([]usage.ActiveEntry, 0, len(members))
	for _, m := range members {
		e, err := DecodeActive(m)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// counterKey and dedupKey share a hash tag so the script runs on one cluster slot.
func (r *Repo) counterKey(k usage.ShardKey) string {
	return fmt.Sprintf("%sshard:{%s}", r.prefix, tag(k))
}

func (r *Repo) dedupKey(k usage.ShardKey) string {
	return fmt.Sprintf("%sdedup:{%s}", r.prefix, tag(k))
}

func (r *Repo) activeKey(day scope.Day) string {
	return r.prefix + "active:" + string(day)
}

func tag(k usage.ShardKey) string {
	return k.Scope.Key() + "|" + string(k.Day) + "|" + string(k.Label) + "|" + strconv.Itoa(k.Shard)
}

// EncodeActive renders an active index member: scope|label|shards.
func EncodeActive(e usage.ActiveEntry) string {
	return e.Scope.Key() + "|" + string(e.Label) + "|" + strconv.Itoa(e.Shards)
}

// DecodeActive parses EncodeActive output.
func DecodeActive(m string) (usage.ActiveEntry, error) {
	parts := strings.Split(m, "|")
	if len(parts) != 3 {
		return usage.ActiveEntry{}, fmt.Errorf("active member %q: want 3 parts", m)
	}
	s, err := scope.Parse(parts[0])
	if err != nil {
		return usage.ActiveEntry{}, err
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil || n < 1 {
		return usage.ActiveEntry{}, fmt.Errorf("active member %q: bad shard count", m)
	}
	if parts[1] == "" {
		return usage.ActiveEntry{}, fmt.Errorf("active member %q: empty label", m)
	}
	return usage.ActiveEntry{Scope: s, Label: label.Label(parts[1]), Shards: n}, nil
}

// TotalsFromHash parses counter fields. Absent or malformed fields read as zero.
func TotalsFromHash(h map[string]string) usage.Totals {
	t := usage.Totals{
		CostMicros:  parseInt(h[FieldCost]),
		InputUnits:  parseInt(h[FieldInputUnits]),
		OutputUnits: parseInt(h[FieldOutputUnits]),
		Requests:    parseInt(h[FieldRequests]),
	}
	if ms := parseInt(h[FieldUpdatedAt]); ms > 0 {
		t.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return t
}

// TotalsToHash renders counters as hash fields.
func TotalsToHash(t usage.Totals) map[string]string {
	h := map[string]string{
		FieldCost:        strconv.FormatInt(t.CostMicros, 10),
		FieldInputUnits:  strconv.FormatInt(t.InputUnits, 10),
		FieldOutputUnits: strconv.FormatInt(t.OutputUnits, 10),
		FieldRequests:    strconv.FormatInt(t.Requests, 10),
	}
	if !t.UpdatedAt.IsZero() {
		h[FieldUpdatedAt] = strconv.FormatInt(t.UpdatedAt.UnixMilli(), 10)
	}
	return h
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
