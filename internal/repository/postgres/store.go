// Package postgres keeps shard counters, daily totals, sticky pins, the active
// index and cached rates in PostgreSQL. It satisfies the same repository
// contracts as the key-value backed repositories.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kailas-cloud/costkeeper/internal/db"
	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	"github.com/kailas-cloud/costkeeper/internal/domain/pricing"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domsticky "github.com/kailas-cloud/costkeeper/internal/domain/sticky"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage"
)

// Store is a pgxpool-backed repository.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	shardTTL    time.Duration
	totalTTL    time.Duration
	rateTTL     time.Duration
	now         func() time.Time
}

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "costkeeper_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a PostgreSQL store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "costkeeper_",
		shardTTL:    72 * time.Hour,
		totalTTL:    35 * 24 * time.Hour,
		rateTTL:     48 * time.Hour,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shardsTable() string { return s.tablePrefix + "usage_shards" }
func (s *Store) dedupTable() string  { return s.tablePrefix + "usage_dedup" }
func (s *Store) totalsTable() string { return s.tablePrefix + "daily_totals" }
func (s *Store) stickyTable() string { return s.tablePrefix + "sticky_state" }
func (s *Store) activeTable() string { return s.tablePrefix + "active_scopes" }
func (s *Store) ratesTable() string  { return s.tablePrefix + "rate_cache" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			scope TEXT NOT NULL,
			day TEXT NOT NULL,
			label TEXT NOT NULL,
			shard INT NOT NULL,
			cost BIGINT NOT NULL DEFAULT 0,
			input_units BIGINT NOT NULL DEFAULT 0,
			output_units BIGINT NOT NULL DEFAULT 0,
			requests BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (scope, day, label, shard)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			scope TEXT NOT NULL,
			day TEXT NOT NULL,
			label TEXT NOT NULL,
			shard INT NOT NULL,
			key TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (scope, day, label, shard, key)
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			scope TEXT NOT NULL,
			day TEXT NOT NULL,
			label TEXT NOT NULL,
			cost BIGINT NOT NULL,
			input_units BIGINT NOT NULL,
			output_units BIGINT NOT NULL,
			requests BIGINT NOT NULL,
			updated_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (scope, day, label)
		);
		CREATE TABLE IF NOT EXISTS %[4]s (
			scope TEXT NOT NULL,
			day TEXT NOT NULL,
			label TEXT NOT NULL,
			idx INT NOT NULL,
			reason TEXT NOT NULL,
			previous_label TEXT NOT NULL DEFAULT '',
			activated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (scope, day)
		);
		CREATE TABLE IF NOT EXISTS %[5]s (
			day TEXT NOT NULL,
			scope TEXT NOT NULL,
			label TEXT NOT NULL,
			shards INT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (day, scope, label)
		);
		CREATE TABLE IF NOT EXISTS %[6]s (
			model TEXT NOT NULL,
			date TEXT NOT NULL,
			region TEXT NOT NULL DEFAULT '',
			input_per_million BIGINT NOT NULL,
			output_per_million BIGINT NOT NULL,
			provenance TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			fetched_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (model, date, region)
		);
	`, s.shardsTable(), s.dedupTable(), s.totalsTable(), s.stickyTable(), s.activeTable(), s.ratesTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return &db.Error{Op: db.OpPgMigrate, Err: err}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &db.Error{Op: db.OpPing, Err: err}
	}
	return nil
}

// AddToShard applies one event inside a transaction: dedup insert, then upsert-add.
func (s *Store) AddToShard(
	ctx context.Context, k usage.ShardKey, delta usage.Totals, idempotencyKey string, dedupLimit int,
) (usage.Outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", &db.Error{Op: db.OpPgTx, Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.now().UTC()
	expires := now.Add(s.shardTTL)
	sc := k.Scope.Key()
	outcome := usage.OutcomeApplied

	if idempotencyKey != "" {
		var inserted bool
		err = tx.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO %[1]s (scope, day, label, shard, key, expires_at)
			SELECT $1, $2, $3, $4, $5, $6
			WHERE (SELECT count(*) FROM %[1]s
				WHERE scope = $1 AND day = $2 AND label = $3 AND shard = $4) < $7
			ON CONFLICT DO NOTHING
			RETURNING true`, s.dedupTable()),
			sc, string(k.Day), string(k.Label), k.Shard, idempotencyKey, expires, dedupLimit,
		).Scan(&inserted)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			var seen bool
			err = tx.QueryRow(ctx, fmt.Sprintf(`
				SELECT EXISTS (SELECT 1 FROM %s
					WHERE scope = $1 AND day = $2 AND label = $3 AND shard = $4 AND key = $5)`, s.dedupTable()),
				sc, string(k.Day), string(k.Label), k.Shard, idempotencyKey,
			).Scan(&seen)
			if err != nil {
				return "", &db.Error{Op: db.OpPgQuery, Err: err}
			}
			if seen {
				return usage.OutcomeDuplicate, nil
			}
			outcome = usage.OutcomeUnguarded
		case err != nil:
			return "", &db.Error{Op: db.OpPgExec, Err: err}
		}
	}

	var updatedAt *time.Time
	if !delta.UpdatedAt.IsZero() {
		u := delta.UpdatedAt.UTC()
		updatedAt = &u
	}
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s AS t (scope, day, label, shard, cost, input_units, output_units, requests, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (scope, day, label, shard) DO UPDATE SET
			cost = t.cost + EXCLUDED.cost,
			input_units = t.input_units + EXCLUDED.input_units,
			output_units = t.output_units + EXCLUDED.output_units,
			requests = t.requests + EXCLUDED.requests,
			updated_at = GREATEST(t.updated_at, EXCLUDED.updated_at),
			expires_at = EXCLUDED.expires_at`, s.shardsTable()),
		sc, string(k.Day), string(k.Label), k.Shard,
		delta.CostMicros, delta.InputUnits, delta.OutputUnits, delta.Requests, updatedAt, expires,
	)
	if err != nil {
		return "", &db.Error{Op: db.OpPgExec, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", &db.Error{Op: db.OpPgTx, Err: err}
	}
	return outcome, nil
}

// ReadShards returns all shard counters in index order.
func (s *Store) ReadShards(
	ctx context.Context, sc scope.Scope, day scope.Day, l label.Label, shards int,
) ([]usage.Totals, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT shard, cost, input_units, output_units, requests, updated_at FROM %s
		WHERE scope = $1 AND day = $2 AND label = $3 AND shard < $4 AND expires_at > $5`, s.shardsTable()),
		sc.Key(), string(day), string(l), shards, s.now().UTC(),
	)
	if err != nil {
		return nil, &db.Error{Op: db.OpPgQuery, Err: err}
	}
	defer rows.Close()

	out := make([]usage.Totals, shards)
	for rows.Next() {
		var (
			idx       int
			t         usage.Totals
			updatedAt *time.Time
		)
		if err := rows.Scan(&idx, &t.CostMicros, &t.InputUnits, &t.OutputUnits, &t.Requests, &updatedAt); err != nil {
			return nil, &db.Error{Op: db.OpPgQuery, Err: err}
		}
		if updatedAt != nil {
			t.UpdatedAt = updatedAt.UTC()
		}
		if idx >= 0 && idx < shards {
			out[idx] = t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &db.Error{Op: db.OpPgQuery, Err: err}
	}
	return out, nil
}

// RegisterActive upserts an active index row.
func (s *Store) RegisterActive(ctx context.Context, day scope.Day, e usage.ActiveEntry) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (day, scope, label, shards, expires_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (day, scope, label) DO UPDATE SET shards = EXCLUDED.shards, expires_at = EXCLUDED.expires_at`,
		s.activeTable()),
		string(day), e.Scope.Key(), string(e.Label), e.Shards, s.now().UTC().Add(s.shardTTL),
	)
	if err != nil {
		return &db.Error{Op: db.OpPgExec, Err: err}
	}
	return nil
}

// ListActive returns the active index for a day.
func (s *Store) ListActive(ctx context.Context, day scope.Day) ([]usage.ActiveEntry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT scope, label, shards FROM %s WHERE day = $1 AND expires_at > $2`, s.activeTable()),
		string(day), s.now().UTC(),
	)
	if err != nil {
		return nil, &db.Error{Op: db.OpPgQuery, Err: err}
	}
	defer rows.Close()

	var out []usage.ActiveEntry
	for rows.Next() {
		var sc, lbl string
		var shards int
		if err := rows.Scan(&sc, &lbl, &shards); err != nil {
			return nil, &db.Error{Op: db.OpPgQuery, Err: err}
		}
		parsed, err := scope.Parse(sc)
		if err != nil {
			continue
		}
		out = append(out, usage.ActiveEntry{Scope: parsed, Label: label.Label(lbl), Shards: shards})
	}
	if err := rows.Err(); err != nil {
		return nil, &db.Error{Op: db.OpPgQuery, Err: err}
	}
	return out, nil
}

// PutDailyTotal overwrites one total row.
func (s *Store) PutDailyTotal(ctx context.Context, sc scope.Scope, day scope.Day, l label.Label, t usage.Totals) error {
	var updatedAt *time.Time
	if !t.UpdatedAt.IsZero() {
		u := t.UpdatedAt.UTC()
		updatedAt = &u
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (scope, day, label, cost, input_units, output_units, requests, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (scope, day, label) DO UPDATE SET
			cost = EXCLUDED.cost,
			input_units = EXCLUDED.input_units,
			output_units = EXCLUDED.output_units,
			requests = EXCLUDED.requests,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`, s.totalsTable()),
		sc.Key(), string(day), string(l),
		t.CostMicros, t.InputUnits, t.OutputUnits, t.Requests, updatedAt, s.now().UTC().Add(s.totalTTL),
	)
	if err != nil {
		return &db.Error{Op: db.OpPgExec, Err: err}
	}
	return nil
}

// GetDailyTotals reads several labels in one query.
func (s *Store) GetDailyTotals(
	ctx context.Context, sc scope.Scope, day scope.Day, labels []label.Label,
) (map[label.Label]usage.Totals, error) {
	names := make([]string, len(labels))
	out := make(map[label.Label]usage.Totals, len(labels))
	for i, l := range labels {
		names[i] = string(l)
		out[l] = usage.Totals{}
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT label, cost, input_units, output_units, requests, updated_at FROM %s
		WHERE scope = $1 AND day = $2 AND label = ANY($3) AND expires_at > $4`, s.totalsTable()),
		sc.Key(), string(day), names, s.now().UTC(),
	)
	if err != nil {
		return nil, &db.Error{Op: db.OpPgQuery, Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var (
			lbl       string
			t         usage.Totals
			updatedAt *time.Time
		)
		if err := rows.Scan(&lbl, &t.CostMicros, &t.InputUnits, &t.OutputUnits, &t.Requests, &updatedAt); err != nil {
			return nil, &db.Error{Op: db.OpPgQuery, Err: err}
		}
		if updatedAt != nil {
			t.UpdatedAt = updatedAt.UTC()
		}
		out[label.Label(lbl)] = t
	}
	if err := rows.Err(); err != nil {
		return nil, &db.Error{Op: db.OpPgQuery, Err: err}
	}
	return out, nil
}

// GetSticky returns the live pin for a day.
func (s *Store) GetSticky(ctx context.Context, sc scope.Scope, day scope.Day) (domsticky.State, bool, error) {
	var (
		st             domsticky.State
		lbl, prev, rsn string
	)
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT label, idx, reason, previous_label, activated_at FROM %s
		WHERE scope = $1 AND day = $2 AND expires_at > $3`, s.stickyTable()),
		sc.Key(), string(day), s.now().UTC(),
	).Scan(&lbl, &st.Index, &rsn, &prev, &st.ActivatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domsticky.State{}, false, nil
	}
	if err != nil {
		return domsticky.State{}, false, &db.Error{Op: db.OpPgQuery, Err: err}
	}
	st.Label = label.Label(lbl)
	st.PreviousLabel = label.Label(prev)
	st.Reason = domsticky.Reason(rsn)
	st.ActivatedAt = st.ActivatedAt.UTC()
	return st, true, nil
}

// AdvanceSticky writes st only if no live pin exists or its index is lower.
func (s *Store) AdvanceSticky(
	ctx context.Context, sc scope.Scope, day scope.Day, st domsticky.State, expireAt time.Time,
) (bool, error) {
	var won bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s AS t (scope, day, label, idx, reason, previous_label, activated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (scope, day) DO UPDATE SET
			label = EXCLUDED.label,
			idx = EXCLUDED.idx,
			reason = EXCLUDED.reason,
			previous_label = EXCLUDED.previous_label,
			activated_at = EXCLUDED.activated_at,
			expires_at = EXCLUDED.expires_at
		WHERE t.idx < EXCLUDED.idx OR t.expires_at <= $9
		RETURNING true`, s.stickyTable()),
		sc.Key(), string(day), string(st.Label), st.Index, string(st.Reason), string(st.PreviousLabel),
		st.ActivatedAt.UTC(), expireAt.UTC(), s.now().UTC(),
	).Scan(&won)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &db.Error{Op: db.OpPgExec, Err: err}
	}
	return won, nil
}

// GetRate returns a cached rate.
func (s *Store) GetRate(ctx context.Context, model, date, region string) (pricing.Rate, bool, error) {
	r := pricing.Rate{Model: model}
	var prov string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT input_per_million, output_per_million, provenance, version, fetched_at FROM %s
		WHERE model = $1 AND date = $2 AND region = $3 AND expires_at > $4`, s.ratesTable()),
		model, date, region, s.now().UTC(),
	).Scan(&r.InputPerMillion, &r.OutputPerMillion, &prov, &r.Version, &r.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pricing.Rate{}, false, nil
	}
	if err != nil {
		return pricing.Rate{}, false, &db.Error{Op: db.OpPgQuery, Err: err}
	}
	r.Provenance = pricing.Provenance(prov)
	r.FetchedAt = r.FetchedAt.UTC()
	return r, true, nil
}

// PutRate upserts a cached rate.
func (s *Store) PutRate(ctx context.Context, date, region string, r pricing.Rate) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (model, date, region, input_per_million, output_per_million, provenance, version, fetched_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (model, date, region) DO UPDATE SET
			input_per_million = EXCLUDED.input_per_million,
			output_per_million = EXCLUDED.output_per_million,
			provenance = EXCLUDED.provenance,
			version = EXCLUDED.version,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at`, s.ratesTable()),
		r.Model, date, region, r.InputPerMillion, r.OutputPerMillion, string(r.Provenance), r.Version,
		r.FetchedAt.UTC(), s.now().UTC().Add(s.rateTTL),
	)
	if err != nil {
		return &db.Error{Op: db.OpPgExec, Err: err}
	}
	return nil
}

// Purge deletes expired rows from every table.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	var total int64
	for _, table := range []string{
		s.shardsTable(), s.dedupTable(), s.totalsTable(), s.stickyTable(), s.activeTable(), s.ratesTable(),
	} {
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, table), now)
		if err != nil {
			return total, &db.Error{Op: db.OpPgExec, Err: err}
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
