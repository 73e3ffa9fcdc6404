package db

import (
	"context"
	"time"
)

// Store is the main database facade combining all sub-interfaces.
//
//nolint:interfacebloat // facade by design -- consumers use narrow sub-interfaces (ISP)
type Store interface {
	Pinger
	CounterStore
	HashStore
	KVStore
	SetStore
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AddStatus is the outcome of a guarded counter add.
type AddStatus int

// Counter add outcomes.
const (
	// AddApplied means deltas were applied and the dedup member recorded.
	AddApplied AddStatus = iota
	// AddDuplicate means the dedup member was already present; nothing changed.
	AddDuplicate
	// AddUnguarded means deltas were applied but the dedup set was at its limit.
	AddUnguarded
)

// CounterAdd is a single atomic multi-field increment.
//
// When DedupMember is set, the member is checked against the set at DedupKey
// and recorded there in the same atomic step, unless the set already holds
// DedupLimit members.
type CounterAdd struct {
	Key         string
	Deltas      map[string]int64
	Touch       map[string]string
	TTL         time.Duration
	DedupKey    string
	DedupMember string
	DedupLimit  int
}

// CounterStore provides atomic counter increments.
type CounterStore interface {
	HIncrGuarded(ctx context.Context, add *CounterAdd) (AddStatus, error)
}

// GuardedWrite replaces hash fields only if GuardField is absent or holds a
// smaller integer than GuardValue.
type GuardedWrite struct {
	Key        string
	GuardField string
	GuardValue int64
	Fields     map[string]string
	ExpireAt   time.Time
}

// HashStore provides hash-based key-value operations.
type HashStore interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)
	HReplace(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	HSetIfGreater(ctx context.Context, w *GuardedWrite) (bool, error)
}

// KVStore provides simple key-value operations.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// SetStore provides unordered string sets.
type SetStore interface {
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}
