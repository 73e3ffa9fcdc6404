// Package memory implements db.Store in process memory with the same atomicity
// guarantees as the Redis scripts. Used for local runs and tests.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/kailas-cloud/costkeeper/internal/db"
)

// Compile-time check: Store implements db.Store.
var _ db.Store = (*Store)(nil)

type entry struct {
	hash      map[string]string
	set       map[string]struct{}
	value     []byte
	expiresAt time.Time
}

// Store is a mutex-guarded map of keys.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	failErr error
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FailWith makes every subsequent call return err until cleared with nil.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

// Ping always succeeds unless a failure is injected.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail(db.OpPing)
}

// Close drops all data.
func (s *Store) Close() {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.mu.Unlock()
}

// WaitForReady returns immediately.
func (s *Store) WaitForReady(_ context.Context, _ time.Duration) error { return nil }

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if s.live(k) != nil {
			n++
		}
	}
	return n
}

// HIncrGuarded applies deltas under one lock, deduplicated by member.
func (s *Store) HIncrGuarded(_ context.Context, add *db.CounterAdd) (db.AddStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(db.OpCounterAdd); err != nil {
		return 0, err
	}
	if add.Key == "" || len(add.Deltas) == 0 || (add.DedupMember != "" && add.DedupKey == "") {
		return 0, &db.Error{Op: db.OpCounterAdd, Err: db.ErrInvalidArgs}
	}

	status := db.AddApplied
	if add.DedupMember != "" {
		set := s.ensure(add.DedupKey)
		if set.set == nil {
			set.set = make(map[string]struct{})
		}
		if _, seen := set.set[add.DedupMember]; seen {
			return db.AddDuplicate, nil
		}
		if len(set.set) < add.DedupLimit {
			set.set[add.DedupMember] = struct{}{}
			s.expire(set, add.TTL)
		} else {
			status = db.AddUnguarded
		}
	}

	e := s.ensure(add.Key)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	for f, d := range add.Deltas {
		cur, _ := strconv.ParseInt(e.hash[f], 10, 64)
		e.hash[f] = strconv.FormatInt(cur+d, 10)
	}
	for f, v := range add.Touch {
		e.hash[f] = v
	}
	s.expire(e, add.TTL)
	return status, nil
}

// HGetAll returns a copy of the hash, empty if missing.
func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(db.OpHGetAll); err != nil {
		return nil, err
	}
	return s.hashCopy(key), nil
}

// HGetAllMulti returns copies of several hashes.
func (s *Store) HGetAllMulti(_ context.Context, keys []string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(db.OpHGetAll); err != nil {
		return nil, err
	}
	out := make([]map[string]string, len(keys))
	for i, k := range keys {
		out[i] = s.hashCopy(k)
	}
	return out, nil
}

// HReplace swaps the whole hash.
func (s *Store) HReplace(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(db.OpHReplace); err != nil {
		return err
	}
	if len(fields) == 0 {
		delete(s.entries, key)
		return nil
	}
	e := &entry{hash: make(map[string]string, len(fields))}
	for k, v := range fields {
		e.hash[k] = v
	}
	s.expire(e, ttl)
	s.entries[key] = e
	return nil
}

// HSetIfGreater writes only when the guard is absent or smaller.
func (s *Store) HSetIfGreater(_ context.Context, w *db.GuardedWrite) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(db.OpHSetIfGt); err != nil {
		return false, err
	}
	if w.GuardField == "" {
		return false, &db.Error{Op: db.OpHSetIfGt, Err: db.ErrInvalidArgs}
	}

	e := s.ensure(w.Key)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	if cur, ok := e.hash[w.GuardField]; ok {
		if n, err := strconv.ParseInt(cur, 10, 64); err == nil && n >= w.GuardValue {
			return false, nil
		}
	}
	e.hash[w.GuardField] = strconv.FormatInt(w.GuardValue, 10)
	for k, v := range w.Fields {
		e.hash[k] = v
	}
	if !w.ExpireAt.IsZero() {
		e.expiresAt = w.ExpireAt
	}
	return true, nil
}

// Get returns a stored value.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(db.OpGet); err != nil {
		return nil, err
	}
	e := s.live(key)
	if e == nil || e.value == nil {
		return nil, db.ErrKeyNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// SetWithTTL stores a value.
func (s *Store) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(db.OpSet); err != nil {
		return err
	}
	e := &entry{value: append([]byte(nil), value...)}
	s.expire(e, ttl)
	s.entries[key] = e
	return nil
}

// Purge evicts every expired key and reports how many were dropped. Reads
// evict lazily, so keys nobody reads again stay until a purge.
func (s *Store) Purge(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(db.OpPurge); err != nil {
		return 0, err
	}
	var n int64
	for k := range s.entries {
		if s.live(k) == nil {
			n++
		}
	}
	return n, nil
}

// SAdd adds members and refreshes the TTL.
func (s *Store) SAdd(_ context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(db.OpSAdd); err != nil {
		return err
	}
	e := s.ensure(key)
	if e.set == nil {
		e.set = make(map[string]struct{}, len(members))
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	s.expire(e, ttl)
	return nil
}

// SMembers lists a set.
func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(db.OpSMembers); err != nil {
		return nil, err
	}
	e := s.live(key)
	if e == nil {
		return []string{}, nil
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) fail(op string) error {
	if s.failErr == nil {
		return nil
	}
	return &db.Error{Op: op, Err: s.failErr}
}

// live returns the entry for key, evicting it if expired. Caller holds mu.
func (s *Store) live(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *Store) ensure(key string) *entry {
	if e := s.live(key); e != nil {
		return e
	}
	e := &entry{}
	s.entries[key] = e
	return e
}

func (s *Store) expire(e *entry, ttl time.Duration) {
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
}

func (s *Store) hashCopy(key string) map[string]string {
	e := s.live(key)
	if e == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out
}
