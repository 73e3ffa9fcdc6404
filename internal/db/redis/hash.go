package redis

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/costkeeper/internal/db"
)

// KEYS[1] hash. ARGV[1] ttl millis (0 keeps none), then field/value pairs.
var replaceScript = rueidis.NewLuaScript(`
redis.call('DEL', KEYS[1])
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
local ttl = tonumber(ARGV[1])
if ttl > 0 and #ARGV > 1 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// KEYS[1] hash. ARGV[1] guard field, ARGV[2] guard value, ARGV[3] expire-at
// unix millis (0 keeps none), then field/value pairs.
var setIfGreaterScript = rueidis.NewLuaScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
for i = 4, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
local at = tonumber(ARGV[3])
if at > 0 then
  redis.call('PEXPIREAT', KEYS[1], at)
end
return 1
`)

// HGetAll returns all fields of a hash. A missing key yields an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	cmd := s.b().Hgetall().Key(key).Build()
	m, err := s.do(ctx, cmd).AsStrMap()
	if err != nil {
		return nil, wrap(db.OpHGetAll, err)
	}
	return m, nil
}

// HGetAllMulti fetches all fields for multiple hashes in a single DoMulti round-trip.
func (s *Store) HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]rueidis.Completed, len(keys))
	for i, key := range keys {
		cmds[i] = s.b().Hgetall().Key(key).Build()
	}

	results := s.client.DoMulti(ctx, cmds...)
	out := make([]map[string]string, len(results))

	for i, res := range results {
		m, err := res.AsStrMap()
		if err != nil {
			return nil, wrap(db.OpHGetAll, fmt.Errorf("key %s: %w", keys[i], err))
		}
		out[i] = m
	}

	return out, nil
}

// HReplace atomically swaps the whole hash for fields.
func (s *Store) HReplace(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	args := appendPairs([]string{strconv.FormatInt(ttl.Milliseconds(), 10)}, fields)
	if err := replaceScript.Exec(ctx, s.client, []string{key}, args).Error(); err != nil {
		return wrap(db.OpHReplace, err)
	}
	return nil
}

// HSetIfGreater writes fields only when the stored guard is absent or smaller.
func (s *Store) HSetIfGreater(ctx context.Context, w *db.GuardedWrite) (bool, error) {
	if w.GuardField == "" {
		return false, &db.Error{Op: db.OpHSetIfGt, Err: db.ErrInvalidArgs}
	}
	n, err := setIfGreaterScript.Exec(ctx, s.client, []string{w.Key}, guardArgs(w)).AsInt64()
	if err != nil {
		return false, wrap(db.OpHSetIfGt, err)
	}
	return n == 1, nil
}

func guardArgs(w *db.GuardedWrite) []string {
	var expireAt int64
	if !w.ExpireAt.IsZero() {
		expireAt = w.ExpireAt.UnixMilli()
	}
	args := make([]string, 0, 3+2*len(w.Fields))
	args = append(args,
		w.GuardField,
		strconv.FormatInt(w.GuardValue, 10),
		strconv.FormatInt(expireAt, 10),
	)
	return appendPairs(args, w.Fields)
}

// appendPairs flattens m in key order so scripts see deterministic arguments.
func appendPairs(args []string, m map[string]string) []string {
	for _, k := range slices.Sorted(maps.Keys(m)) {
		args = append(args, k, m[k])
	}
	return args
}
