package redis

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/costkeeper/internal/db"
)

// KEYS[1] counter hash, KEYS[2] dedup set.
// ARGV[1] ttl millis, ARGV[2] dedup member ('' disables), ARGV[3] dedup limit,
// ARGV[4] number of delta pairs, then delta pairs, then touch pairs.
// Returns 0 duplicate, 1 applied, 2 applied without recording the member.
var counterAddScript = rueidis.NewLuaScript(`
local ttl = tonumber(ARGV[1])
local member = ARGV[2]
local status = 1
if member ~= '' then
  if redis.call('SISMEMBER', KEYS[2], member) == 1 then
    return 0
  end
  if redis.call('SCARD', KEYS[2]) < tonumber(ARGV[3]) then
    redis.call('SADD', KEYS[2], member)
    if ttl > 0 then
      redis.call('PEXPIRE', KEYS[2], ttl)
    end
  else
    status = 2
  end
end
local i = 5
for _ = 1, tonumber(ARGV[4]) do
  redis.call('HINCRBY', KEYS[1], ARGV[i], ARGV[i + 1])
  i = i + 2
end
while i < #ARGV do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
  i = i + 2
end
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return status
`)

// HIncrGuarded applies all deltas in one script call, deduplicated by member.
// Counter and dedup keys must hash to the same slot in cluster mode.
func (s *Store) HIncrGuarded(ctx context.Context, add *db.CounterAdd) (db.AddStatus, error) {
	if add.Key == "" || len(add.Deltas) == 0 {
		return 0, &db.Error{Op: db.OpCounterAdd, Err: db.ErrInvalidArgs}
	}
	dedupKey := add.DedupKey
	if dedupKey == "" {
		dedupKey = add.Key
		if add.DedupMember != "" {
			return 0, &db.Error{Op: db.OpCounterAdd, Err: fmt.Errorf("%w: dedup key missing", db.ErrInvalidArgs)}
		}
	}

	n, err := counterAddScript.Exec(ctx, s.client, []string{add.Key, dedupKey}, counterArgs(add)).AsInt64()
	if err != nil {
		return 0, wrap(db.OpCounterAdd, err)
	}
	switch n {
	case 0:
		return db.AddDuplicate, nil
	case 2:
		return db.AddUnguarded, nil
	default:
		return db.AddApplied, nil
	}
}

func counterArgs(add *db.CounterAdd) []string {
	args := make([]string, 0, 4+2*len(add.Deltas)+2*len(add.Touch))
	args = append(args,
		strconv.FormatInt(add.TTL.Milliseconds(), 10),
		add.DedupMember,
		strconv.Itoa(add.DedupLimit),
		strconv.Itoa(len(add.Deltas)),
	)
	for _, f := range slices.Sorted(maps.Keys(add.Deltas)) {
		args = append(args, f, strconv.FormatInt(add.Deltas[f], 10))
	}
	return appendPairs(args, add.Touch)
}
