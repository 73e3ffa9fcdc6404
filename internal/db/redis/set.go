package redis

import (
	"context"
	"time"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/costkeeper/internal/db"
)

// SAdd adds members and refreshes the set TTL in one round-trip.
func (s *Store) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	cmds := []rueidis.Completed{s.b().Sadd().Key(key).Member(members...).Build()}
	if ttl > 0 {
		cmds = append(cmds, s.b().Pexpire().Key(key).Milliseconds(ttl.Milliseconds()).Build())
	}
	for i, res := range s.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			op := db.OpSAdd
			if i > 0 {
				op = db.OpExpire
			}
			return wrap(op, err)
		}
	}
	return nil
}

// SMembers lists a set. A missing key yields an empty slice.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	cmd := s.b().Smembers().Key(key).Build()
	members, err := s.do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, wrap(db.OpSMembers, err)
	}
	return members, nil
}
