package metering

import (
	"context"

	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage"
)

// ShardStore is the write side of the shard repository.
type ShardStore interface {
	AddToShard(ctx context.Context, k usage.ShardKey, delta usage.Totals, idempotencyKey string, dedupLimit int) (usage.Outcome, error)
	RegisterActive(ctx context.Context, day scope.Day, e usage.ActiveEntry) error
}
