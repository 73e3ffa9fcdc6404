package aggregation

import (
	"context"

	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage"
)

// ShardReader is the read side of the shard repository.
type ShardReader interface {
	ListActive(ctx context.Context, day scope.Day) ([]usage.ActiveEntry, error)
	ReadShards(ctx context.Context, s scope.Scope, day scope.Day, l label.Label, shards int) ([]usage.Totals, error)
}

// TotalWriter overwrites daily totals.
type TotalWriter interface {
	PutDailyTotal(ctx context.Context, s scope.Scope, day scope.Day, l label.Label, t usage.Totals) error
}
