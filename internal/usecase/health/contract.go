package health

import (
	"context"
	"time"
)

// DBPinger checks storage availability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// AggregatorChecker reports on the aggregation loop of this process.
type AggregatorChecker interface {
	// HealthCheck fails when no pass completed recently.
	HealthCheck(ctx context.Context) error
	// LastSuccess is the end of the last complete pass, zero before the first.
	LastSuccess() time.Time
}
