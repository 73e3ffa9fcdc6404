package usage

import (
	"context"

	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domsticky "github.com/kailas-cloud/costkeeper/internal/domain/sticky"
	domusage "github.com/kailas-cloud/costkeeper/internal/domain/usage"
)

// TotalReader provides read-only access to aggregated daily totals.
type TotalReader interface {
	GetDailyTotals(ctx context.Context, s scope.Scope, day scope.Day, labels []label.Label) (map[label.Label]domusage.Totals, error)
}

// StickyReader reports the current pin.
type StickyReader interface {
	Current(ctx context.Context, s scope.Scope, day scope.Day) (domsticky.State, bool, error)
}
