package selection

import (
	"context"

	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	dompricing "github.com/kailas-cloud/costkeeper/internal/domain/pricing"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domsticky "github.com/kailas-cloud/costkeeper/internal/domain/sticky"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage"
)

// TotalReader reads aggregated daily totals for several labels at once.
type TotalReader interface {
	GetDailyTotals(ctx context.Context, s scope.Scope, day scope.Day, labels []label.Label) (map[label.Label]usage.Totals, error)
}

// StickyTracker reads and advances the fallback pin.
type StickyTracker interface {
	Current(ctx context.Context, s scope.Scope, day scope.Day) (domsticky.State, bool, error)
	Advance(ctx context.Context, eff domtenant.Effective, day scope.Day, proposed domsticky.State) (domsticky.State, bool, error)
}

// RateSource resolves the price of a label.
type RateSource interface {
	Rate(ctx context.Context, l label.Label, region string) (dompricing.Rate, error)
}
