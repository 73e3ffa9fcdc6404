package pricing

import (
	"context"

	dompricing "github.com/kailas-cloud/costkeeper/internal/domain/pricing"
)

// RateStore persists fetched rates by model, date and optional region.
type RateStore interface {
	GetRate(ctx context.Context, model, date, region string) (dompricing.Rate, bool, error)
	PutRate(ctx context.Context, date, region string, rate dompricing.Rate) error
}

// LiveRate is one row of a price sheet. Region is empty for date-wide rates.
type LiveRate struct {
	Region string
	Rate   dompricing.Rate
}

// LiveSource fetches the current price sheet.
type LiveSource interface {
	Fetch(ctx context.Context, date string) ([]LiveRate, error)
}
