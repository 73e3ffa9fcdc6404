package costkeeper

import (
	"context"
	"fmt"
	"time"
)

// Today returns the current local day's spend for orgID and appID. Spend
// recorded since the last aggregation pass is not included yet.
func (c *Client) Today(ctx context.Context, orgID, appID string) (report UsageReport, err error) {
	start := time.Now()
	defer func() { c.obs.observe("today", orgID, start, err) }()

	eff, err := c.tenants.Resolve(ctx, orgID, appID)
	if err != nil {
		return UsageReport{}, fmt.Errorf("usage report: %w", err)
	}
	r, err := c.reports.Today(ctx, eff, "")
	if err != nil {
		return UsageReport{}, fmt.Errorf("usage report: %w", err)
	}
	return reportFromDomain(&r, eff.TightThresholdBP), nil
}
