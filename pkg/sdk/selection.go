package costkeeper

import (
	"context"
	"fmt"
	"time"

	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	domsticky "github.com/kailas-cloud/costkeeper/internal/domain/sticky"
)

// SelectModel recommends the label to call for orgID and appID. When every
// label is spent it returns a *QuotaExhaustedError carrying the reset time.
func (c *Client) SelectModel(ctx context.Context, orgID, appID string) (Recommendation, error) {
	return c.selectModel(ctx, orgID, appID, false)
}

// CheckModel is SelectModel without the short recommendation cache.
func (c *Client) CheckModel(ctx context.Context, orgID, appID string) (Recommendation, error) {
	return c.selectModel(ctx, orgID, appID, true)
}

func (c *Client) selectModel(ctx context.Context, orgID, appID string, bypass bool) (rec Recommendation, err error) {
	start := time.Now()
	defer func() { c.obs.observe("select_model", orgID, start, err) }()

	eff, err := c.tenants.Resolve(ctx, orgID, appID)
	if err != nil {
		return Recommendation{}, fmt.Errorf("select model: %w", err)
	}
	r, err := c.selector.SelectModel(ctx, eff, "", bypass)
	if err != nil {
		return Recommendation{}, fmt.Errorf("select model: %w", err)
	}
	return recommendationFromDomain(&r, eff.TightThresholdBP), nil
}

// Pin moves today's fallback pin forward to l for the rest of the local day.
// Pins never move back toward the primary; pinned reports whether this call
// moved it.
func (c *Client) Pin(ctx context.Context, orgID, appID, l string) (pinned bool, err error) {
	start := time.Now()
	defer func() { c.obs.observe("pin", orgID, start, err) }()

	eff, err := c.tenants.Resolve(ctx, orgID, appID)
	if err != nil {
		return false, fmt.Errorf("pin: %w", err)
	}
	_, won, err := c.tracker.Pin(ctx, eff, eff.Today(c.now()), label.Label(l), domsticky.ReasonManual)
	if err != nil {
		return false, fmt.Errorf("pin: %w", err)
	}
	return won, nil
}
