package costkeeper

import (
	"context"
	"time"

	healthuc "github.com/kailas-cloud/costkeeper/internal/usecase/health"
)

// HealthStatus represents the aggregated system health.
type HealthStatus struct {
	Status  string            // "ok", "degraded", "error"
	Checks  map[string]string // "database", "aggregator" -> "ok"/"error"
	Details map[string]string // error text of failing checks

	// LastAggregation is zero unless this client runs WithAggregator and
	// has completed a pass.
	LastAggregation time.Time
}

// Healthy reports whether storage is reachable. A degraded report is still
// usable: writes land and selection reads totals, they are just aging.
func (h HealthStatus) Healthy() bool {
	return h.Status != string(healthuc.Unhealthy)
}

// Health checks storage and, when the client aggregates, the aggregation loop.
func (c *Client) Health(ctx context.Context) HealthStatus {
	report := c.healthSvc.Check(ctx)
	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}
	return HealthStatus{
		Status:          string(report.Status),
		Checks:          checks,
		Details:         report.Details,
		LastAggregation: report.LastAggregation,
	}
}

// healthUseCase is the internal interface for health checks.
type healthUseCase interface {
	Check(ctx context.Context) healthuc.Report
}
