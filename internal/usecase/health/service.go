package health

import (
	"context"
	"time"
)

// DefaultPingTimeout bounds the storage probe.
const DefaultPingTimeout = 2 * time.Second

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded means totals are going stale but writes and selection still work.
	Degraded Status = "degraded"
	// Unhealthy means storage is unreachable.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Component names used as Report keys.
const (
	ComponentDatabase   = "database"
	ComponentAggregator = "aggregator"
)

// Report aggregates health check results.
type Report struct {
	Status  Status
	Checks  map[string]CheckResult
	Details map[string]string // error text of failing checks

	// LastAggregation is zero when this process does not aggregate or has
	// not finished a pass yet.
	LastAggregation time.Time
}

// Service coordinates health checks.
type Service struct {
	db          DBPinger
	aggregator  AggregatorChecker
	pingTimeout time.Duration
}

// New creates a Service. aggregator can be nil when this process does not aggregate.
func New(db DBPinger, aggregator AggregatorChecker) *Service {
	return &Service{db: db, aggregator: aggregator, pingTimeout: DefaultPingTimeout}
}

// WithPingTimeout overrides DefaultPingTimeout.
func (s *Service) WithPingTimeout(d time.Duration) *Service {
	if d > 0 {
		s.pingTimeout = d
	}
	return s
}

// Check runs health checks against all components.
func (s *Service) Check(ctx context.Context) Report {
	r := Report{
		Status:  Healthy,
		Checks:  make(map[string]CheckResult, 2),
		Details: make(map[string]string),
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	err := s.db.Ping(pingCtx)
	cancel()
	r.record(ComponentDatabase, err)
	if err != nil {
		r.Status = Unhealthy
	}

	if s.aggregator != nil {
		err := s.aggregator.HealthCheck(ctx)
		r.record(ComponentAggregator, err)
		r.LastAggregation = s.aggregator.LastSuccess()
		if err != nil && r.Status == Healthy {
			r.Status = Degraded
		}
	}

	return r
}

func (r *Report) record(component string, err error) {
	if err != nil {
		r.Checks[component] = CheckError
		r.Details[component] = err.Error()
		return
	}
	r.Checks[component] = CheckOK
}
