package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
	domusage "github.com/kailas-cloud/costkeeper/internal/domain/usage"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage/budget"
)

// Service handles usage reporting.
type Service struct {
	totals TotalReader
	sticky StickyReader
	now    func() time.Time
}

// New creates a Service. sticky can be nil (no pin reported).
func New(totals TotalReader, sticky StickyReader) *Service {
	return &Service{totals: totals, sticky: sticky, now: time.Now}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Today builds the per-label report for day, or the current local day when empty.
func (s *Service) Today(ctx context.Context, eff domtenant.Effective, day scope.Day) (domusage.Report, error) {
	if day == "" {
		day = eff.Today(s.now())
	}
	start := day.Start(eff.Location)
	end := day.End(eff.Location)

	labels := eff.Ordering.Labels()
	totals, err := s.totals.GetDailyTotals(ctx, eff.Scope, day, labels)
	if err != nil {
		return domusage.Report{}, fmt.Errorf("usage report: %w", err)
	}

	var sum domusage.Totals
	budgets := make([]budget.Budget, len(labels))
	for i, l := range labels {
		t := totals[l]
		sum = sum.Add(t)
		budgets[i] = budget.New(string(l), eff.Quota(l), t.CostMicros, end.UnixMilli())
	}

	var pinned label.Label
	if s.sticky != nil && eff.FallbackEnabled {
		st, ok, err := s.sticky.Current(ctx, eff.Scope, day)
		if err != nil {
			return domusage.Report{}, fmt.Errorf("usage report: %w", err)
		}
		if ok {
			pinned = st.Label
		}
	}

	return domusage.NewReport(eff.Scope, day, start.UnixMilli(), end.UnixMilli(), budgets, sum, pinned), nil
}
