package costkeeper

import (
	"context"
	"time"

	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	dompricing "github.com/kailas-cloud/costkeeper/internal/domain/pricing"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domselection "github.com/kailas-cloud/costkeeper/internal/domain/selection"
	domsticky "github.com/kailas-cloud/costkeeper/internal/domain/sticky"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
	domusage "github.com/kailas-cloud/costkeeper/internal/domain/usage"
	"github.com/kailas-cloud/costkeeper/internal/usecase/aggregation"
	healthuc "github.com/kailas-cloud/costkeeper/internal/usecase/health"
	"github.com/kailas-cloud/costkeeper/internal/usecase/metering"
)

// --- tenantResolver mock ---

type mockTenants struct {
	resolveFn func(ctx context.Context, orgID, appID string) (domtenant.Effective, error)
}

func (m *mockTenants) Resolve(ctx context.Context, orgID, appID string) (domtenant.Effective, error) {
	return m.resolveFn(ctx, orgID, appID)
}

// --- usageWriter mock ---

type mockWriter struct {
	recordFn func(ctx context.Context, eff domtenant.Effective, ev domusage.Event) (metering.Ack, error)
	calls    int
}

func (m *mockWriter) RecordUsage(ctx context.Context, eff domtenant.Effective, ev domusage.Event) (metering.Ack, error) {
	m.calls++
	return m.recordFn(ctx, eff, ev)
}

func (m *mockWriter) RecordBatch(ctx context.Context, eff domtenant.Effective, events []domusage.Event) []metering.Result {
	out := make([]metering.Result, len(events))
	for i, ev := range events {
		ack, err := m.RecordUsage(ctx, eff, ev)
		out[i] = metering.Result{Ack: ack, Err: err}
	}
	return out
}

// --- pricer mock ---

type mockPricer struct {
	costFn func(ctx context.Context, l label.Label, region string, in, out int64) (int64, dompricing.Rate, error)
}

func (m *mockPricer) Cost(ctx context.Context, l label.Label, region string, in, out int64) (int64, dompricing.Rate, error) {
	return m.costFn(ctx, l, region, in, out)
}

// --- modelSelector mock ---

type mockSelector struct {
	selectFn func(ctx context.Context, eff domtenant.Effective, day scope.Day, bypass bool) (domselection.Recommendation, error)
}

func (m *mockSelector) SelectModel(
	ctx context.Context, eff domtenant.Effective, day scope.Day, bypass bool,
) (domselection.Recommendation, error) {
	return m.selectFn(ctx, eff, day, bypass)
}

// --- pinTracker mock ---

type mockTracker struct {
	pinFn func(ctx context.Context, eff domtenant.Effective, day scope.Day, l label.Label, r domsticky.Reason) (domsticky.State, bool, error)
}

func (m *mockTracker) Pin(
	ctx context.Context, eff domtenant.Effective, day scope.Day, l label.Label, r domsticky.Reason,
) (domsticky.State, bool, error) {
	return m.pinFn(ctx, eff, day, l, r)
}

// --- reportUseCase mock ---

type mockReports struct {
	todayFn func(ctx context.Context, eff domtenant.Effective, day scope.Day) (domusage.Report, error)
}

func (m *mockReports) Today(ctx context.Context, eff domtenant.Effective, day scope.Day) (domusage.Report, error) {
	return m.todayFn(ctx, eff, day)
}

// --- aggregatorUseCase mock ---

type mockAggregator struct {
	runOnceFn func(ctx context.Context, now time.Time) (aggregation.Stats, error)
}

func (m *mockAggregator) RunOnce(ctx context.Context, now time.Time) (aggregation.Stats, error) {
	return m.runOnceFn(ctx, now)
}

func (m *mockAggregator) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// --- healthUseCase mock ---

type mockHealth struct {
	report healthuc.Report
}

func (m *mockHealth) Check(context.Context) healthuc.Report { return m.report }
