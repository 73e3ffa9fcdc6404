package selection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kailas-cloud/costkeeper/internal/db"
	"github.com/kailas-cloud/costkeeper/internal/db/memory"
	"github.com/kailas-cloud/costkeeper/internal/domain"
	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	dompricing "github.com/kailas-cloud/costkeeper/internal/domain/pricing"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domselection "github.com/kailas-cloud/costkeeper/internal/domain/selection"
	domsticky "github.com/kailas-cloud/costkeeper/internal/domain/sticky"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage"
	stickyrepo "github.com/kailas-cloud/costkeeper/internal/repository/sticky"
	"github.com/kailas-cloud/costkeeper/internal/repository/total"
	"github.com/kailas-cloud/costkeeper/internal/usecase/sticky"
)

// --- Mocks ---

type stubRates struct{}

func (stubRates) Rate(_ context.Context, l label.Label, _ string) (dompricing.Rate, error) {
	return dompricing.Rate{Model: "m-" + string(l), InputPerMillion: 1, Provenance: dompricing.ProvenanceStatic}, nil
}

// racingTracker has never seen a pin but loses every advance to a deeper one.
type racingTracker struct {
	winner domsticky.State
}

func (r *racingTracker) Current(context.Context, scope.Scope, scope.Day) (domsticky.State, bool, error) {
	return domsticky.State{}, false, nil
}

func (r *racingTracker) Advance(
	context.Context, domtenant.Effective, scope.Day, domsticky.State,
) (domsticky.State, bool, error) {
	return r.winner, false, nil
}

// --- Helpers ---

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

const day scope.Day = "20240101"

type fixture struct {
	store   *memory.Store
	totals  *total.Repo
	tracker *sticky.Tracker
	sel     *Selector
	eff     domtenant.Effective
}

func newFixture(t *testing.T, ordering []string, quotas map[string]int64, fallback bool) *fixture {
	t.Helper()
	eff, err := domtenant.Merge(domtenant.Org{
		ID:              "acme",
		Timezone:        "UTC",
		Ordering:        ordering,
		Quotas:          quotas,
		FallbackEnabled: &fallback,
	}, nil)
	require.NoError(t, err)

	clock := func() time.Time { return now }
	store := memory.New(memory.WithClock(clock))
	f := &fixture{
		store:   store,
		totals:  total.New(store, "ck:"),
		tracker: sticky.New(stickyrepo.New(store, "ck:"), nil).WithClock(clock),
		eff:     eff,
	}
	f.sel = New(f.totals, f.tracker, stubRates{}, nil).
		WithClock(clock).
		WithRetryPolicy(db.RetryPolicy{Attempts: 1})
	return f
}

func (f *fixture) spend(t *testing.T, l label.Label, cost int64) {
	t.Helper()
	require.NoError(t, f.totals.PutDailyTotal(context.Background(), f.eff.Scope, day, l, usage.Totals{CostMicros: cost}))
}

func (f *fixture) selectModel(t *testing.T) domselection.Recommendation {
	t.Helper()
	rec, err := f.sel.SelectModel(context.Background(), f.eff, day, true)
	require.NoError(t, err)
	return rec
}

func twoTier() (ordering []string, quotas map[string]int64) {
	return []string{"premium", "standard"}, map[string]int64{"premium": 1000, "standard": 10000}
}

// --- Tests ---

func TestSelect_PrimaryNormal(t *testing.T) {
	o, q := twoTier()
	f := newFixture(t, o, q, true)
	f.spend(t, "premium", 100)

	rec := f.selectModel(t)
	assert.Equal(t, label.Label("premium"), rec.Label)
	assert.Equal(t, domselection.ModeNormal, rec.Mode)
	assert.Equal(t, domselection.ReasonPrimary, rec.Reason)
	assert.Equal(t, DefaultNextCheckNormal, rec.NextCheck)
	assert.False(t, rec.Sticky)
	assert.Equal(t, "m-premium", rec.Rate.Model)
	require.Len(t, rec.Statuses, 2)
	assert.Equal(t, int64(100), rec.Statuses[0].Consumed())
}

func TestSelect_TightBoundaryIsInclusive(t *testing.T) {
	f := newFixture(t, []string{"premium"}, map[string]int64{"premium": 1000}, true)

	f.spend(t, "premium", 949)
	assert.Equal(t, domselection.ModeNormal, f.selectModel(t).Mode)

	f.spend(t, "premium", 950)
	rec := f.selectModel(t)
	assert.Equal(t, domselection.ModeTight, rec.Mode)
	assert.Equal(t, DefaultNextCheckTight, rec.NextCheck)
	assert.Equal(t, label.Label("premium"), rec.Label)
}

func TestSelect_PremiumAt96PercentFallsBackAndSticks(t *testing.T) {
	o, q := twoTier()
	f := newFixture(t, o, q, true)
	f.spend(t, "premium", 960)

	rec := f.selectModel(t)
	assert.Equal(t, label.Label("standard"), rec.Label)
	assert.Equal(t, 1, rec.Index)
	assert.Equal(t, domselection.ModeNormal, rec.Mode)
	assert.Equal(t, domselection.ReasonQuotaFallback, rec.Reason)
	assert.True(t, rec.Sticky)

	pin, ok, err := f.tracker.Current(context.Background(), f.eff.Scope, day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, label.Label("standard"), pin.Label)
	assert.Equal(t, label.Label("premium"), pin.PreviousLabel)
	assert.Equal(t, domsticky.ReasonQuotaBreach, pin.Reason)

	// Premium looks healthy again but the pin holds for the rest of the day.
	f.spend(t, "premium", 10)
	rec = f.selectModel(t)
	assert.Equal(t, label.Label("standard"), rec.Label)
	assert.Equal(t, domselection.ReasonStickyFallback, rec.Reason)
}

func TestSelect_AllTightPicksFirstUnderQuota(t *testing.T) {
	o, q := twoTier()
	f := newFixture(t, o, q, true)
	f.spend(t, "premium", 960)
	f.spend(t, "standard", 9700)

	rec := f.selectModel(t)
	assert.Equal(t, label.Label("premium"), rec.Label)
	assert.Equal(t, domselection.ModeTight, rec.Mode)

	_, pinned, err := f.tracker.Current(context.Background(), f.eff.Scope, day)
	require.NoError(t, err)
	assert.False(t, pinned)
}

func TestSelect_ChainExhausted(t *testing.T) {
	o, q := twoTier()
	f := newFixture(t, o, q, true)
	f.spend(t, "premium", 1000)
	f.spend(t, "standard", 12000)

	_, err := f.sel.SelectModel(context.Background(), f.eff, day, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQuotaExhausted)
	var qe *domain.QuotaExhaustedError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), qe.ResetsAt)
}

func TestSelect_ZeroQuotaIsExhausted(t *testing.T) {
	f := newFixture(t, []string{"premium", "standard"}, map[string]int64{"premium": 0, "standard": 100}, true)

	rec := f.selectModel(t)
	assert.Equal(t, label.Label("standard"), rec.Label)

	g := newFixture(t, []string{"premium"}, map[string]int64{"premium": 0}, true)
	_, err := g.sel.SelectModel(context.Background(), g.eff, day, true)
	assert.ErrorIs(t, err, domain.ErrQuotaExhausted)
}

func TestSelect_FallbackDisabledNeverPins(t *testing.T) {
	o, q := twoTier()
	f := newFixture(t, o, q, false)
	f.spend(t, "premium", 960)

	rec := f.selectModel(t)
	assert.Equal(t, label.Label("standard"), rec.Label)
	assert.Equal(t, domselection.ReasonQuotaFallback, rec.Reason)
	assert.False(t, rec.Sticky)

	f.spend(t, "premium", 10)
	rec = f.selectModel(t)
	assert.Equal(t, label.Label("premium"), rec.Label)
	assert.Equal(t, domselection.ReasonPrimary, rec.Reason)
}

func TestSelect_LostRaceReevaluatesFromWinner(t *testing.T) {
	eff, err := domtenant.Merge(domtenant.Org{
		ID:       "acme",
		Timezone: "UTC",
		Ordering: []string{"premium", "standard", "economy"},
		Quotas:   map[string]int64{"premium": 100, "standard": 100, "economy": 100},
	}, nil)
	require.NoError(t, err)

	store := memory.New()
	totals := total.New(store, "ck:")
	require.NoError(t, totals.PutDailyTotal(context.Background(), eff.Scope, day, "premium", usage.Totals{CostMicros: 99}))

	winner := domsticky.State{Label: "economy", Index: 2, Reason: domsticky.ReasonQuotaBreach}
	sel := New(totals, &racingTracker{winner: winner}, stubRates{}, nil).WithClock(func() time.Time { return now })

	rec, err := sel.SelectModel(context.Background(), eff, day, true)
	require.NoError(t, err)
	assert.Equal(t, label.Label("economy"), rec.Label)
	assert.Equal(t, domselection.ReasonStickyFallback, rec.Reason)
	assert.True(t, rec.Sticky)
}

func TestSelect_CacheAndBypass(t *testing.T) {
	o, q := twoTier()
	f := newFixture(t, o, q, false)
	ctx := context.Background()

	first, err := f.sel.SelectModel(ctx, f.eff, day, false)
	require.NoError(t, err)
	assert.Equal(t, label.Label("premium"), first.Label)

	f.spend(t, "premium", 990)

	cached, err := f.sel.SelectModel(ctx, f.eff, day, false)
	require.NoError(t, err)
	assert.Equal(t, label.Label("premium"), cached.Label)

	fresh, err := f.sel.SelectModel(ctx, f.eff, day, true)
	require.NoError(t, err)
	assert.Equal(t, label.Label("standard"), fresh.Label)
}

func TestSelect_StorageFailureDegrades(t *testing.T) {
	o, q := twoTier()
	f := newFixture(t, o, q, true)
	ctx := context.Background()

	f.store.FailWith(errors.New("connection refused"))
	rec, err := f.sel.SelectModel(ctx, f.eff, day, true)
	require.NoError(t, err)
	assert.Equal(t, domselection.ReasonKeepCurrent, rec.Reason)
	assert.Empty(t, rec.Label)
	assert.True(t, rec.Stale)

	f.store.FailWith(nil)
	f.spend(t, "premium", 960)
	good := f.selectModel(t)
	assert.Equal(t, label.Label("standard"), good.Label)

	f.store.FailWith(errors.New("connection refused"))
	rec, err = f.sel.SelectModel(ctx, f.eff, day, true)
	require.NoError(t, err)
	assert.Equal(t, domselection.ReasonLastKnownGood, rec.Reason)
	assert.Equal(t, label.Label("standard"), rec.Label)
	assert.True(t, rec.Stale)
}

func TestForget(t *testing.T) {
	o, q := twoTier()
	f := newFixture(t, o, q, true)
	_ = f.selectModel(t)

	f.sel.Forget("20240102")

	f.sel.mu.Lock()
	defer f.sel.mu.Unlock()
	assert.Empty(t, f.sel.lkg)
	assert.Empty(t, f.sel.cache)
}

func TestSelect_AppsSharingOrgScopeKeepTheirOwnAnswers(t *testing.T) {
	org := domtenant.Org{
		ID:         "acme",
		Timezone:   "UTC",
		QuotaScope: domtenant.QuotaScopeOrg,
		Ordering:   []string{"premium", "economy"},
		Quotas:     map[string]int64{"premium": 1000, "economy": 10000},
	}
	chat, err := domtenant.Merge(org, &domtenant.App{ID: "chat", OrgID: "acme"})
	require.NoError(t, err)
	batch, err := domtenant.Merge(org, &domtenant.App{ID: "batch", OrgID: "acme", Ordering: []string{"economy"}})
	require.NoError(t, err)
	require.Equal(t, chat.Scope.Key(), batch.Scope.Key())

	store := memory.New()
	sel := New(total.New(store, "ck:"), sticky.New(stickyrepo.New(store, "ck:"), nil), stubRates{}, nil).
		WithClock(func() time.Time { return now }).
		WithRetryPolicy(db.RetryPolicy{Attempts: 1})
	ctx := context.Background()

	rec, err := sel.SelectModel(ctx, chat, day, false)
	require.NoError(t, err)
	assert.Equal(t, label.Label("premium"), rec.Label)

	rec, err = sel.SelectModel(ctx, batch, day, false)
	require.NoError(t, err)
	assert.Equal(t, label.Label("economy"), rec.Label)

	store.FailWith(errors.New("connection refused"))

	rec, err = sel.SelectModel(ctx, batch, day, true)
	require.NoError(t, err)
	assert.Equal(t, domselection.ReasonLastKnownGood, rec.Reason)
	assert.Equal(t, label.Label("economy"), rec.Label)

	rec, err = sel.SelectModel(ctx, chat, day, true)
	require.NoError(t, err)
	assert.Equal(t, domselection.ReasonLastKnownGood, rec.Reason)
	assert.Equal(t, label.Label("premium"), rec.Label)
}

// hangingTracker blocks until the caller gives up.
type hangingTracker struct{}

func (hangingTracker) Current(ctx context.Context, _ scope.Scope, _ scope.Day) (domsticky.State, bool, error) {
	<-ctx.Done()
	return domsticky.State{}, false, ctx.Err()
}

func (hangingTracker) Advance(
	ctx context.Context, _ domtenant.Effective, _ scope.Day, _ domsticky.State,
) (domsticky.State, bool, error) {
	<-ctx.Done()
	return domsticky.State{}, false, ctx.Err()
}

func TestSelect_HungPinReadIsBounded(t *testing.T) {
	o, q := twoTier()
	eff, err := domtenant.Merge(domtenant.Org{ID: "acme", Timezone: "UTC", Ordering: o, Quotas: q}, nil)
	require.NoError(t, err)

	sel := New(total.New(memory.New(), "ck:"), hangingTracker{}, stubRates{}, nil).
		WithClock(func() time.Time { return now }).
		WithReadTimeout(50 * time.Millisecond)

	started := time.Now()
	rec, err := sel.SelectModel(context.Background(), eff, day, true)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, domselection.ReasonKeepCurrent, rec.Reason)
	assert.True(t, rec.Stale)
}

func TestSelect_HungAdvanceIsBounded(t *testing.T) {
	o, q := twoTier()
	eff, err := domtenant.Merge(domtenant.Org{ID: "acme", Timezone: "UTC", Ordering: o, Quotas: q}, nil)
	require.NoError(t, err)

	store := memory.New()
	totals := total.New(store, "ck:")
	require.NoError(t, totals.PutDailyTotal(context.Background(), eff.Scope, day, "premium", usage.Totals{CostMicros: 990}))

	tracker := &advanceHangs{}
	sel := New(totals, tracker, stubRates{}, nil).
		WithClock(func() time.Time { return now }).
		WithReadTimeout(50 * time.Millisecond)

	started := time.Now()
	rec, err := sel.SelectModel(context.Background(), eff, day, true)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, label.Label("standard"), rec.Label)
	assert.False(t, rec.Sticky)
}

// advanceHangs reports no pin and blocks on every advance.
type advanceHangs struct{ hangingTracker }

func (*advanceHangs) Current(context.Context, scope.Scope, scope.Day) (domsticky.State, bool, error) {
	return domsticky.State{}, false, nil
}
