package sticky

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kailas-cloud/costkeeper/internal/db/memory"
	"github.com/kailas-cloud/costkeeper/internal/domain"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domsticky "github.com/kailas-cloud/costkeeper/internal/domain/sticky"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
	stickyrepo "github.com/kailas-cloud/costkeeper/internal/repository/sticky"
)

// --- Mock ---

// vanishingStore loses every conditional write and never finds a winner.
type vanishingStore struct {
	advances int
}

func (v *vanishingStore) GetSticky(context.Context, scope.Scope, scope.Day) (domsticky.State, bool, error) {
	return domsticky.State{}, false, nil
}

func (v *vanishingStore) AdvanceSticky(context.Context, scope.Scope, scope.Day, domsticky.State, time.Time) (bool, error) {
	v.advances++
	return false, nil
}

// --- Helpers ---

func effective(t *testing.T) domtenant.Effective {
	t.Helper()
	eff, err := domtenant.Merge(domtenant.Org{
		ID:       "acme",
		Timezone: "Europe/Berlin",
		Ordering: []string{"premium", "standard", "economy", "nano"},
		Quotas:   map[string]int64{"premium": 1, "standard": 1, "economy": 1, "nano": 1},
	}, nil)
	require.NoError(t, err)
	return eff
}

func proposal(eff domtenant.Effective, idx int) domsticky.State {
	return domsticky.State{Label: eff.Ordering.At(idx), Index: idx, Reason: domsticky.ReasonQuotaBreach}
}

const day scope.Day = "20240101"

// --- Tests ---

func TestAdvance_Monotonic(t *testing.T) {
	tr := New(stickyrepo.New(memory.New(), "ck:"), nil)
	eff := effective(t)
	ctx := context.Background()

	high := -1
	for range 200 {
		idx := rand.IntN(eff.Ordering.Len())
		st, won, err := tr.Advance(ctx, eff, day, proposal(eff, idx))
		require.NoError(t, err)
		if idx > high {
			assert.True(t, won)
			high = idx
		} else {
			assert.False(t, won)
		}
		assert.Equal(t, high, st.Index)
	}
}

func TestAdvance_ConcurrentConverge(t *testing.T) {
	tr := New(stickyrepo.New(memory.New(), "ck:"), nil)
	eff := effective(t)

	const n = 40
	results := make([]domsticky.State, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, _, err := tr.Advance(context.Background(), eff, day, proposal(eff, 1+i%3))
			assert.NoError(t, err)
			results[i] = st
		}(i)
	}
	wg.Wait()

	final, ok, err := tr.Current(context.Background(), eff.Scope, day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, final.Index)
	for _, st := range results {
		assert.GreaterOrEqual(t, st.Index, 1)
		assert.LessOrEqual(t, st.Index, final.Index)
	}
}

func TestAdvance_ExpiresAfterLocalDayPlusBuffer(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tr := New(stickyrepo.New(memory.New(memory.WithClock(clock)), "ck:"), nil).
		WithClock(clock).WithExpiryBuffer(time.Hour)
	eff := effective(t)
	ctx := context.Background()

	_, won, err := tr.Advance(ctx, eff, day, proposal(eff, 1))
	require.NoError(t, err)
	require.True(t, won)

	// Berlin midnight is 23:00 UTC; the pin lasts until 00:00 UTC.
	now = time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)
	_, ok, _ := tr.Current(ctx, eff.Scope, day)
	assert.True(t, ok)

	now = time.Date(2024, 1, 2, 0, 1, 0, 0, time.UTC)
	_, ok, _ = tr.Current(ctx, eff.Scope, day)
	assert.False(t, ok)
}

func TestAdvance_GivesUpWhenWinnerKeepsVanishing(t *testing.T) {
	store := &vanishingStore{}
	tr := New(store, nil)
	eff := effective(t)

	_, _, err := tr.Advance(context.Background(), eff, day, proposal(eff, 1))
	assert.ErrorIs(t, err, domain.ErrConditionFailed)
	assert.Equal(t, maxRounds, store.advances)
}

func TestPin(t *testing.T) {
	tr := New(stickyrepo.New(memory.New(), "ck:"), nil)
	eff := effective(t)
	ctx := context.Background()

	st, won, err := tr.Pin(ctx, eff, day, "economy", domsticky.ReasonManual)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, 2, st.Index)
	assert.Equal(t, domsticky.ReasonManual, st.Reason)
	assert.Equal(t, "premium", string(st.PreviousLabel))

	st, won, err = tr.Pin(ctx, eff, day, "standard", domsticky.ReasonManual)
	require.NoError(t, err)
	assert.False(t, won, "pins never move backwards")
	assert.Equal(t, 2, st.Index)

	_, _, err = tr.Pin(ctx, eff, day, "gold", domsticky.ReasonManual)
	assert.ErrorIs(t, err, domain.ErrUnknownLabel)

	_, _, err = tr.Pin(ctx, eff, day, "nano", "WHIM")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
