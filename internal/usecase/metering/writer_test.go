package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kailas-cloud/costkeeper/internal/db"
	"github.com/kailas-cloud/costkeeper/internal/db/memory"
	"github.com/kailas-cloud/costkeeper/internal/domain"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage"
	"github.com/kailas-cloud/costkeeper/internal/repository/shard"
)

func effective(t *testing.T, shards int) domtenant.Effective {
	t.Helper()
	eff, err := domtenant.Merge(domtenant.Org{
		ID:         "acme",
		Timezone:   "UTC",
		ShardCount: shards,
		Ordering:   []string{"premium", "standard"},
		Quotas:     map[string]int64{"premium": 1000, "standard": 10000},
	}, nil)
	require.NoError(t, err)
	return eff
}

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newWriter(store ShardStore) *Writer {
	return New(store, nil).WithClock(func() time.Time { return testNow })
}

func event(key string, cost int64) usage.Event {
	return usage.Event{
		Label:          "premium",
		InputUnits:     10,
		OutputUnits:    5,
		CostMicros:     cost,
		IdempotencyKey: key,
		At:             time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}
}

func sumShards(t *testing.T, repo *shard.Repo, shards int) usage.Totals {
	t.Helper()
	all, err := repo.ReadShards(context.Background(), scope.Org("acme"), "20240101", "premium", shards)
	require.NoError(t, err)
	var sum usage.Totals
	for _, s := range all {
		sum = sum.Add(s)
	}
	return sum
}

func TestShardFor_StableAndInRange(t *testing.T) {
	assert.Equal(t, ShardFor("req-1", 8), ShardFor("req-1", 8))
	assert.Equal(t, 0, ShardFor("anything", 1))
	for i := range 1000 {
		s := ShardFor(fmt.Sprintf("k-%d", i), 8)
		assert.True(t, s >= 0 && s < 8)
	}
}

func TestShardFor_Distribution(t *testing.T) {
	const n, shards = 80000, 8
	counts := make([]int, shards)
	for i := range n {
		counts[ShardFor(fmt.Sprintf("evt-%d", i), shards)]++
	}
	mean := n / shards
	for i, c := range counts {
		assert.InDelta(t, mean, c, float64(mean)/10, "shard %d", i)
	}
}

func TestRecordUsage_Idempotent(t *testing.T) {
	repo := shard.New(memory.New(), "ck:")
	w := newWriter(repo)
	eff := effective(t, 8)
	ctx := context.Background()

	ack, err := w.RecordUsage(ctx, eff, event("req-1", 100))
	require.NoError(t, err)
	assert.Equal(t, usage.OutcomeApplied, ack.Status)
	assert.Equal(t, ShardFor("req-1", 8), ack.Shard)

	ack, err = w.RecordUsage(ctx, eff, event("req-1", 100))
	require.NoError(t, err)
	assert.Equal(t, usage.OutcomeDuplicate, ack.Status)

	sum := sumShards(t, repo, 8)
	assert.Equal(t, int64(100), sum.CostMicros)
	assert.Equal(t, int64(1), sum.Requests)
	assert.Equal(t, int64(10), sum.InputUnits)
}

func TestRecordUsage_ConcurrentAdds(t *testing.T) {
	repo := shard.New(memory.New(), "ck:")
	w := newWriter(repo)
	eff := effective(t, 8)

	const writers, perWriter = 16, 50
	var wg sync.WaitGroup
	for g := range writers {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range perWriter {
				_, err := w.RecordUsage(context.Background(), eff, event(fmt.Sprintf("g%d-%d", g, i), 3))
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	sum := sumShards(t, repo, 8)
	assert.Equal(t, int64(writers*perWriter*3), sum.CostMicros)
	assert.Equal(t, int64(writers*perWriter), sum.Requests)
}

func TestRecordUsage_RegistersActive(t *testing.T) {
	repo := shard.New(memory.New(), "ck:")
	w := newWriter(repo)
	eff := effective(t, 4)

	_, err := w.RecordUsage(context.Background(), eff, event("req-1", 1))
	require.NoError(t, err)

	entries, err := repo.ListActive(context.Background(), "20240101")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, usage.ActiveEntry{Scope: scope.Org("acme"), Label: "premium", Shards: 4}, entries[0])
}

func TestRecordUsage_Validation(t *testing.T) {
	w := newWriter(shard.New(memory.New(), "ck:"))
	eff := effective(t, 8)
	ctx := context.Background()

	bad := event("req-1", -1)
	_, err := w.RecordUsage(ctx, eff, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = w.RecordUsage(ctx, eff, event("", 1))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	unknown := event("req-2", 1)
	unknown.Label = "gold"
	_, err = w.RecordUsage(ctx, eff, unknown)
	assert.ErrorIs(t, err, domain.ErrUnknownLabel)
	var ce *domain.ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestRecordUsage_DropsAfterRetries(t *testing.T) {
	store := memory.New()
	store.FailWith(errors.New("connection refused"))
	w := newWriter(shard.New(store, "ck:")).
		WithRetryPolicy(db.RetryPolicy{Attempts: 2, Base: time.Millisecond})

	ack, err := w.RecordUsage(context.Background(), effective(t, 8), event("req-1", 5))
	require.NoError(t, err)
	assert.Equal(t, usage.OutcomeDropped, ack.Status)

	store.FailWith(nil)
	ack, err = w.RecordUsage(context.Background(), effective(t, 8), event("req-1", 5))
	require.NoError(t, err)
	assert.Equal(t, usage.OutcomeApplied, ack.Status, "dropped event was never recorded")
}

func TestRecordUsage_DedupLimitDegrades(t *testing.T) {
	repo := shard.New(memory.New(), "ck:")
	w := newWriter(repo).WithDedupLimit(1)
	eff := effective(t, 1)
	ctx := context.Background()

	ack, _ := w.RecordUsage(ctx, eff, event("a", 1))
	assert.Equal(t, usage.OutcomeApplied, ack.Status)
	ack, _ = w.RecordUsage(ctx, eff, event("b", 1))
	assert.Equal(t, usage.OutcomeUnguarded, ack.Status)
	ack, _ = w.RecordUsage(ctx, eff, event("b", 1))
	assert.Equal(t, usage.OutcomeUnguarded, ack.Status, "unrecorded key applies again")

	assert.Equal(t, int64(3), sumShards(t, repo, 1).CostMicros)
}

func TestRecordBatch_KeepsOrder(t *testing.T) {
	repo := shard.New(memory.New(), "ck:")
	w := newWriter(repo)
	eff := effective(t, 8)

	bad := event("x", 1)
	bad.Label = "gold"
	results := w.RecordBatch(context.Background(), eff, []usage.Event{
		event("a", 1), bad, event("a", 1), event("c", 1),
	})
	require.Len(t, results, 4)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, domain.ErrUnknownLabel)
	assert.NoError(t, results[3].Err)

	statuses := []usage.Outcome{results[0].Ack.Status, results[2].Ack.Status}
	assert.ElementsMatch(t, []usage.Outcome{usage.OutcomeApplied, usage.OutcomeDuplicate}, statuses)
	assert.Equal(t, int64(2), sumShards(t, repo, 8).Requests)
}

func TestForgetBefore(t *testing.T) {
	w := newWriter(shard.New(memory.New(), "ck:"))
	w.registered.Store("20240101|ORG#acme|premium", struct{}{})
	w.registered.Store("20240103|ORG#acme|premium", struct{}{})

	w.ForgetBefore("20240102")

	_, old := w.registered.Load("20240101|ORG#acme|premium")
	_, cur := w.registered.Load("20240103|ORG#acme|premium")
	assert.False(t, old)
	assert.True(t, cur)
}

func TestRecordUsage_RejectsLateEvents(t *testing.T) {
	repo := shard.New(memory.New(), "ck:")
	w := newWriter(repo)
	eff := effective(t, 4)
	ctx := context.Background()

	late := event("late", 77)
	late.At = testNow.Add(-72 * time.Hour)
	_, err := w.RecordUsage(ctx, eff, late)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	entries, err := repo.ListActive(ctx, "20231229")
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected event must not reach the active index")

	// Inside the window the event lands on its own day.
	recent := event("recent", 5)
	recent.At = testNow.Add(-20 * time.Hour)
	ack, err := w.RecordUsage(ctx, eff, recent)
	require.NoError(t, err)
	assert.Equal(t, usage.OutcomeApplied, ack.Status)
	entries, err = repo.ListActive(ctx, "20231231")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// lostAckStore applies the first add but reports a timeout, like a reply
// lost on the wire.
type lostAckStore struct {
	ShardStore
	calls int
}

func (s *lostAckStore) AddToShard(
	ctx context.Context, k usage.ShardKey, delta usage.Totals, key string, limit int,
) (usage.Outcome, error) {
	s.calls++
	out, err := s.ShardStore.AddToShard(ctx, k, delta, key, limit)
	if s.calls == 1 && err == nil {
		return "", &db.Error{Op: db.OpCounterAdd, Err: errors.New("i/o timeout")}
	}
	return out, err
}

func TestRecordUsage_RetryAfterLostReplyIsAccepted(t *testing.T) {
	repo := shard.New(memory.New(), "ck:")
	store := &lostAckStore{ShardStore: repo}
	w := newWriter(store).WithRetryPolicy(db.RetryPolicy{Attempts: 3, Base: time.Millisecond})

	ack, err := w.RecordUsage(context.Background(), effective(t, 8), event("req-1", 40))
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
	assert.Equal(t, usage.OutcomeApplied, ack.Status)
	assert.Equal(t, int64(40), sumShards(t, repo, 8).CostMicros)

	// A later resubmission is still a duplicate.
	ack, err = w.RecordUsage(context.Background(), effective(t, 8), event("req-1", 40))
	require.NoError(t, err)
	assert.Equal(t, usage.OutcomeDuplicate, ack.Status)
}
