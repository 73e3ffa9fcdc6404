package total

import (
	"context"
	"testing"

	"github.com/kailas-cloud/costkeeper/internal/db/memory"
	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage"
)

func TestPutAndGet(t *testing.T) {
	repo := New(memory.New(), "ck:")
	ctx := context.Background()
	s := scope.Org("acme")

	if err := repo.PutDailyTotal(ctx, s, "20240101", "premium", usage.Totals{CostMicros: 900, Requests: 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := repo.GetDailyTotals(ctx, s, "20240101", []label.Label{"premium", "standard"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["premium"].CostMicros != 900 || got["premium"].Requests != 3 {
		t.Errorf("premium = %+v", got["premium"])
	}
	if !got["standard"].IsZero() {
		t.Errorf("standard = %+v, want zero", got["standard"])
	}
}

func TestPut_FullOverwrite(t *testing.T) {
	repo := New(memory.New(), "ck:")
	ctx := context.Background()
	s := scope.App("acme", "chat")

	_ = repo.PutDailyTotal(ctx, s, "20240101", "premium", usage.Totals{CostMicros: 900, InputUnits: 50})
	_ = repo.PutDailyTotal(ctx, s, "20240101", "premium", usage.Totals{CostMicros: 1000})

	got, _ := repo.GetDailyTotals(ctx, s, "20240101", []label.Label{"premium"})
	if got["premium"].CostMicros != 1000 || got["premium"].InputUnits != 0 {
		t.Errorf("premium = %+v", got["premium"])
	}
}

func TestGet_ScopesAreIsolated(t *testing.T) {
	repo := New(memory.New(), "ck:")
	ctx := context.Background()

	_ = repo.PutDailyTotal(ctx, scope.Org("acme"), "20240101", "premium", usage.Totals{CostMicros: 1})

	got, _ := repo.GetDailyTotals(ctx, scope.Org("globex"), "20240101", []label.Label{"premium"})
	if !got["premium"].IsZero() {
		t.Errorf("leaked total: %+v", got["premium"])
	}
}
