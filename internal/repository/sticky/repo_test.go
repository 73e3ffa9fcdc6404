package sticky

import (
	"context"
	"testing"
	"time"

	"github.com/kailas-cloud/costkeeper/internal/db/memory"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domsticky "github.com/kailas-cloud/costkeeper/internal/domain/sticky"
)

func TestGetSticky_Missing(t *testing.T) {
	repo := New(memory.New(), "ck:")
	_, ok, err := repo.GetSticky(context.Background(), scope.Org("acme"), "20240101")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected no pin")
	}
}

func TestAdvanceSticky_ForwardOnly(t *testing.T) {
	repo := New(memory.New(), "ck:")
	ctx := context.Background()
	s := scope.Org("acme")
	at := time.UnixMilli(1704067200000).UTC()
	expire := at.Add(25 * time.Hour)

	won, err := repo.AdvanceSticky(ctx, s, "20240101", domsticky.State{
		Label: "standard", Index: 1, Reason: domsticky.ReasonQuotaBreach, PreviousLabel: "premium", ActivatedAt: at,
	}, expire)
	if err != nil || !won {
		t.Fatalf("first advance: won=%v err=%v", won, err)
	}

	won, err = repo.AdvanceSticky(ctx, s, "20240101", domsticky.State{Label: "standard", Index: 1}, expire)
	if err != nil || won {
		t.Fatalf("equal index: won=%v err=%v", won, err)
	}

	st, ok, err := repo.GetSticky(ctx, s, "20240101")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	want := domsticky.State{
		Label: "standard", Index: 1, Reason: domsticky.ReasonQuotaBreach, PreviousLabel: "premium", ActivatedAt: at,
	}
	if st != want {
		t.Errorf("state = %+v, want %+v", st, want)
	}

	won, _ = repo.AdvanceSticky(ctx, s, "20240101", domsticky.State{Label: "economy", Index: 2, ActivatedAt: at}, expire)
	if !won {
		t.Fatal("deeper index should win")
	}
	st, _, _ = repo.GetSticky(ctx, s, "20240101")
	if st.Label != "economy" || st.Index != 2 {
		t.Errorf("state = %+v", st)
	}
}

func TestSticky_ExpiresAfterDay(t *testing.T) {
	now := time.Unix(1704067200, 0)
	clock := func() time.Time { return now }
	repo := New(memory.New(memory.WithClock(clock)), "ck:")
	ctx := context.Background()
	s := scope.Org("acme")

	_, _ = repo.AdvanceSticky(ctx, s, "20240101", domsticky.State{Label: "standard", Index: 1, ActivatedAt: now}, now.Add(time.Hour))

	now = now.Add(2 * time.Hour)
	if _, ok, _ := repo.GetSticky(ctx, s, "20240101"); ok {
		t.Error("pin should have expired")
	}
}
