package tenant

import (
	"errors"
	"testing"
	"time"

	"github.com/kailas-cloud/costkeeper/internal/domain"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
)

func boolPtr(b bool) *bool { return &b }

func baseOrg() Org {
	return Org{
		ID:       "acme",
		Timezone: "UTC",
		Ordering: []string{"premium", "standard", "economy"},
		Quotas:   map[string]int64{"premium": 1000, "standard": 2000, "economy": 5000},
	}
}

func TestMerge_OrgDefaults(t *testing.T) {
	eff, err := Merge(baseOrg(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eff.Scope != scope.Org("acme") {
		t.Errorf("scope = %v", eff.Scope)
	}
	if eff.ShardCount != DefaultShardCount {
		t.Errorf("shard count = %d", eff.ShardCount)
	}
	if eff.TightThresholdBP != 9500 {
		t.Errorf("threshold bp = %d", eff.TightThresholdBP)
	}
	if !eff.FallbackEnabled {
		t.Error("fallback should default to enabled")
	}
	if eff.Quota("standard") != 2000 {
		t.Errorf("quota(standard) = %d", eff.Quota("standard"))
	}
}

func TestMerge_AppOverridesFieldByField(t *testing.T) {
	org := baseOrg()
	org.QuotaScope = QuotaScopeApp
	org.ShardCount = 16
	app := &App{
		ID:                "chat",
		Ordering:          []string{"standard", "economy"},
		Quotas:            map[string]int64{"standard": 10, "economy": 20},
		TightThresholdPct: 80,
		FallbackEnabled:   boolPtr(false),
	}

	eff, err := Merge(org, app)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eff.Scope != scope.App("acme", "chat") {
		t.Errorf("scope = %v", eff.Scope)
	}
	if eff.Ordering.Len() != 2 || eff.Ordering.At(0) != "standard" {
		t.Errorf("ordering = %v", eff.Ordering.Strings())
	}
	if _, ok := eff.Quotas["premium"]; ok {
		t.Error("org quotas must be replaced wholesale")
	}
	if eff.TightThresholdBP != 8000 {
		t.Errorf("threshold bp = %d", eff.TightThresholdBP)
	}
	if eff.FallbackEnabled {
		t.Error("fallback override ignored")
	}
	if eff.ShardCount != 16 {
		t.Errorf("shard count must come from org, got %d", eff.ShardCount)
	}
}

func TestMerge_OrgQuotaScopeIgnoresApp(t *testing.T) {
	eff, err := Merge(baseOrg(), &App{ID: "chat"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eff.Scope != scope.Org("acme") {
		t.Errorf("scope = %v, want org scope", eff.Scope)
	}
	if eff.AppID != "chat" {
		t.Errorf("app id = %q", eff.AppID)
	}
}

func TestMerge_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *Org)
		app    *App
	}{
		{"bad timezone", func(o *Org) { o.Timezone = "Mars/Olympus" }, nil},
		{"empty timezone", func(o *Org) { o.Timezone = "" }, nil},
		{"empty ordering", func(o *Org) { o.Ordering = nil }, nil},
		{"duplicate label", func(o *Org) { o.Ordering = []string{"premium", "premium"} }, nil},
		{"missing quota", func(o *Org) { delete(o.Quotas, "economy") }, nil},
		{"negative quota", func(o *Org) { o.Quotas["economy"] = -1 }, nil},
		{"shard count too big", func(o *Org) { o.ShardCount = MaxShardCount + 1 }, nil},
		{"unknown quota scope", func(o *Org) { o.QuotaScope = "TEAM" }, nil},
		{"app quota missing", func(*Org) {}, &App{
			ID:       "chat",
			Ordering: []string{"premium", "turbo"},
		}},
		{"threshold over 100", func(*Org) {}, &App{ID: "chat", TightThresholdPct: 101}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			org := baseOrg()
			tc.mutate(&org)
			_, err := Merge(org, tc.app)
			if !errors.Is(err, domain.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestEffective_TodayAndReset(t *testing.T) {
	org := baseOrg()
	org.Timezone = "Asia/Tokyo"
	eff, err := Merge(org, nil)
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	now := time.Date(2024, 5, 1, 16, 0, 0, 0, time.UTC) // 01:00 May 2 in Tokyo
	if got := eff.Today(now); got != "20240502" {
		t.Errorf("Today = %q", got)
	}
	reset := eff.NextReset(now)
	if !reset.Equal(time.Date(2024, 5, 2, 15, 0, 0, 0, time.UTC)) {
		t.Errorf("NextReset = %v", reset.UTC())
	}
}
