// Package tenant resolves organization and application settings into one effective view.
package tenant

import (
	"fmt"
	"time"

	"github.com/kailas-cloud/costkeeper/internal/domain"
	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
)

// QuotaScope decides whether applications share the organization's counters.
type QuotaScope string

// Quota scope values.
const (
	QuotaScopeOrg QuotaScope = "ORG"
	QuotaScopeApp QuotaScope = "APP"
)

// Defaults applied when a field is left empty.
const (
	DefaultShardCount        = 8
	DefaultTightThresholdPct = 95
	MaxShardCount            = 1024
)

// Org is the organization-level configuration record.
type Org struct {
	ID                string
	Timezone          string
	QuotaScope        QuotaScope
	ShardCount        int
	TightThresholdPct int
	FallbackEnabled   *bool
	Region            string
	Ordering          []string
	Quotas            map[string]int64
}

// App is an application override record. Zero values inherit from the org.
type App struct {
	ID                string
	OrgID             string
	TightThresholdPct int
	FallbackEnabled   *bool
	Ordering          []string
	Quotas            map[string]int64
}

// Effective is the fully resolved configuration used for one request.
type Effective struct {
	Scope            scope.Scope
	OrgID            string
	AppID            string
	Location         *time.Location
	Ordering         label.Ordering
	Quotas           map[label.Label]int64
	ShardCount       int
	TightThresholdBP int64
	FallbackEnabled  bool
	Region           string
}

// Today returns the local calendar day of now.
func (e Effective) Today(now time.Time) scope.Day { return scope.DayIn(now, e.Location) }

// NextReset returns the next local midnight after now.
func (e Effective) NextReset(now time.Time) time.Time { return scope.NextMidnight(now, e.Location) }

// Quota returns the daily ceiling for l, zero if absent.
func (e Effective) Quota(l label.Label) int64 { return e.Quotas[l] }

// Merge applies app overrides on top of org. Timezone, quota scope and shard
// count always come from the org. Ordering and quotas are replaced wholesale.
func Merge(org Org, app *App) (Effective, error) {
	subject := "org " + org.ID
	if app != nil {
		subject += " app " + app.ID
	}
	fail := func(format string, args ...any) (Effective, error) {
		return Effective{}, domain.NewConfigError(subject,
			fmt.Errorf("%w: %s", domain.ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	if !scope.ValidID(org.ID) {
		return fail("invalid org id %q", org.ID)
	}
	loc, err := time.LoadLocation(org.Timezone)
	if err != nil || org.Timezone == "" {
		return fail("invalid timezone %q", org.Timezone)
	}

	eff := Effective{
		OrgID:            org.ID,
		Location:         loc,
		ShardCount:       org.ShardCount,
		TightThresholdBP: int64(org.TightThresholdPct) * 100,
		FallbackEnabled:  org.FallbackEnabled == nil || *org.FallbackEnabled,
		Region:           org.Region,
	}
	if eff.ShardCount == 0 {
		eff.ShardCount = DefaultShardCount
	}
	if eff.ShardCount < 1 || eff.ShardCount > MaxShardCount {
		return fail("shard_count must be between 1 and %d, got %d", MaxShardCount, eff.ShardCount)
	}
	if eff.TightThresholdBP == 0 {
		eff.TightThresholdBP = DefaultTightThresholdPct * 100
	}

	orderingRaw, quotasRaw := org.Ordering, org.Quotas
	if app != nil {
		if !scope.ValidID(app.ID) {
			return fail("invalid app id %q", app.ID)
		}
		eff.AppID = app.ID
		if len(app.Ordering) > 0 {
			orderingRaw = app.Ordering
		}
		if len(app.Quotas) > 0 {
			quotasRaw = app.Quotas
		}
		if app.TightThresholdPct != 0 {
			eff.TightThresholdBP = int64(app.TightThresholdPct) * 100
		}
		if app.FallbackEnabled != nil {
			eff.FallbackEnabled = *app.FallbackEnabled
		}
	}
	if eff.TightThresholdBP < 1 || eff.TightThresholdBP > 10000 {
		return fail("tight threshold must be between 1 and 100 percent")
	}

	switch org.QuotaScope {
	case QuotaScopeApp:
		if app != nil {
			eff.Scope = scope.App(org.ID, app.ID)
		} else {
			eff.Scope = scope.Org(org.ID)
		}
	case QuotaScopeOrg, "":
		eff.Scope = scope.Org(org.ID)
	default:
		return fail("unknown quota_scope %q", org.QuotaScope)
	}

	ordering, err := label.NewOrdering(orderingRaw...)
	if err != nil {
		return fail("%v", err)
	}
	eff.Ordering = ordering

	eff.Quotas = make(map[label.Label]int64, len(quotasRaw))
	for _, l := range ordering.Labels() {
		if !scope.ValidID(string(l)) {
			return fail("invalid label %q", l)
		}
		q, ok := quotasRaw[string(l)]
		if !ok {
			return fail("no quota for label %q", l)
		}
		if q < 0 {
			return fail("negative quota for label %q", l)
		}
		eff.Quotas[l] = q
	}

	return eff, nil
}
