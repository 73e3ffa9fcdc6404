package costkeeper

import (
	"time"

	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	dompricing "github.com/kailas-cloud/costkeeper/internal/domain/pricing"
	domselection "github.com/kailas-cloud/costkeeper/internal/domain/selection"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
	domusage "github.com/kailas-cloud/costkeeper/internal/domain/usage"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage/budget"
)

// QuotaScope decides whether apps share their organization's budget.
type QuotaScope string

// QuotaScope constants.
const (
	// ScopeOrg accounts every app against one organization budget.
	ScopeOrg QuotaScope = "ORG"
	// ScopeApp gives each app its own budget.
	ScopeApp QuotaScope = "APP"
)

// Org is an organization's quota configuration. Quotas are in
// micro-currency per local day and are keyed by label.
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

// App overrides its organization's ordering, quotas or thresholds.
type App struct {
	ID                string
	OrgID             string
	TightThresholdPct int
	FallbackEnabled   *bool
	Ordering          []string
	Quotas            map[string]int64
}

// ModelRate is a price in micro-currency per one million tokens.
type ModelRate struct {
	Model            string
	InputPerMillion  int64
	OutputPerMillion int64
	// Source is "live", "cached" or "static"; set on returned rates only.
	Source  string
	Version string
}

// UsageEvent is one completed model call. When CostMicros is nil the cost
// is computed from the label's current rate.
type UsageEvent struct {
	OrgID          string
	AppID          string
	Label          string
	IdempotencyKey string
	InputTokens    int64
	OutputTokens   int64
	CostMicros     *int64
	Region         string
	At             time.Time
}

// Micros returns a pointer to v for UsageEvent.CostMicros.
func Micros(v int64) *int64 { return &v }

// Outcome values reported in Ack.Status.
const (
	StatusAccepted          = string(domusage.OutcomeApplied)
	StatusDuplicate         = string(domusage.OutcomeDuplicate)
	StatusAcceptedUnguarded = string(domusage.OutcomeUnguarded)
	StatusDropped           = string(domusage.OutcomeDropped)
)

// Ack reports where an event landed. A dropped event was not counted.
type Ack struct {
	Shard      int
	Status     string
	CostMicros int64
	Priced     bool
}

// BatchResult is one entry of RecordBatch, in input order.
type BatchResult struct {
	Ack Ack
	Err error
}

// LabelStatus is the day's spend of one label against its quota.
type LabelStatus struct {
	Label           string
	SpendMicros     int64
	QuotaMicros     int64
	RemainingMicros int64
	Percent         float64
	Tight           bool
	Exhausted       bool
}

// Recommendation tells the caller which label to use and when to ask again.
type Recommendation struct {
	Scope     string
	Day       string
	Label     string
	Mode      string // "NORMAL" or "TIGHT"
	Reason    string
	NextCheck time.Duration
	Sticky    bool
	// Stale is set when storage was unreachable and a previous answer was reused.
	Stale     bool
	Rate      ModelRate
	Labels    []LabelStatus
	ResetsAt  time.Time
	DecidedAt time.Time
}

// UsageReport is the day's consumption of one scope.
type UsageReport struct {
	Scope        string
	Day          string
	DayStart     time.Time
	DayEnd       time.Time
	Labels       []LabelStatus
	CostMicros   int64
	InputTokens  int64
	OutputTokens int64
	Requests     int64
	StickyLabel  string
	UpdatedAt    time.Time
}

// AggregateStats summarizes one aggregation pass.
type AggregateStats struct {
	Combinations int
	Written      int
	Skipped      int
}

func orgsToDomain(orgs []Org) []domtenant.Org {
	out := make([]domtenant.Org, len(orgs))
	for i, o := range orgs {
		out[i] = domtenant.Org{
			ID:                o.ID,
			Timezone:          o.Timezone,
			QuotaScope:        domtenant.QuotaScope(o.QuotaScope),
			ShardCount:        o.ShardCount,
			TightThresholdPct: o.TightThresholdPct,
			FallbackEnabled:   o.FallbackEnabled,
			Region:            o.Region,
			Ordering:          o.Ordering,
			Quotas:            o.Quotas,
		}
	}
	return out
}

func appsToDomain(apps []App) []domtenant.App {
	out := make([]domtenant.App, len(apps))
	for i, a := range apps {
		out[i] = domtenant.App{
			ID:                a.ID,
			OrgID:             a.OrgID,
			TightThresholdPct: a.TightThresholdPct,
			FallbackEnabled:   a.FallbackEnabled,
			Ordering:          a.Ordering,
			Quotas:            a.Quotas,
		}
	}
	return out
}

func ratesToDomain(rates map[string]ModelRate) map[label.Label]dompricing.Rate {
	out := make(map[label.Label]dompricing.Rate, len(rates))
	for l, r := range rates {
		out[label.Label(l)] = dompricing.Rate{
			Model:            r.Model,
			InputPerMillion:  r.InputPerMillion,
			OutputPerMillion: r.OutputPerMillion,
			Version:          r.Version,
		}
	}
	return out
}

func rateFromDomain(r dompricing.Rate) ModelRate {
	return ModelRate{
		Model:            r.Model,
		InputPerMillion:  r.InputPerMillion,
		OutputPerMillion: r.OutputPerMillion,
		Source:           string(r.Provenance),
		Version:          r.Version,
	}
}

func labelsFromDomain(budgets []budget.Budget, tightBP int64) []LabelStatus {
	out := make([]LabelStatus, len(budgets))
	for i, b := range budgets {
		out[i] = LabelStatus{
			Label:           b.Label(),
			SpendMicros:     b.Consumed(),
			QuotaMicros:     b.Limit(),
			RemainingMicros: b.Remaining(),
			Percent:         b.Percent(),
			Tight:           !b.IsExhausted() && budget.AtOrAbove(b.Consumed(), b.Limit(), tightBP),
			Exhausted:       b.IsExhausted(),
		}
	}
	return out
}

func recommendationFromDomain(rec *domselection.Recommendation, tightBP int64) Recommendation {
	return Recommendation{
		Scope:     rec.Scope.Key(),
		Day:       string(rec.Day),
		Label:     string(rec.Label),
		Mode:      string(rec.Mode),
		Reason:    string(rec.Reason),
		NextCheck: rec.NextCheck,
		Sticky:    rec.Sticky,
		Stale:     rec.Stale,
		Rate:      rateFromDomain(rec.Rate),
		Labels:    labelsFromDomain(rec.Statuses, tightBP),
		ResetsAt:  rec.ResetsAt,
		DecidedAt: rec.DecidedAt,
	}
}

func reportFromDomain(r *domusage.Report, tightBP int64) UsageReport {
	t := r.Totals()
	return UsageReport{
		Scope:        r.Scope().Key(),
		Day:          string(r.Day()),
		DayStart:     time.UnixMilli(r.DayStart()).UTC(),
		DayEnd:       time.UnixMilli(r.DayEnd()).UTC(),
		Labels:       labelsFromDomain(r.Labels(), tightBP),
		CostMicros:   t.CostMicros,
		InputTokens:  t.InputUnits,
		OutputTokens: t.OutputUnits,
		Requests:     t.Requests,
		StickyLabel:  string(r.StickyLabel()),
		UpdatedAt:    t.UpdatedAt,
	}
}
