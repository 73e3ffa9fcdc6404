package usage

import (
	"fmt"
	"strings"
	"time"

	"github.com/kailas-cloud/costkeeper/internal/domain"
	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage/budget"
)

// MaxIdempotencyKeyLen bounds the dedup key stored per event.
const MaxIdempotencyKeyLen = 256

// MaxEventAge bounds how late an event may be recorded. Older events are
// rejected because their day may already have left the aggregation window.
const MaxEventAge = 24 * time.Hour

// AggregationDays lists the days whose counters can still change at now.
// An accepted event is at most MaxEventAge old, and its local day is at most
// 14h from its UTC day, so the window runs from the UTC day of
// now-MaxEventAge-24h to the UTC day of now+24h.
func AggregationDays(now time.Time) []scope.Day {
	now = now.UTC()
	first := now.Add(-MaxEventAge - 24*time.Hour)
	last := scope.DayIn(now.Add(24*time.Hour), time.UTC)
	var days []scope.Day
	for t := first; ; t = t.Add(24 * time.Hour) {
		d := scope.DayIn(t, time.UTC)
		days = append(days, d)
		if d >= last {
			return days
		}
	}
}

// Totals are the four additive counters of one shard or one daily total.
type Totals struct {
	CostMicros  int64
	InputUnits  int64
	OutputUnits int64
	Requests    int64
	UpdatedAt   time.Time
}

// Add returns the field-wise sum. UpdatedAt is the later of the two.
func (t Totals) Add(o Totals) Totals {
	out := Totals{
		CostMicros:  t.CostMicros + o.CostMicros,
		InputUnits:  t.InputUnits + o.InputUnits,
		OutputUnits: t.OutputUnits + o.OutputUnits,
		Requests:    t.Requests + o.Requests,
		UpdatedAt:   t.UpdatedAt,
	}
	if o.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = o.UpdatedAt
	}
	return out
}

// IsZero reports whether nothing has been counted.
func (t Totals) IsZero() bool {
	return t.CostMicros == 0 && t.InputUnits == 0 && t.OutputUnits == 0 && t.Requests == 0
}

// Event is one completed billable call.
type Event struct {
	Scope          scope.Scope
	Day            scope.Day
	Label          label.Label
	InputUnits     int64
	OutputUnits    int64
	CostMicros     int64
	IdempotencyKey string
	At             time.Time
}

// Validate checks amounts and the idempotency key.
func (e *Event) Validate() error {
	if e.Scope.IsZero() {
		return fmt.Errorf("%w: scope is required", domain.ErrInvalidRequest)
	}
	if e.Day == "" {
		return fmt.Errorf("%w: day is required", domain.ErrInvalidRequest)
	}
	if e.InputUnits < 0 || e.OutputUnits < 0 || e.CostMicros < 0 {
		return fmt.Errorf("%w: amounts must not be negative", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key is required", domain.ErrInvalidRequest)
	}
	if len(e.IdempotencyKey) > MaxIdempotencyKeyLen {
		return fmt.Errorf("%w: idempotency key longer than %d bytes", domain.ErrInvalidRequest, MaxIdempotencyKeyLen)
	}
	return nil
}

// Delta returns the counters this event contributes.
func (e *Event) Delta() Totals {
	return Totals{
		CostMicros:  e.CostMicros,
		InputUnits:  e.InputUnits,
		OutputUnits: e.OutputUnits,
		Requests:    1,
		UpdatedAt:   e.At,
	}
}

// Outcome is the result of one shard add.
type Outcome string

// Outcome values.
const (
	// OutcomeApplied means the add was applied and the key recorded.
	OutcomeApplied Outcome = "accepted"
	// OutcomeDuplicate means the key was already recorded and nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUnguarded means the add was applied but the dedup set was full.
	OutcomeUnguarded Outcome = "accepted_unguarded"
	// OutcomeDropped means retries were exhausted and the event was discarded.
	OutcomeDropped Outcome = "dropped"
)

// ShardKey addresses one counter.
type ShardKey struct {
	Scope scope.Scope
	Day   scope.Day
	Label label.Label
	Shard int
}

// ActiveEntry records that a (scope, label) pair had writes on a day.
type ActiveEntry struct {
	Scope  scope.Scope
	Label  label.Label
	Shards int
}

// Report is the daily per-label consumption view of one scope.
type Report struct {
	scope    scope.Scope
	day      scope.Day
	dayStart int64
	dayEnd   int64
	labels   []budget.Budget
	totals   Totals
	sticky   label.Label
}

// NewReport creates a daily usage report.
func NewReport(s scope.Scope, day scope.Day, start, end int64, labels []budget.Budget, t Totals, sticky label.Label) Report {
	return Report{
		scope:    s,
		day:      day,
		dayStart: start,
		dayEnd:   end,
		labels:   labels,
		totals:   t,
		sticky:   sticky,
	}
}

// Scope returns the accounting scope.
func (r *Report) Scope() scope.Scope { return r.scope }

// Day returns the local day.
func (r *Report) Day() scope.Day { return r.day }

// DayStart returns local midnight at the start of the day (unix millis).
func (r *Report) DayStart() int64 { return r.dayStart }

// DayEnd returns local midnight at the end of the day (unix millis).
func (r *Report) DayEnd() int64 { return r.dayEnd }

// Labels returns the per-label quota status in ordering order.
func (r *Report) Labels() []budget.Budget { return r.labels }

// Totals returns the sum over all labels.
func (r *Report) Totals() Totals { return r.totals }

// StickyLabel returns the pinned label, empty if none.
func (r *Report) StickyLabel() label.Label { return r.sticky }
