package budget

// Budget is the daily quota state of one label.
type Budget struct {
	label     string
	limit     int64
	consumed  int64
	ratioBP   int64
	exhausted bool
	resetsAt  int64 // unix millis, converted to RFC 3339 at transport layer
}

// New creates a Budget snapshot. A zero limit is exhausted from the start.
func New(label string, limit, consumed int64, resetsAt int64) Budget {
	return Budget{
		label:     label,
		limit:     limit,
		consumed:  consumed,
		ratioBP:   RatioBP(consumed, limit),
		exhausted: consumed >= limit,
		resetsAt:  resetsAt,
	}
}

// RatioBP returns consumed/limit in basis points, capped to avoid overflow noise.
func RatioBP(consumed, limit int64) int64 {
	if limit <= 0 {
		return 10000
	}
	if consumed <= 0 {
		return 0
	}
	const maxBP = 1_000_000
	if consumed >= limit*(maxBP/10000) {
		return maxBP
	}
	return consumed * 10000 / limit
}

// AtOrAbove reports consumed/limit >= bp/10000 without rounding.
func AtOrAbove(consumed, limit, bp int64) bool {
	if limit <= 0 {
		return true
	}
	return consumed*10000 >= bp*limit
}

// Label returns the label name.
func (b Budget) Label() string { return b.label }

// Limit returns the daily ceiling.
func (b Budget) Limit() int64 { return b.limit }

// Consumed returns the aggregated spend.
func (b Budget) Consumed() int64 { return b.consumed }

// Remaining returns what is left, never negative.
func (b Budget) Remaining() int64 {
	if b.consumed >= b.limit {
		return 0
	}
	return b.limit - b.consumed
}

// RatioBP returns consumption in basis points of the limit.
func (b Budget) RatioBP() int64 { return b.ratioBP }

// Percent returns consumption as a percentage.
func (b Budget) Percent() float64 { return float64(b.ratioBP) / 100 }

// IsExhausted reports whether the label reached its limit.
func (b Budget) IsExhausted() bool { return b.exhausted }

// ResetsAt returns the reset timestamp (unix millis).
func (b Budget) ResetsAt() int64 { return b.resetsAt }
