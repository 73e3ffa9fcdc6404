// Package selection describes a model recommendation.
package selection

import (
	"time"

	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	"github.com/kailas-cloud/costkeeper/internal/domain/pricing"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage/budget"
)

// Mode tells the client how close the recommended label is to its quota.
type Mode string

// Modes.
const (
	ModeNormal Mode = "NORMAL"
	ModeTight  Mode = "TIGHT"
)

// Reason explains how the label was chosen.
type Reason string

// Reasons.
const (
	// ReasonPrimary means the first label under threshold was chosen.
	ReasonPrimary Reason = "PRIMARY"
	// ReasonStickyFallback means evaluation started at a pinned label.
	ReasonStickyFallback Reason = "STICKY_FALLBACK"
	// ReasonQuotaFallback means this call moved the pin deeper.
	ReasonQuotaFallback Reason = "QUOTA_FALLBACK"
	// ReasonLastKnownGood means storage was unavailable and a previous answer was reused.
	ReasonLastKnownGood Reason = "LAST_KNOWN_GOOD"
	// ReasonKeepCurrent means storage was unavailable and nothing was known.
	ReasonKeepCurrent Reason = "KEEP_CURRENT"
)

// Recommendation is the advisory answer returned to a client.
type Recommendation struct {
	Scope     scope.Scope
	Day       scope.Day
	Label     label.Label
	Index     int
	Mode      Mode
	Reason    Reason
	NextCheck time.Duration
	Sticky    bool
	Stale     bool
	Rate      pricing.Rate
	Statuses  []budget.Budget
	ResetsAt  time.Time
	DecidedAt time.Time
}
