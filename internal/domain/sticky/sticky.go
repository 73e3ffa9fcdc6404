// Package sticky holds the per-day fallback pin of a scope.
package sticky

import (
	"time"

	"github.com/kailas-cloud/costkeeper/internal/domain/label"
)

// Reason explains why a pin exists.
type Reason string

// Pin reasons.
const (
	ReasonQuotaBreach Reason = "QUOTA_BREACH"
	ReasonManual      Reason = "MANUAL"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool { return r == ReasonQuotaBreach || r == ReasonManual }

// State is the pinned position in the fallback chain. Index only grows within a day.
type State struct {
	Label         label.Label
	Index         int
	Reason        Reason
	PreviousLabel label.Label
	ActivatedAt   time.Time
}

// Beyond reports whether s is strictly deeper in the chain than other.
func (s State) Beyond(other State) bool { return s.Index > other.Index }
