// Package pricing holds per-million-unit rates and the integer cost formula.
package pricing

import "time"

// Provenance tells where a rate came from.
type Provenance string

// Provenance values, freshest first.
const (
	ProvenanceLive   Provenance = "live"
	ProvenanceCached Provenance = "cached"
	ProvenanceStatic Provenance = "static"
)

// Rate is a price in micro-currency per one million units.
type Rate struct {
	Model            string     `json:"model"`
	InputPerMillion  int64      `json:"input_per_million"`
	OutputPerMillion int64      `json:"output_per_million"`
	Provenance       Provenance `json:"provenance"`
	Version          string     `json:"version,omitempty"`
	FetchedAt        time.Time  `json:"fetched_at"`
}

// Cost returns the integer cost of a call, rounding each component down.
func (r Rate) Cost(inputUnits, outputUnits int64) int64 {
	return inputUnits*r.InputPerMillion/1_000_000 + outputUnits*r.OutputPerMillion/1_000_000
}

// WithProvenance returns a copy tagged with p.
func (r Rate) WithProvenance(p Provenance) Rate {
	r.Provenance = p
	return r
}
