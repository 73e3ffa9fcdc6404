package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every collector.
const Namespace = "costkeeper"

// Quota engine Prometheus metrics.
var (
	UsageWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "usage_writes_total",
			Help:      "Usage events by write outcome",
		},
		[]string{"outcome"}, // accepted / duplicate / accepted_unguarded / dropped
	)

	UsageWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "usage_write_duration_seconds",
			Help:      "Shard write duration including retries",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	UsageCostMicrosTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "usage_cost_micros_total",
			Help:      "Accepted spend in micro-currency",
		},
		[]string{"label"},
	)

	AggregatorPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "aggregator_passes_total",
			Help:      "Aggregator passes by result",
		},
		[]string{"result"}, // ok / partial / error
	)

	AggregatorCombinationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "aggregator_combinations_total",
			Help:      "Scope, day and label combinations processed",
		},
		[]string{"result"}, // written / skipped
	)

	AggregatorPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "aggregator_pass_duration_seconds",
			Help:      "Duration of one aggregation pass",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	SelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "selections_total",
			Help:      "Model selections by mode and reason",
		},
		[]string{"mode", "reason"},
	)

	SelectionCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "selection_cache_total",
			Help:      "Recommendation cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)

	QuotaExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "quota_exhausted_total",
			Help:      "Selections that found every label exhausted",
		},
	)

	StickyAdvancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sticky_advances_total",
			Help:      "Sticky pin advances by result",
		},
		[]string{"result"}, // won / lost
	)

	PricingLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pricing_lookups_total",
			Help:      "Rate lookups by provenance",
		},
		[]string{"provenance"},
	)
)

var registerOnce sync.Once

// RegisterQuotaMetrics registers the engine collectors. Safe to call more than once.
func RegisterQuotaMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			UsageWritesTotal,
			UsageWriteDuration,
			UsageCostMicrosTotal,
			AggregatorPassesTotal,
			AggregatorCombinationsTotal,
			AggregatorPassDuration,
			SelectionsTotal,
			SelectionCacheTotal,
			QuotaExhaustedTotal,
			StickyAdvancesTotal,
			PricingLookupsTotal,
		)
	})
}
