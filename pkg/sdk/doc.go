// Package costkeeper embeds the quota accounting engine in a Go process.
//
// The client records the cost of completed model calls against per-day
// quotas and recommends which model label to call next. Counters live in
// Valkey, Redis or PostgreSQL so several processes can share one budget.
//
//	client, _ := costkeeper.New(ctx,
//	    costkeeper.WithValkey("localhost:6379", ""),
//	    costkeeper.WithTenants([]costkeeper.Org{{
//	        ID:       "acme",
//	        Timezone: "Europe/Berlin",
//	        Ordering: []string{"premium", "standard"},
//	        Quotas:   map[string]int64{"premium": 50_000_000, "standard": 20_000_000},
//	    }}, nil),
//	    costkeeper.WithAggregator(time.Second),
//	)
//	defer client.Close()
//
//	rec, err := client.SelectModel(ctx, "acme", "")
//	if errors.Is(err, costkeeper.ErrQuotaExhausted) {
//	    // every label is spent until the next local midnight
//	}
//	_, _ = client.RecordUsage(ctx, costkeeper.UsageEvent{
//	    OrgID:          "acme",
//	    Label:          rec.Label,
//	    IdempotencyKey: requestID,
//	    CostMicros:     costkeeper.Micros(1200),
//	})
package costkeeper
