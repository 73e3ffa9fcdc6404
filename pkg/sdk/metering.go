package costkeeper

import (
	"context"
	"fmt"
	"time"

	"github.com/kailas-cloud/costkeeper/internal/domain"
	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
	domusage "github.com/kailas-cloud/costkeeper/internal/domain/usage"
)

const (
	maxBatchSize = 100
	maxClockSkew = 5 * time.Minute
)

// RecordUsage adds one event to the day's spend. Retrying with the same
// IdempotencyKey is safe: the second call reports StatusDuplicate.
// Storage failures do not return an error; the Ack reports StatusDropped.
func (c *Client) RecordUsage(ctx context.Context, ev UsageEvent) (ack Ack, err error) {
	start := time.Now()
	defer func() { c.obs.observe("record_usage", ev.OrgID, start, err) }()

	eff, err := c.tenants.Resolve(ctx, ev.OrgID, ev.AppID)
	if err != nil {
		return Ack{}, fmt.Errorf("record usage: %w", err)
	}
	dev, priced, err := c.toEvent(ctx, eff, &ev)
	if err != nil {
		return Ack{}, err
	}
	res, err := c.writer.RecordUsage(ctx, eff, dev)
	if err != nil {
		return Ack{}, fmt.Errorf("record usage: %w", err)
	}
	return Ack{Shard: res.Shard, Status: string(res.Status), CostMicros: dev.CostMicros, Priced: priced}, nil
}

// RecordBatch records up to 100 events of one organization and app.
// Events fail independently; the returned error covers only the batch itself.
func (c *Client) RecordBatch(ctx context.Context, orgID, appID string, events []UsageEvent) (results []BatchResult, err error) {
	start := time.Now()
	defer func() { c.obs.observe("record_batch", orgID, start, err) }()

	if len(events) == 0 || len(events) > maxBatchSize {
		return nil, fmt.Errorf("%w: batch size must be between 1 and %d", domain.ErrInvalidRequest, maxBatchSize)
	}
	eff, err := c.tenants.Resolve(ctx, orgID, appID)
	if err != nil {
		return nil, fmt.Errorf("record batch: %w", err)
	}

	results = make([]BatchResult, len(events))
	valid := make([]domusage.Event, 0, len(events))
	positions := make([]int, 0, len(events))
	priced := make([]bool, len(events))
	for i := range events {
		dev, p, err := c.toEvent(ctx, eff, &events[i])
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Ack.CostMicros = dev.CostMicros
		priced[i] = p
		valid = append(valid, dev)
		positions = append(positions, i)
	}

	for j, res := range c.writer.RecordBatch(ctx, eff, valid) {
		i := positions[j]
		if res.Err != nil {
			results[i].Err = res.Err
			continue
		}
		results[i].Ack.Shard = res.Ack.Shard
		results[i].Ack.Status = string(res.Ack.Status)
		results[i].Ack.Priced = priced[i]
	}
	return results, nil
}

// toEvent validates ev and prices it when no cost was given.
func (c *Client) toEvent(ctx context.Context, eff domtenant.Effective, ev *UsageEvent) (domusage.Event, bool, error) {
	now := c.now()
	out := domusage.Event{
		Label:          label.Label(ev.Label),
		InputUnits:     ev.InputTokens,
		OutputUnits:    ev.OutputTokens,
		IdempotencyKey: ev.IdempotencyKey,
		At:             now,
	}
	if !ev.At.IsZero() {
		if ev.At.After(now.Add(maxClockSkew)) {
			return domusage.Event{}, false, fmt.Errorf("%w: event time is in the future", domain.ErrInvalidRequest)
		}
		out.At = ev.At
	}
	if ev.InputTokens < 0 || ev.OutputTokens < 0 {
		return domusage.Event{}, false, fmt.Errorf("%w: token counts must not be negative", domain.ErrInvalidRequest)
	}

	if ev.CostMicros != nil {
		out.CostMicros = *ev.CostMicros
		return out, false, nil
	}
	region := ev.Region
	if region == "" {
		region = eff.Region
	}
	cost, _, err := c.pricing.Cost(ctx, out.Label, region, ev.InputTokens, ev.OutputTokens)
	if err != nil {
		return domusage.Event{}, false, fmt.Errorf("price %s: %w", ev.Label, err)
	}
	out.CostMicros = cost
	return out, true, nil
}
