package db

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds retries of a storage call.
type RetryPolicy struct {
	Attempts uint64
	Base     time.Duration
	Cap      time.Duration
}

// DefaultRetryPolicy is three attempts with exponential backoff from 10ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Base: 10 * time.Millisecond, Cap: 200 * time.Millisecond}

// Retry runs fn until it succeeds, returns a non-transient error, attempts
// run out, or ctx is done. The last error is returned unwrapped.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	if p.Attempts == 0 {
		p.Attempts = 1
	}
	if p.Base <= 0 {
		p.Base = DefaultRetryPolicy.Base
	}
	b := retry.NewExponential(p.Base)
	if p.Cap > 0 {
		b = retry.WithCappedDuration(p.Cap, b)
	}
	b = retry.WithJitterPercent(20, b)
	b = retry.WithMaxRetries(p.Attempts-1, b)

	return retry.Do(ctx, b, func(ctx context.Context) error { //nolint:wrapcheck // caller wraps
		err := fn(ctx)
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
