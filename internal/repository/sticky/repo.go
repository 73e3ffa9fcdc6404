// Package sticky stores the per-day fallback pin behind a forward-only conditional write.
package sticky

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kailas-cloud/costkeeper/internal/db"
	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domsticky "github.com/kailas-cloud/costkeeper/internal/domain/sticky"
)

const (
	fieldLabel       = "label"
	fieldIndex       = "index"
	fieldReason      = "reason"
	fieldPrevious    = "previous_label"
	fieldActivatedAt = "activated_at"
)

// store is the consumer interface for sticky persistence (ISP).
type store interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSetIfGreater(ctx context.Context, w *db.GuardedWrite) (bool, error)
}

// Repo persists one hash per (scope, day).
type Repo struct {
	store  store
	prefix string
}

// New creates a sticky repository.
func New(s store, prefix string) *Repo {
	return &Repo{store: s, prefix: prefix}
}

// GetSticky returns the current pin. ok is false when none exists.
func (r *Repo) GetSticky(ctx context.Context, s scope.Scope, day scope.Day) (domsticky.State, bool, error) {
	h, err := r.store.HGetAll(ctx, r.key(s, day))
	if err != nil {
		return domsticky.State{}, false, fmt.Errorf("get sticky: %w", err)
	}
	if len(h) == 0 || h[fieldLabel] == "" {
		return domsticky.State{}, false, nil
	}
	idx, err := strconv.Atoi(h[fieldIndex])
	if err != nil {
		return domsticky.State{}, false, fmt.Errorf("get sticky: bad index %q", h[fieldIndex])
	}
	st := domsticky.State{
		Label:         label.Label(h[fieldLabel]),
		Index:         idx,
		Reason:        domsticky.Reason(h[fieldReason]),
		PreviousLabel: label.Label(h[fieldPrevious]),
	}
	if ms, err := strconv.ParseInt(h[fieldActivatedAt], 10, 64); err == nil {
		st.ActivatedAt = time.UnixMilli(ms).UTC()
	}
	return st, true, nil
}

// AdvanceSticky writes st only if no pin exists or the stored index is lower.
// It reports whether the write won.
func (r *Repo) AdvanceSticky(
	ctx context.Context, s scope.Scope, day scope.Day, st domsticky.State, expireAt time.Time,
) (bool, error) {
	ok, err := r.store.HSetIfGreater(ctx, &db.GuardedWrite{
		Key:        r.key(s, day),
		GuardField: fieldIndex,
		GuardValue: int64(st.Index),
		Fields: map[string]string{
			fieldLabel:       string(st.Label),
			fieldReason:      string(st.Reason),
			fieldPrevious:    string(st.PreviousLabel),
			fieldActivatedAt: strconv.FormatInt(st.ActivatedAt.UnixMilli(), 10),
		},
		ExpireAt: expireAt,
	})
	if err != nil {
		return false, fmt.Errorf("advance sticky: %w", err)
	}
	return ok, nil
}

func (r *Repo) key(s scope.Scope, day scope.Day) string {
	return r.prefix + "sticky:" + s.Key() + "|" + string(day)
}
