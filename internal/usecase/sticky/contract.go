package sticky

import (
	"context"
	"time"

	"github.com/kailas-cloud/costkeeper/internal/domain/scope"
	domsticky "github.com/kailas-cloud/costkeeper/internal/domain/sticky"
)

// Store persists pins behind a forward-only conditional write.
type Store interface {
	GetSticky(ctx context.Context, s scope.Scope, day scope.Day) (domsticky.State, bool, error)
	AdvanceSticky(ctx context.Context, s scope.Scope, day scope.Day, st domsticky.State, expireAt time.Time) (bool, error)
}
