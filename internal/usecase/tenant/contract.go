package tenant

import (
	"context"

	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
)

// Source looks up raw tenant records. Missing records return domain.ErrNotFound.
type Source interface {
	Org(ctx context.Context, orgID string) (domtenant.Org, error)
	App(ctx context.Context, orgID, appID string) (domtenant.App, error)
}
