package tenant

import (
	"context"
	"fmt"

	"github.com/kailas-cloud/costkeeper/internal/domain"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
)

// StaticSource serves tenants loaded from configuration.
type StaticSource struct {
	orgs map[string]domtenant.Org
	apps map[string]domtenant.App
}

// NewStaticSource indexes orgs and apps. Apps are keyed by (OrgID, ID).
func NewStaticSource(orgs []domtenant.Org, apps []domtenant.App) *StaticSource {
	s := &StaticSource{
		orgs: make(map[string]domtenant.Org, len(orgs)),
		apps: make(map[string]domtenant.App, len(apps)),
	}
	for _, o := range orgs {
		s.orgs[o.ID] = o
	}
	for _, a := range apps {
		s.apps[appKey(a.OrgID, a.ID)] = a
	}
	return s
}

// Org returns the org record.
func (s *StaticSource) Org(_ context.Context, orgID string) (domtenant.Org, error) {
	o, ok := s.orgs[orgID]
	if !ok {
		return domtenant.Org{}, fmt.Errorf("org %q: %w", orgID, domain.ErrNotFound)
	}
	return o, nil
}

// App returns the app record.
func (s *StaticSource) App(_ context.Context, orgID, appID string) (domtenant.App, error) {
	a, ok := s.apps[appKey(orgID, appID)]
	if !ok {
		return domtenant.App{}, fmt.Errorf("app %q in org %q: %w", appID, orgID, domain.ErrNotFound)
	}
	return a, nil
}

// Validate merges every org and app once so bad configuration fails at load.
func (s *StaticSource) Validate() error {
	for _, o := range s.orgs {
		if _, err := domtenant.Merge(o, nil); err != nil {
			return err //nolint:wrapcheck // ConfigError already names the subject
		}
	}
	for _, a := range s.apps {
		o, ok := s.orgs[a.OrgID]
		if !ok {
			return domain.NewConfigError("app "+a.ID,
				fmt.Errorf("%w: org %q: %w", domain.ErrInvalidConfig, a.OrgID, domain.ErrNotFound))
		}
		if _, err := domtenant.Merge(o, &a); err != nil {
			return err //nolint:wrapcheck // ConfigError already names the subject
		}
	}
	return nil
}

func appKey(orgID, appID string) string { return orgID + "/" + appID }
