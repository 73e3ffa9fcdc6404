// Package tenant resolves (org, app) pairs into effective configuration.
package tenant

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kailas-cloud/costkeeper/internal/domain"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
)

// DefaultCacheTTL bounds how long a resolved configuration is reused.
const DefaultCacheTTL = 30 * time.Second

type cached struct {
	eff       domtenant.Effective
	expiresAt time.Time
}

// Resolver merges org and app records and caches the result per process.
type Resolver struct {
	src    Source
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cached
	group singleflight.Group
}

// New creates a Resolver.
func New(src Source, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		src:    src,
		ttl:    DefaultCacheTTL,
		now:    time.Now,
		logger: logger,
		cache:  make(map[string]cached),
	}
}

// WithCacheTTL overrides the cache lifetime. Zero disables caching.
func (r *Resolver) WithCacheTTL(ttl time.Duration) *Resolver {
	r.ttl = ttl
	return r
}

// WithClock overrides the time source.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve returns the effective configuration for orgID and optional appID.
// Unknown tenants return a ConfigError wrapping domain.ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, orgID, appID string) (domtenant.Effective, error) {
	key := appKey(orgID, appID)
	if eff, ok := r.lookup(key); ok {
		return eff, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		eff, err := r.load(ctx, orgID, appID)
		if err != nil {
			return domtenant.Effective{}, err
		}
		r.store(key, eff)
		return eff, nil
	})
	if err != nil {
		return domtenant.Effective{}, err //nolint:wrapcheck // already wrapped by load
	}
	return v.(domtenant.Effective), nil
}

// Invalidate drops every cached entry.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]cached)
	r.mu.Unlock()
}

func (r *Resolver) load(ctx context.Context, orgID, appID string) (domtenant.Effective, error) {
	org, err := r.src.Org(ctx, orgID)
	if err != nil {
		return domtenant.Effective{}, wrapLookup("org "+orgID, err)
	}
	var app *domtenant.App
	if appID != "" {
		a, err := r.src.App(ctx, orgID, appID)
		if err != nil {
			return domtenant.Effective{}, wrapLookup("org "+orgID+" app "+appID, err)
		}
		app = &a
	}
	eff, err := domtenant.Merge(org, app)
	if err != nil {
		r.logger.Warn("Tenant configuration rejected",
			zap.String("org", orgID),
			zap.String("app", appID),
			zap.Error(err),
		)
		return domtenant.Effective{}, err //nolint:wrapcheck // ConfigError carries the subject
	}
	return eff, nil
}

func wrapLookup(subject string, err error) error {
	var ce *domain.ConfigError
	if errors.As(err, &ce) {
		return err
	}
	return domain.NewConfigError(subject, err)
}

func (r *Resolver) lookup(key string) (domtenant.Effective, bool) {
	if r.ttl <= 0 {
		return domtenant.Effective{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cache[key]
	if !ok || !r.now().Before(c.expiresAt) {
		return domtenant.Effective{}, false
	}
	return c.eff, true
}

func (r *Resolver) store(key string, eff domtenant.Effective) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	r.cache[key] = cached{eff: eff, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()
}
