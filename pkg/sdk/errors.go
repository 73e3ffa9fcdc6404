package costkeeper

import "github.com/kailas-cloud/costkeeper/internal/domain"

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	ErrNotFound         = domain.ErrNotFound
	ErrInvalidConfig    = domain.ErrInvalidConfig
	ErrUnknownLabel     = domain.ErrUnknownLabel
	ErrInvalidRequest   = domain.ErrInvalidRequest
	ErrQuotaExhausted   = domain.ErrQuotaExhausted
	ErrStorageTransient = domain.ErrStorageTransient
)

// QuotaExhaustedError carries the local midnight at which quotas reset.
// Use errors.As() to extract it.
type QuotaExhaustedError = domain.QuotaExhaustedError

// ConfigError names the tenant whose configuration was rejected.
type ConfigError = domain.ConfigError
