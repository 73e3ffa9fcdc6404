package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound signals a missing tenant or record.
	ErrNotFound = errors.New("not found")
	// ErrInvalidConfig signals a tenant or label configuration that cannot be used.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnknownLabel signals a label that is not part of the scope's ordering.
	ErrUnknownLabel = errors.New("unknown model label")
	// ErrInvalidRequest signals a malformed usage event or request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrQuotaExhausted signals that every label in the ordering is at or above its quota.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrStorageTransient signals a storage failure worth retrying.
	ErrStorageTransient = errors.New("storage temporarily unavailable")
	// ErrConditionFailed signals a lost conditional write.
	ErrConditionFailed = errors.New("condition failed")
)

// QuotaExhaustedError wraps ErrQuotaExhausted with the local reset time.
type QuotaExhaustedError struct {
	Scope    string
	Day      string
	ResetsAt time.Time
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("%s: scope %s day %s, resets at %s",
		ErrQuotaExhausted.Error(), e.Scope, e.Day, e.ResetsAt.Format(time.RFC3339))
}

func (e *QuotaExhaustedError) Unwrap() error { return ErrQuotaExhausted }

// NewQuotaExhausted creates a quota exhausted error.
func NewQuotaExhausted(scope, day string, resetsAt time.Time) error {
	return &QuotaExhaustedError{Scope: scope, Day: day, ResetsAt: resetsAt}
}

// ConfigError wraps a configuration sentinel with the offending subject.
type ConfigError struct {
	Subject string
	Err     error
}

func (e *ConfigError) Error() string { return e.Subject + ": " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError creates a configuration error for subject.
func NewConfigError(subject string, err error) error {
	return &ConfigError{Subject: subject, Err: err}
}
