package db

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors for database operations.
var (
	ErrKeyNotFound = errors.New("db: key not found")
	ErrInvalidArgs = errors.New("db: invalid arguments")
	ErrClosed      = errors.New("db: store closed")
)

// Op constants map to Valkey/Redis command names for error context.
const (
	OpHGetAll    = "HGETALL"
	OpHReplace   = "HREPLACE"
	OpHSetIfGt   = "HSETIFGT"
	OpGet        = "GET"
	OpSet        = "SET"
	OpSAdd       = "SADD"
	OpSMembers   = "SMEMBERS"
	OpExpire     = "EXPIRE"
	OpPurge      = "PURGE"
	OpPing       = "PING"
	OpPgExec     = "PG.EXEC"
	OpPgQuery    = "PG.QUERY"
	OpPgTx       = "PG.TX"
	OpPgMigrate  = "PG.MIGRATE"
	OpCounterAdd = "COUNTER.ADD"
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: timeouts, network
// failures and wrapped driver errors. Not-found, argument and closed-store
// errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrInvalidArgs) ||
		errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dbErr *Error
	return errors.As(err, &dbErr)
}
