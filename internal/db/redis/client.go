package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/costkeeper/internal/db"
)

// Compile-time check: Store implements db.Store.
var _ db.Store = (*Store)(nil)

// Config holds connection parameters for a Redis or Valkey store.
type Config struct {
	Addrs    []string
	Username string
	Password string
	DB       int

	// DialTimeout and WriteTimeout fall back to rueidis defaults when zero.
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// clientName shows up in CLIENT LIST on the server.
const clientName = "costkeeper"

// Store implements db.Store via rueidis. The same commands work against Redis 7+
// and Valkey, so both drivers share this implementation.
type Store struct {
	client rueidis.Client
}

// NewStore creates a store via rueidis.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}

	// Shard counters change on every write; client-side caching would hand
	// the aggregator stale sums.
	opt := rueidis.ClientOption{
		InitAddress:      cfg.Addrs,
		Username:         cfg.Username,
		Password:         cfg.Password,
		SelectDB:         cfg.DB,
		ClientName:       clientName,
		DisableCache:     true,
		ConnWriteTimeout: cfg.WriteTimeout,
	}
	opt.Dialer.Timeout = cfg.DialTimeout

	client, err := rueidis.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &Store{client: client}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	cmd := s.b().Ping().Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return &db.Error{Op: db.OpPing, Err: err}
	}
	return nil
}

// Close shuts down the client.
func (s *Store) Close() {
	s.client.Close()
}

// WaitForReady polls Ping until the store responds or timeout expires.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for database: %w", ctx.Err())
		case <-ticker.C:
			if err := s.Ping(ctx); err == nil {
				return nil
			}
		}
	}
}

func (s *Store) do(ctx context.Context, cmd rueidis.Completed) rueidis.RedisResult {
	return s.client.Do(ctx, cmd)
}

func (s *Store) b() rueidis.Builder {
	return s.client.B()
}

// retryableReplies are server error prefixes that clear up on their own:
// a replica loading its dataset, a busy script, or cluster resharding.
var retryableReplies = []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"}

// wrap attaches op to err. Server replies that a retry cannot fix are marked
// as argument errors so db.Retry gives up on them at once.
func wrap(op string, err error) error {
	if errors.Is(err, rueidis.ErrClosing) {
		return &db.Error{Op: op, Err: fmt.Errorf("%w: %w", db.ErrClosed, err)}
	}
	if _, ok := rueidis.IsRedisErr(err); ok {
		for _, prefix := range retryableReplies {
			if isRedisErr(err, prefix) {
				return &db.Error{Op: op, Err: err}
			}
		}
		return &db.Error{Op: op, Err: fmt.Errorf("%w: %w", db.ErrInvalidArgs, err)}
	}
	return &db.Error{Op: op, Err: err}
}

// isRedisErr checks if err is a Redis server error containing substr (case-insensitive).
func isRedisErr(err error, substr string) bool {
	re, ok := rueidis.IsRedisErr(err)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(re.Error()), strings.ToLower(substr))
}
