package costkeeper

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures the Client.
type Option interface {
	apply(*clientConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*clientConfig)

func (f optionFunc) apply(c *clientConfig) { f(c) }

type clientConfig struct {
	driver    string // "valkey", "redis", "postgres" or "memory"
	addrs     []string
	password  string
	dsn       string
	keyPrefix string

	orgs  []Org
	apps  []App
	rates map[string]ModelRate

	aggregateEvery time.Duration
	selectionTTL   time.Duration
	dedupLimit     int

	logger     *slog.Logger
	metricsReg prometheus.Registerer
	now        func() time.Time
}

// WithValkey configures the client to connect to a Valkey instance.
func WithValkey(addr, password string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = "valkey"
		c.addrs = []string{addr}
		c.password = password
	})
}

// WithRedis configures the client to connect to a Redis instance.
func WithRedis(addr, password string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = "redis"
		c.addrs = []string{addr}
		c.password = password
	})
}

// WithPostgres keeps counters in PostgreSQL. Tables are created on connect.
func WithPostgres(dsn string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = "postgres"
		c.dsn = dsn
	})
}

// WithMemory keeps counters in process memory. Budgets are not shared with
// other processes and are lost on exit; meant for tests and single binaries.
func WithMemory() Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = "memory"
	})
}

// WithKeyPrefix namespaces Redis and Valkey keys. Default: "costkeeper:".
func WithKeyPrefix(prefix string) Option {
	return optionFunc(func(c *clientConfig) {
		c.keyPrefix = prefix
	})
}

// WithTenants sets the organizations and applications the client accounts for.
func WithTenants(orgs []Org, apps []App) Option {
	return optionFunc(func(c *clientConfig) {
		c.orgs = orgs
		c.apps = apps
	})
}

// WithModelRates sets the static price of each label, used to price events
// recorded without a cost.
func WithModelRates(rates map[string]ModelRate) Option {
	return optionFunc(func(c *clientConfig) {
		c.rates = rates
	})
}

// WithAggregator runs the shard aggregation loop inside the client at the
// given interval. At least one process per deployment must aggregate, or
// recorded spend never reaches the totals SelectModel reads.
func WithAggregator(interval time.Duration) Option {
	return optionFunc(func(c *clientConfig) {
		c.aggregateEvery = interval
	})
}

// WithSelectionCacheTTL sets how long a recommendation is reused.
// Default: 5s. A negative value disables the cache.
func WithSelectionCacheTTL(d time.Duration) Option {
	return optionFunc(func(c *clientConfig) {
		c.selectionTTL = d
	})
}

// WithDedupLimit bounds the idempotency keys kept per shard and day.
func WithDedupLimit(n int) Option {
	return optionFunc(func(c *clientConfig) {
		c.dedupLimit = n
	})
}

// WithLogger enables structured logging for SDK operations.
// Pass nil to disable (default). Uses standard library slog.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *clientConfig) {
		c.logger = l
	})
}

// WithPrometheus registers SDK metrics (operation counts and durations)
// on the given registerer. Pass nil to disable (default).
func WithPrometheus(reg prometheus.Registerer) Option {
	return optionFunc(func(c *clientConfig) {
		c.metricsReg = reg
	})
}

func withClock(now func() time.Time) Option {
	return optionFunc(func(c *clientConfig) {
		c.now = now
	})
}
