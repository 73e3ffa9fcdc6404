package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	"github.com/kailas-cloud/costkeeper/internal/domain/pricing"
	"github.com/kailas-cloud/costkeeper/internal/domain/tenant"
)

// Config holds the costkeeper service configuration.
type Config struct {
	HTTP        HTTPConfig                  `yaml:"http"`
	Database    DatabaseConfig              `yaml:"database"`
	Auth        AuthConfig                  `yaml:"auth"`
	Storage     StorageConfig               `yaml:"storage"`
	Logging     LoggingConfig               `yaml:"logging"`
	Aggregator  AggregatorConfig            `yaml:"aggregator"`
	Metering    MeteringConfig              `yaml:"metering"`
	Selection   SelectionConfig             `yaml:"selection"`
	Sticky      StickyConfig                `yaml:"sticky"`
	Pricing     PricingConfig               `yaml:"pricing"`
	ModelLabels map[string]ModelLabelConfig `yaml:"model_labels"`
	Tenants     TenantsConfig               `yaml:"tenants"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds storage connection settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // redis, valkey, memory, postgres (default: redis)
	Addrs            []string `yaml:"addrs"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	DB               int      `yaml:"db"`
	DSN              string   `yaml:"dsn"` // postgres only
	TablePrefix      string   `yaml:"table_prefix"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// StorageConfig holds key layout settings.
type StorageConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
}

// AggregatorConfig controls the shard folding loop.
type AggregatorConfig struct {
	Enabled     *bool `yaml:"enabled"`
	IntervalSec int   `yaml:"interval_sec"`
	Workers     int   `yaml:"workers"`
}

// MeteringConfig controls the write path.
type MeteringConfig struct {
	DedupLimit     int `yaml:"dedup_limit"`
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
	RetryAttempts  int `yaml:"retry_attempts"`
}

// SelectionConfig controls the model selector.
type SelectionConfig struct {
	CacheTTLMs         int `yaml:"cache_ttl_ms"`
	NextCheckNormalSec int `yaml:"next_check_normal_sec"`
	NextCheckTightSec  int `yaml:"next_check_tight_sec"`
	ReadTimeoutMs      int `yaml:"read_timeout_ms"`
	TenantCacheTTLSec  int `yaml:"tenant_cache_ttl_sec"`
}

// StickyConfig controls pin expiry.
type StickyConfig struct {
	ExpiryBufferSec int `yaml:"expiry_buffer_sec"`
}

// PricingConfig controls rate caching and the live price sheet.
type PricingConfig struct {
	CacheTTLSec        int    `yaml:"cache_ttl_sec"`
	SheetURL           string `yaml:"sheet_url"`
	SheetToken         string `yaml:"sheet_token"`
	RefreshIntervalSec int    `yaml:"refresh_interval_sec"`
}

// ModelLabelConfig maps a label to a provider model and its static rate.
type ModelLabelConfig struct {
	Model            string `yaml:"model"`
	InputPerMillion  int64  `yaml:"input_per_million"`
	OutputPerMillion int64  `yaml:"output_per_million"`
}

// TenantsConfig lists organizations and applications.
type TenantsConfig struct {
	Orgs []OrgConfig `yaml:"orgs"`
	Apps []AppConfig `yaml:"apps"`
}

// OrgConfig is one organization.
type OrgConfig struct {
	ID                string           `yaml:"id"`
	Timezone          string           `yaml:"timezone"`
	QuotaScope        string           `yaml:"quota_scope"` // ORG or APP
	ShardCount        int              `yaml:"shard_count"`
	TightThresholdPct int              `yaml:"tight_threshold_pct"`
	FallbackEnabled   *bool            `yaml:"fallback_enabled"`
	Region            string           `yaml:"region"`
	Ordering          []string         `yaml:"ordering"`
	Quotas            map[string]int64 `yaml:"quotas"`
}

// AppConfig is one application override.
type AppConfig struct {
	ID                string           `yaml:"id"`
	Org               string           `yaml:"org"`
	TightThresholdPct int              `yaml:"tight_threshold_pct"`
	FallbackEnabled   *bool            `yaml:"fallback_enabled"`
	Ordering          []string         `yaml:"ordering"`
	Quotas            map[string]int64 `yaml:"quotas"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (Config, error) {
	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "redis"
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Database.TablePrefix == "" {
		c.Database.TablePrefix = "costkeeper_"
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "costkeeper:"
	}
	if c.Aggregator.IntervalSec <= 0 {
		c.Aggregator.IntervalSec = 60
	}
	if c.Aggregator.Workers <= 0 {
		c.Aggregator.Workers = 16
	}
	if c.Metering.DedupLimit <= 0 {
		c.Metering.DedupLimit = 20000
	}
	if c.Metering.WriteTimeoutMs <= 0 {
		c.Metering.WriteTimeoutMs = 2000
	}
	if c.Metering.RetryAttempts <= 0 {
		c.Metering.RetryAttempts = 3
	}
	if c.Selection.CacheTTLMs < 0 {
		c.Selection.CacheTTLMs = 0
	} else if c.Selection.CacheTTLMs == 0 {
		c.Selection.CacheTTLMs = 5000
	}
	if c.Selection.NextCheckNormalSec <= 0 {
		c.Selection.NextCheckNormalSec = 300
	}
	if c.Selection.NextCheckTightSec <= 0 {
		c.Selection.NextCheckTightSec = 60
	}
	if c.Selection.ReadTimeoutMs <= 0 {
		c.Selection.ReadTimeoutMs = 500
	}
	if c.Selection.TenantCacheTTLSec <= 0 {
		c.Selection.TenantCacheTTLSec = 30
	}
	if c.Sticky.ExpiryBufferSec <= 0 {
		c.Sticky.ExpiryBufferSec = 3600
	}
	if c.Pricing.CacheTTLSec <= 0 {
		c.Pricing.CacheTTLSec = 300
	}
	if c.Pricing.RefreshIntervalSec <= 0 {
		c.Pricing.RefreshIntervalSec = 3600
	}
}

// AggregatorEnabled reports whether this process runs the aggregation loop.
func (c *Config) AggregatorEnabled() bool {
	return c.Aggregator.Enabled == nil || *c.Aggregator.Enabled
}

// Validate checks the configuration for correctness. Every tenant is merged
// once so bad timezones, labels or quotas fail at load.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Database.Driver {
	case "redis", "valkey":
		if len(c.Database.Addrs) == 0 {
			return errors.New("database.addrs is required")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be redis, valkey, memory or postgres, got %q", c.Database.Driver)
	}

	for name, ml := range c.ModelLabels {
		if ml.InputPerMillion < 0 || ml.OutputPerMillion < 0 {
			return fmt.Errorf("model_labels.%s: rates must not be negative", name)
		}
	}

	orgs := make(map[string]tenant.Org, len(c.Tenants.Orgs))
	for _, oc := range c.Tenants.Orgs {
		o := oc.Tenant()
		if _, dup := orgs[o.ID]; dup {
			return fmt.Errorf("tenants.orgs: duplicate org %q", o.ID)
		}
		eff, err := tenant.Merge(o, nil)
		if err != nil {
			return fmt.Errorf("tenants.orgs: %w", err)
		}
		if err := c.checkLabels(eff.Ordering); err != nil {
			return fmt.Errorf("tenants.orgs.%s: %w", o.ID, err)
		}
		orgs[o.ID] = o
	}
	for _, ac := range c.Tenants.Apps {
		a := ac.Tenant()
		o, ok := orgs[a.OrgID]
		if !ok {
			return fmt.Errorf("tenants.apps.%s: unknown org %q", a.ID, a.OrgID)
		}
		eff, err := tenant.Merge(o, &a)
		if err != nil {
			return fmt.Errorf("tenants.apps: %w", err)
		}
		if err := c.checkLabels(eff.Ordering); err != nil {
			return fmt.Errorf("tenants.apps.%s: %w", a.ID, err)
		}
	}
	return nil
}

func (c *Config) checkLabels(o label.Ordering) error {
	for _, l := range o.Labels() {
		if _, ok := c.ModelLabels[string(l)]; !ok {
			return fmt.Errorf("label %q has no model_labels entry", l)
		}
	}
	return nil
}

// Tenant converts the YAML record.
func (o OrgConfig) Tenant() tenant.Org {
	return tenant.Org{
		ID:                o.ID,
		Timezone:          o.Timezone,
		QuotaScope:        tenant.QuotaScope(strings.ToUpper(o.QuotaScope)),
		ShardCount:        o.ShardCount,
		TightThresholdPct: o.TightThresholdPct,
		FallbackEnabled:   o.FallbackEnabled,
		Region:            o.Region,
		Ordering:          o.Ordering,
		Quotas:            o.Quotas,
	}
}

// Tenant converts the YAML record.
func (a AppConfig) Tenant() tenant.App {
	return tenant.App{
		ID:                a.ID,
		OrgID:             a.Org,
		TightThresholdPct: a.TightThresholdPct,
		FallbackEnabled:   a.FallbackEnabled,
		Ordering:          a.Ordering,
		Quotas:            a.Quotas,
	}
}

// OrgTenants returns every org as a domain record.
func (c *Config) OrgTenants() []tenant.Org {
	out := make([]tenant.Org, len(c.Tenants.Orgs))
	for i, o := range c.Tenants.Orgs {
		out[i] = o.Tenant()
	}
	return out
}

// AppTenants returns every app as a domain record.
func (c *Config) AppTenants() []tenant.App {
	out := make([]tenant.App, len(c.Tenants.Apps))
	for i, a := range c.Tenants.Apps {
		out[i] = a.Tenant()
	}
	return out
}

// StaticRates returns the configured default rate of every label.
func (c *Config) StaticRates() map[label.Label]pricing.Rate {
	out := make(map[label.Label]pricing.Rate, len(c.ModelLabels))
	for name, ml := range c.ModelLabels {
		out[label.Label(name)] = pricing.Rate{
			Model:            ml.Model,
			InputPerMillion:  ml.InputPerMillion,
			OutputPerMillion: ml.OutputPerMillion,
			Provenance:       pricing.ProvenanceStatic,
		}
	}
	return out
}

// Seconds converts a seconds field to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts a milliseconds field to a duration.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
