// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only the key of the selected provider is required, and none at all in stub
// mode. Redis is optional: CACHE_MODE=memory keeps the response cache in
// process.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/reading-gateway/internal/reading"
	"github.com/nulpointcorp/reading-gateway/internal/usage"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// Upstream selects and configures the generation provider.
	Upstream UpstreamConfig

	// Provider credentials. Only the selected one is used.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// Budget holds the daily spend ceiling and pricing.
	Budget BudgetConfig

	// Usage controls the daily usage ledger.
	Usage UsageConfig

	// Redis holds the connection URL for the Redis-backed cache and rate limiter.
	// Required only when CacheMode is "redis" or RPM limiting is on.
	Redis RedisConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// Pacing controls call spacing, retry and self-throttle timings.
	Pacing PacingConfig

	// AdmissionMode is "global" (one generation at a time) or "fingerprint"
	// (one generation per distinct request). Default: global.
	AdmissionMode string

	// AdminKey protects GET /usage when non-empty.
	AdminKey string

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// UsageLog configures the optional usage event sinks.
	UsageLog UsageLogConfig
}

// UpstreamConfig selects the generation provider.
type UpstreamConfig struct {
	// Provider is one of openai, anthropic, gemini. Default: openai.
	Provider string

	// Model is the upstream model name. Default: gpt-4o-mini.
	Model string

	// Timeout is the per-request HTTP timeout. Default: 90s.
	Timeout time.Duration

	// StubMode answers with a fixed reading and never calls the provider.
	StubMode bool
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// BudgetConfig holds the spend policy.
type BudgetConfig struct {
	// DailyUSD is the daily ceiling. +Inf when unset or not a finite number.
	DailyUSD float64

	// PriceInPerM and PriceOutPerM are USD per million input/output tokens.
	PriceInPerM  float64
	PriceOutPerM float64

	// MaxTokens caps the output of a single call. Default: 1000.
	MaxTokens int
}

// Policy converts the configuration into a usage.BudgetPolicy.
func (b BudgetConfig) Policy() usage.BudgetPolicy {
	return usage.NewBudgetPolicy(b.DailyUSD, b.PriceInPerM, b.PriceOutPerM, b.MaxTokens)
}

// UsageConfig controls the usage ledger.
type UsageConfig struct {
	// Location is the ledger's reference timezone. Default: UTC.
	Location *time.Location

	// LimitTokens and LimitRequests are advisory limits reported by /usage.
	LimitTokens   int64
	LimitRequests int64
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  - Redis-backed cache (requires REDIS_URL). Shared across replicas.
	//   "memory" - In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   - Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is how long a reading stays cached. Default: 72h.
	TTL time.Duration

	// KeyVersion is embedded in every cache key. Bump it to invalidate all
	// cached readings. Default: the current prompt version.
	KeyVersion string
}

// PacingConfig controls upstream call timing.
type PacingConfig struct {
	MinCallGap           time.Duration
	RetryCooldown        time.Duration
	LowCapacityThreshold int
	LowCapacityCooldown  time.Duration
	UsageWindow          time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute per client.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// UsageLogConfig configures usage event sinks.
type UsageLogConfig struct {
	// ClickHouseDSN enables the ClickHouse sink when set.
	ClickHouseDSN string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("PROVIDER", "openai")
	v.SetDefault("MODEL", "gpt-4o-mini")
	v.SetDefault("PROVIDER_TIMEOUT", "90s")
	v.SetDefault("STUB_MODE", false)

	v.SetDefault("PRICE_IN_PER_M", 0.15)
	v.SetDefault("PRICE_OUT_PER_M", 0.60)
	v.SetDefault("MAX_TOKENS", 1000)

	v.SetDefault("USAGE_TIMEZONE", "UTC")
	v.SetDefault("USAGE_LIMIT_TOKENS", 200000)
	v.SetDefault("USAGE_LIMIT_REQUESTS", 200)

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "72h")
	v.SetDefault("CACHE_KEY_VERSION", reading.PromptVersion)

	v.SetDefault("MIN_CALL_GAP", "300ms")
	v.SetDefault("RATE_LIMIT_RETRY_COOLDOWN", "65s")
	v.SetDefault("LOW_CAPACITY_THRESHOLD", 2000)
	v.SetDefault("LOW_CAPACITY_COOLDOWN", "60s")
	v.SetDefault("USAGE_WINDOW", "60s")

	v.SetDefault("ADMISSION_MODE", "global")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		Upstream: UpstreamConfig{
			Provider: strings.ToLower(v.GetString("PROVIDER")),
			Model:    v.GetString("MODEL"),
			Timeout:  v.GetDuration("PROVIDER_TIMEOUT"),
			StubMode: v.GetBool("STUB_MODE"),
		},

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		Budget: BudgetConfig{
			DailyUSD:     usage.ParseCeiling(v.GetString("DAILY_BUDGET_USD")),
			PriceInPerM:  v.GetFloat64("PRICE_IN_PER_M"),
			PriceOutPerM: v.GetFloat64("PRICE_OUT_PER_M"),
			MaxTokens:    v.GetInt("MAX_TOKENS"),
		},

		Usage: UsageConfig{
			LimitTokens:   v.GetInt64("USAGE_LIMIT_TOKENS"),
			LimitRequests: v.GetInt64("USAGE_LIMIT_REQUESTS"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:       strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:        v.GetDuration("CACHE_TTL"),
			KeyVersion: v.GetString("CACHE_KEY_VERSION"),
		},

		Pacing: PacingConfig{
			MinCallGap:           v.GetDuration("MIN_CALL_GAP"),
			RetryCooldown:        v.GetDuration("RATE_LIMIT_RETRY_COOLDOWN"),
			LowCapacityThreshold: v.GetInt("LOW_CAPACITY_THRESHOLD"),
			LowCapacityCooldown:  v.GetDuration("LOW_CAPACITY_COOLDOWN"),
			UsageWindow:          v.GetDuration("USAGE_WINDOW"),
		},

		AdmissionMode: strings.ToLower(v.GetString("ADMISSION_MODE")),
		AdminKey:      v.GetString("ADMIN_KEY"),

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		UsageLog: UsageLogConfig{
			ClickHouseDSN: v.GetString("USAGE_LOG_CLICKHOUSE_DSN"),
		},
	}

	loc, err := time.LoadLocation(v.GetString("USAGE_TIMEZONE"))
	if err != nil {
		return nil, fmt.Errorf("config: invalid USAGE_TIMEZONE %q: %w", v.GetString("USAGE_TIMEZONE"), err)
	}
	cfg.Usage.Location = loc

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Upstream.Provider {
	case "openai", "anthropic", "gemini":
	default:
		return fmt.Errorf(
			"config: invalid PROVIDER %q; must be one of: openai, anthropic, gemini",
			c.Upstream.Provider,
		)
	}

	if !c.Upstream.StubMode && c.ProviderKey() == "" {
		return fmt.Errorf(
			"config: %s is required for PROVIDER=%s; set STUB_MODE=true to run without upstream calls",
			providerKeyEnv[c.Upstream.Provider], c.Upstream.Provider,
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be a positive duration")
	}
	if c.Cache.KeyVersion == "" {
		return fmt.Errorf("config: CACHE_KEY_VERSION must not be empty")
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.AdmissionMode {
	case "global", "fingerprint":
	default:
		return fmt.Errorf(
			"config: invalid ADMISSION_MODE %q; must be one of: global, fingerprint",
			c.AdmissionMode,
		)
	}

	if c.Budget.PriceInPerM < 0 || c.Budget.PriceOutPerM < 0 ||
		math.IsNaN(c.Budget.PriceInPerM) || math.IsNaN(c.Budget.PriceOutPerM) {
		return fmt.Errorf("config: PRICE_IN_PER_M and PRICE_OUT_PER_M must be ≥ 0")
	}
	if c.Budget.MaxTokens <= 0 {
		return fmt.Errorf("config: MAX_TOKENS must be > 0, got %d", c.Budget.MaxTokens)
	}

	if c.Pacing.MinCallGap < 0 || c.Pacing.RetryCooldown < 0 || c.Pacing.LowCapacityCooldown < 0 {
		return fmt.Errorf("config: MIN_CALL_GAP, RATE_LIMIT_RETRY_COOLDOWN and LOW_CAPACITY_COOLDOWN must not be negative")
	}
	if c.Pacing.UsageWindow <= 0 {
		return fmt.Errorf("config: USAGE_WINDOW must be a positive duration")
	}

	return nil
}

var providerKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GOOGLE_API_KEY",
}

// ProviderKey returns the API key of the selected provider.
func (c *Config) ProviderKey() string {
	return c.SelectedProvider().APIKey
}

// SelectedProvider returns the credentials of the selected provider.
func (c *Config) SelectedProvider() ProviderConfig {
	switch c.Upstream.Provider {
	case "anthropic":
		return c.Anthropic
	case "gemini":
		return c.Gemini
	default:
		return c.OpenAI
	}
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
