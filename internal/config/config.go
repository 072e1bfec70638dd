// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one provider API key is strictly required for the gateway to start.
// Redis is optional — set KV_MODE=memory to keep circuit breaker state and
// metrics aggregates in process with no external dependencies.
//
// Validation failures carry an error-taxonomy code: a required binding that
// is absent (gateway coordinates, provider keys, REDIS_URL under
// KV_MODE=redis) is MISSING_CONFIG; a binding that is present but out of
// range or outside its enum is INVALID_CONFIG. Both are fatal at bootstrap.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/inference-gateway/internal/breaker"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// KV store backends.
const (
	KVModeRedis  = "redis"
	KVModeMemory = "memory"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Gateway holds the unified gateway coordinates every provider call is
	// routed through.
	Gateway GatewayConfig

	// Providers holds per-provider credentials and model bindings.
	// At least one API key must be non-empty.
	Providers ProvidersConfig

	// FallbackOrder is the provider order the orchestrator walks on failure.
	// Defaults to the configured providers in canonical order
	// (openai, anthropic, gemini).
	FallbackOrder []providers.ID

	// Breaker holds the circuit breaker thresholds applied to the primary
	// provider. Fallback providers always run with the default thresholds.
	Breaker breaker.Config

	// KV selects where circuit breaker state and metrics aggregates persist.
	KV KVConfig

	// ClickHouseDSN enables the ClickHouse request-log sink when non-empty.
	// Example: clickhouse://default:@localhost:9000/gateway
	ClickHouseDSN string

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// RequestTimeout bounds one inbound request across all fallback attempts.
	// 0 disables the deadline. Default: 0.
	RequestTimeout time.Duration
}

// GatewayConfig identifies the unified gateway deployment. Provider calls go
// out as <Host>/v1/<AccountID>/<GatewayID>/<provider path>.
type GatewayConfig struct {
	// Host is the gateway base URL, e.g. "https://gateway.ai.example.com".
	Host string
	// AccountID is the account segment of the gateway URL.
	AccountID string
	// GatewayID is the gateway segment of the gateway URL.
	GatewayID string
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// Model pins the model used on this provider. When set, requests routed
	// to the provider carry this model regardless of what the client asked
	// for; when empty, the client's model passes through unchanged. Pinning
	// matters on fallback providers, where the client's model name usually
	// means nothing.
	Model string
}

// ProvidersConfig groups the per-provider blocks with the shared upstream
// HTTP timeout.
type ProvidersConfig struct {
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// Timeout is the per-attempt HTTP timeout against an upstream.
	// Default: 30s.
	Timeout time.Duration
}

// byID returns the block for a known provider id, or a zero block.
func (p ProvidersConfig) byID(id providers.ID) ProviderConfig {
	switch id {
	case providers.OpenAI:
		return p.OpenAI
	case providers.Anthropic:
		return p.Anthropic
	case providers.Gemini:
		return p.Gemini
	}
	return ProviderConfig{}
}

// KVConfig selects the persistence backend for circuit breaker records and
// metrics aggregates.
type KVConfig struct {
	// Mode is "redis" (shared across replicas, requires REDIS_URL) or
	// "memory" (in-process, lost on restart). Default: "memory".
	Mode string

	// RedisURL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	RedisURL string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per client.
	// 0 disables rate limiting. Default: 0.
	// Enforcement needs Redis; under KV_MODE=memory the limit is ignored.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// The gateway coordinates and at least one provider API key must be
// configured. REDIS_URL is only required when KV_MODE=redis.
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
	v.SetDefault("KV_MODE", KVModeMemory)
	v.SetDefault("CORS_ORIGINS", "*")

	// Circuit breaker defaults (primary provider).
	v.SetDefault("CB_FAILURE_THRESHOLD", breaker.DefaultFailureThreshold)
	v.SetDefault("CB_SUCCESS_THRESHOLD", breaker.DefaultSuccessThreshold)
	v.SetDefault("CB_OPEN_TIMEOUT", breaker.DefaultOpenTimeout)
	v.SetDefault("CB_HALF_OPEN_MAX_CALLS", breaker.DefaultHalfOpenMaxCalls)

	// Timeouts.
	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("REQUEST_TIMEOUT", "0s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Gateway: GatewayConfig{
			Host:      v.GetString("GATEWAY_HOST"),
			AccountID: v.GetString("ACCOUNT_ID"),
			GatewayID: v.GetString("GATEWAY_ID"),
		},

		Providers: ProvidersConfig{
			OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), Model: v.GetString("OPENAI_MODEL")},
			Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), Model: v.GetString("ANTHROPIC_MODEL")},
			Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), Model: v.GetString("GEMINI_MODEL")},
			Timeout:   v.GetDuration("PROVIDER_TIMEOUT"),
		},

		Breaker: breaker.Config{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			SuccessThreshold: v.GetInt("CB_SUCCESS_THRESHOLD"),
			OpenTimeout:      v.GetDuration("CB_OPEN_TIMEOUT"),
			HalfOpenMaxCalls: v.GetInt("CB_HALF_OPEN_MAX_CALLS"),
		},

		KV: KVConfig{
			Mode:     strings.ToLower(v.GetString("KV_MODE")),
			RedisURL: v.GetString("REDIS_URL"),
		},

		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),

		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
	}

	for _, raw := range splitList(v.GetString("FALLBACK_ORDER")) {
		cfg.FallbackOrder = append(cfg.FallbackOrder, providers.ID(strings.ToLower(raw)))
	}
	if len(cfg.FallbackOrder) == 0 {
		cfg.FallbackOrder = cfg.ConfiguredProviders()
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Gateway.Host == "" {
		return apierr.New(apierr.CodeMissingConfig,
			"config: GATEWAY_HOST is required (base URL of the unified gateway, e.g. https://gateway.ai.example.com)")
	}
	if u, err := url.Parse(c.Gateway.Host); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apierr.Newf(apierr.CodeInvalidConfig,
			"config: GATEWAY_HOST %q must be an absolute http(s) URL", c.Gateway.Host)
	}
	if c.Gateway.AccountID == "" {
		return apierr.New(apierr.CodeMissingConfig, "config: ACCOUNT_ID is required")
	}
	if c.Gateway.GatewayID == "" {
		return apierr.New(apierr.CodeMissingConfig, "config: GATEWAY_ID is required")
	}

	// At least one provider must be configured for the fallback chain to
	// have anywhere to go.
	if len(c.ConfiguredProviders()) == 0 {
		return apierr.New(apierr.CodeMissingConfig,
			"config: at least one provider API key is required "+
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, or GOOGLE_API_KEY)")
	}

	if c.Port < 1 || c.Port > 65535 {
		return apierr.Newf(apierr.CodeInvalidConfig, "config: PORT must be in 1..65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return apierr.Newf(apierr.CodeInvalidConfig,
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.KV.Mode {
	case KVModeRedis:
		if c.KV.RedisURL == "" {
			return apierr.New(apierr.CodeMissingConfig,
				"config: REDIS_URL is required when KV_MODE=redis; "+
					"set KV_MODE=memory to run without Redis")
		}
	case KVModeMemory:
	default:
		return apierr.Newf(apierr.CodeInvalidConfig,
			"config: invalid KV_MODE %q; must be one of: redis, memory", c.KV.Mode)
	}

	// Every provider in the fallback order must be known and carry a key.
	// A configured provider missing from the order is fine — it is simply
	// never tried.
	seen := make(map[providers.ID]bool, len(c.FallbackOrder))
	for _, id := range c.FallbackOrder {
		if !id.Valid() {
			return apierr.Newf(apierr.CodeInvalidConfig,
				"config: FALLBACK_ORDER names unknown provider %q; known providers: openai, anthropic, gemini", id)
		}
		if seen[id] {
			return apierr.Newf(apierr.CodeInvalidConfig, "config: FALLBACK_ORDER lists %q twice", id)
		}
		seen[id] = true
		if c.Providers.byID(id).APIKey == "" {
			return apierr.Newf(apierr.CodeInvalidConfig,
				"config: FALLBACK_ORDER names %q but no API key is configured for it", id)
		}
	}

	// Circuit breaker sanity checks.
	if c.Breaker.FailureThreshold < 1 {
		return apierr.Newf(apierr.CodeInvalidConfig,
			"config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold < 1 {
		return apierr.Newf(apierr.CodeInvalidConfig,
			"config: CB_SUCCESS_THRESHOLD must be ≥ 1, got %d", c.Breaker.SuccessThreshold)
	}
	if c.Breaker.OpenTimeout <= 0 {
		return apierr.New(apierr.CodeInvalidConfig, "config: CB_OPEN_TIMEOUT must be a positive duration")
	}
	if c.Breaker.HalfOpenMaxCalls < 1 {
		return apierr.Newf(apierr.CodeInvalidConfig,
			"config: CB_HALF_OPEN_MAX_CALLS must be ≥ 1, got %d", c.Breaker.HalfOpenMaxCalls)
	}

	if c.RateLimit.RPMLimit < 0 {
		return apierr.Newf(apierr.CodeInvalidConfig,
			"config: RPM_LIMIT must be ≥ 0 (0 disables rate limiting), got %d", c.RateLimit.RPMLimit)
	}

	if c.Providers.Timeout <= 0 {
		return apierr.New(apierr.CodeInvalidConfig, "config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.RequestTimeout < 0 {
		return apierr.New(apierr.CodeInvalidConfig, "config: REQUEST_TIMEOUT must not be negative (0 disables it)")
	}

	return nil
}

// ConfiguredProviders returns every provider with an API key, in canonical
// order.
func (c *Config) ConfiguredProviders() []providers.ID {
	var ids []providers.ID
	for _, id := range providers.All() {
		if c.Providers.byID(id).APIKey != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// ProviderSettings assembles the adapter settings from the gateway
// coordinates and the per-provider blocks.
func (c *Config) ProviderSettings() providers.Settings {
	s := providers.Settings{
		Host:      c.Gateway.Host,
		AccountID: c.Gateway.AccountID,
		GatewayID: c.Gateway.GatewayID,
		Keys:      make(map[providers.ID]string),
		Models:    c.ModelOverrides(),
	}
	for _, id := range providers.All() {
		if key := c.Providers.byID(id).APIKey; key != "" {
			s.Keys[id] = key
		}
	}
	return s
}

// ModelOverrides returns the per-provider model map. Providers without a
// pinned model are absent.
func (c *Config) ModelOverrides() map[providers.ID]string {
	m := make(map[providers.ID]string)
	for _, id := range providers.All() {
		if model := c.Providers.byID(id).Model; model != "" {
			m[id] = model
		}
	}
	return m
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// splitList splits a comma-separated value, trimming whitespace and dropping
// empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
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
