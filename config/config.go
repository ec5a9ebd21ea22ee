// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artpar/paygate/adapters/chain"
	"github.com/artpar/paygate/domain/money"
	"github.com/artpar/paygate/domain/pricing"
	"github.com/artpar/paygate/domain/ratelimit"
)

// Config is the root configuration structure.
type Config struct {
	Environment string          `yaml:"environment"` // "development" or "production"
	Server      ServerConfig    `yaml:"server"`
	Upstream    UpstreamConfig  `yaml:"upstream"`
	Payment     PaymentConfig   `yaml:"payment"`
	Verifier    VerifierConfig  `yaml:"verifier"`
	Networks    []NetworkConfig `yaml:"networks"`
	Pricing     []RuleConfig    `yaml:"pricing"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Webhook     WebhookConfig   `yaml:"webhook"`
	Analytics   AnalyticsConfig `yaml:"analytics"`
	Database    DatabaseConfig  `yaml:"database"`
	Logging     LoggingConfig   `yaml:"logging"`
	Metrics     MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// AdminKey gates the /paygate admin API. Empty leaves it open;
	// production configs should set it.
	AdminKey string `yaml:"admin_key"`
}

// UpstreamConfig configures the protected API behind the paywall.
type UpstreamConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PaymentConfig configures what payments the gateway asks for.
type PaymentConfig struct {
	PayTo             string `yaml:"pay_to"`
	Network           string `yaml:"network"` // CAIP-2, e.g. "eip155:8453"
	Asset             string `yaml:"asset"`
	Currency          string `yaml:"currency"`
	MaxTimeoutSeconds int    `yaml:"max_timeout_seconds"`
}

// VerifierConfig selects how payment proofs are verified.
// Use "chain" to check receipts on an RPC node, "facilitator" to
// delegate to an external verification service, or "test" to accept
// every proof (development only).
type VerifierConfig struct {
	Mode        string            `yaml:"mode"` // "chain", "facilitator", or "test"
	Facilitator FacilitatorConfig `yaml:"facilitator,omitempty"`
}

// FacilitatorConfig configures the remote verification service.
type FacilitatorConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// NetworkConfig configures one blockchain network for on-chain
// verification.
type NetworkConfig struct {
	ID     string                 `yaml:"id"` // CAIP-2 identifier
	RPCURL string                 `yaml:"rpc_url"`
	Tokens map[string]TokenConfig `yaml:"tokens"` // keyed by symbol
}

// TokenConfig describes an accepted ERC-20 token.
type TokenConfig struct {
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
}

// RuleConfig configures pricing for a route pattern. Multipliers are
// plain factors (1.5 = +50%) and are converted to basis points
// internally so no float arithmetic touches amounts.
type RuleConfig struct {
	Method         string       `yaml:"method"`
	Pattern        string       `yaml:"pattern"`
	Price          string       `yaml:"price"` // e.g. "$0.01"
	Tiers          []TierConfig `yaml:"tiers,omitempty"`
	LoadMultiplier float64      `yaml:"load_multiplier,omitempty"`
	PeakHours      []int        `yaml:"peak_hours,omitempty"` // UTC hours
	PeakMultiplier float64      `yaml:"peak_multiplier,omitempty"`
}

// TierConfig configures one volume discount tier.
type TierConfig struct {
	MinRequests int64  `yaml:"min_requests"`
	MaxRequests int64  `yaml:"max_requests,omitempty"` // 0 = unbounded
	Price       string `yaml:"price"`
}

// RateLimitConfig configures per-payer rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limit   int64         `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
}

// WebhookConfig configures payment event delivery.
type WebhookConfig struct {
	URL         string        `yaml:"url"`
	Secret      string        `yaml:"secret"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryBase   time.Duration `yaml:"retry_base"`
	RetryMax    time.Duration `yaml:"retry_max"`
	Timeout     time.Duration `yaml:"timeout"`
}

// AnalyticsConfig configures the in-memory revenue aggregates.
type AnalyticsConfig struct {
	RetentionDays int `yaml:"retention_days"` // daily revenue history to keep
}

// DatabaseConfig configures payment record storage.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// Useful for Docker deployments where no config file is needed.
//
// Environment variables:
//
//	PAYGATE_UPSTREAM_URL      - Upstream API URL (required)
//	PAYGATE_PAY_TO            - Receiving wallet address (required)
//	PAYGATE_NETWORK           - CAIP-2 network (default: eip155:8453)
//	PAYGATE_ASSET             - Accepted token symbol (default: USDC)
//	PAYGATE_VERIFIER_MODE     - chain, facilitator, or test (default: facilitator)
//	PAYGATE_FACILITATOR_URL   - Verification service URL
//	PAYGATE_DATABASE_DSN      - Database path (default: paygate.db)
//	PAYGATE_SERVER_HOST       - Server host (default: 0.0.0.0)
//	PAYGATE_SERVER_PORT       - Server port (default: 8402)
//	PAYGATE_ADMIN_KEY         - Shared key for the /paygate admin API
//	PAYGATE_RATELIMIT_ENABLED - Enable rate limiting (default: true)
//	PAYGATE_WEBHOOK_URL       - Webhook endpoint for payment events
//	PAYGATE_WEBHOOK_SECRET    - HMAC secret for webhook signatures
//	PAYGATE_LOG_LEVEL         - debug, info, warn, error (default: info)
//	PAYGATE_LOG_FORMAT        - json or console (default: json)
//	PAYGATE_METRICS_ENABLED   - Enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment
// variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	if os.Getenv("PAYGATE_UPSTREAM_URL") != "" {
		return LoadFromEnv()
	}

	return nil, fmt.Errorf("no configuration found: provide config file or set PAYGATE_UPSTREAM_URL")
}

// applyEnvOverrides applies PAYGATE_* environment variables.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PAYGATE_ENV"); v != "" {
		cfg.Environment = v
	}

	if v := os.Getenv("PAYGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PAYGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PAYGATE_ADMIN_KEY"); v != "" {
		cfg.Server.AdminKey = v
	}

	if v := os.Getenv("PAYGATE_UPSTREAM_URL"); v != "" {
		cfg.Upstream.URL = v
	}
	if v := os.Getenv("PAYGATE_UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.Timeout = d
		}
	}

	if v := os.Getenv("PAYGATE_PAY_TO"); v != "" {
		cfg.Payment.PayTo = v
	}
	if v := os.Getenv("PAYGATE_NETWORK"); v != "" {
		cfg.Payment.Network = v
	}
	if v := os.Getenv("PAYGATE_ASSET"); v != "" {
		cfg.Payment.Asset = v
	}

	if v := os.Getenv("PAYGATE_VERIFIER_MODE"); v != "" {
		cfg.Verifier.Mode = v
	}
	if v := os.Getenv("PAYGATE_FACILITATOR_URL"); v != "" {
		cfg.Verifier.Facilitator.URL = v
	}
	if v := os.Getenv("PAYGATE_FACILITATOR_API_KEY"); v != "" {
		cfg.Verifier.Facilitator.APIKey = v
	}

	if v := os.Getenv("PAYGATE_RATELIMIT_ENABLED"); v != "" {
		cfg.RateLimit.Enabled = parseBool(v)
	}
	if v := os.Getenv("PAYGATE_RATELIMIT_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RateLimit.Limit = n
		}
	}
	if v := os.Getenv("PAYGATE_RATELIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RateLimit.Window = d
		}
	}

	if v := os.Getenv("PAYGATE_WEBHOOK_URL"); v != "" {
		cfg.Webhook.URL = v
	}
	if v := os.Getenv("PAYGATE_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}

	if v := os.Getenv("PAYGATE_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("PAYGATE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("PAYGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PAYGATE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("PAYGATE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8402
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 30 * time.Second
	}

	if cfg.Payment.Network == "" {
		cfg.Payment.Network = "eip155:8453"
	}
	if cfg.Payment.Asset == "" {
		cfg.Payment.Asset = "USDC"
	}
	if cfg.Payment.Currency == "" {
		cfg.Payment.Currency = "USD"
	}
	if cfg.Payment.MaxTimeoutSeconds == 0 {
		cfg.Payment.MaxTimeoutSeconds = 60
	}

	if cfg.Verifier.Mode == "" {
		cfg.Verifier.Mode = "facilitator"
	}
	if cfg.Verifier.Facilitator.Timeout == 0 {
		cfg.Verifier.Facilitator.Timeout = 10 * time.Second
	}

	if cfg.RateLimit.Limit == 0 {
		cfg.RateLimit.Limit = 100
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
	}

	if cfg.Webhook.MaxAttempts == 0 {
		cfg.Webhook.MaxAttempts = 3
	}
	if cfg.Webhook.RetryBase == 0 {
		cfg.Webhook.RetryBase = time.Second
	}
	if cfg.Webhook.RetryMax == 0 {
		cfg.Webhook.RetryMax = time.Minute
	}
	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = 10 * time.Second
	}

	if cfg.Analytics.RetentionDays == 0 {
		cfg.Analytics.RetentionDays = 30
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "paygate.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}

	validEnvs := map[string]bool{"development": true, "production": true}
	if !validEnvs[cfg.Environment] {
		return fmt.Errorf("environment must be 'development' or 'production', got %q", cfg.Environment)
	}

	validVerifierModes := map[string]bool{"chain": true, "facilitator": true, "test": true}
	if !validVerifierModes[cfg.Verifier.Mode] {
		return fmt.Errorf("verifier.mode must be 'chain', 'facilitator', or 'test', got %q", cfg.Verifier.Mode)
	}
	if cfg.Verifier.Mode == "test" && cfg.Environment != "development" {
		return fmt.Errorf("verifier.mode 'test' accepts every proof and is only allowed when environment is 'development'")
	}
	if cfg.Verifier.Mode == "facilitator" && cfg.Verifier.Facilitator.URL == "" {
		return fmt.Errorf("verifier.facilitator.url is required when verifier.mode is 'facilitator'")
	}
	if cfg.Verifier.Mode == "chain" && len(cfg.Networks) == 0 {
		return fmt.Errorf("at least one network is required when verifier.mode is 'chain'")
	}

	if len(cfg.Pricing) > 0 && cfg.Payment.PayTo == "" {
		return fmt.Errorf("payment.pay_to is required when pricing rules are configured")
	}

	for i, n := range cfg.Networks {
		if n.ID == "" {
			return fmt.Errorf("networks[%d].id is required", i)
		}
		if n.RPCURL == "" {
			return fmt.Errorf("networks[%d].rpc_url is required", i)
		}
	}

	for i, r := range cfg.Pricing {
		if r.Pattern == "" {
			return fmt.Errorf("pricing[%d].pattern is required", i)
		}
		if _, err := money.Parse(r.Price); err != nil {
			return fmt.Errorf("pricing[%d].price: %w", i, err)
		}
		if r.LoadMultiplier < 0 || r.PeakMultiplier < 0 {
			return fmt.Errorf("pricing[%d]: multipliers must not be negative", i)
		}
		for _, h := range r.PeakHours {
			if h < 0 || h > 23 {
				return fmt.Errorf("pricing[%d]: peak hour %d out of range", i, h)
			}
		}
		for j, tier := range r.Tiers {
			if _, err := money.Parse(tier.Price); err != nil {
				return fmt.Errorf("pricing[%d].tiers[%d].price: %w", i, j, err)
			}
		}
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.Limit <= 0 {
		return fmt.Errorf("rate_limit.limit must be positive when rate limiting is enabled")
	}

	if cfg.Webhook.URL != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required when webhook.url is set")
	}

	if cfg.Analytics.RetentionDays < 0 {
		return fmt.Errorf("analytics.retention_days must not be negative")
	}

	validDrivers := map[string]bool{"sqlite": true, "memory": true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be 'sqlite' or 'memory', got %q", cfg.Database.Driver)
	}

	return nil
}

// PricingRules converts the configured rules into domain pricing
// rules, parsing money strings and converting multiplier factors to
// basis points.
func (c *Config) PricingRules() ([]pricing.Rule, error) {
	rules := make([]pricing.Rule, 0, len(c.Pricing))
	for i, rc := range c.Pricing {
		price, err := money.Parse(rc.Price)
		if err != nil {
			return nil, fmt.Errorf("pricing[%d].price: %w", i, err)
		}

		rule := pricing.Rule{
			Method:            rc.Method,
			Pattern:           rc.Pattern,
			Price:             price,
			LoadMultiplierBps: factorToBps(rc.LoadMultiplier),
			PeakHours:         rc.PeakHours,
			PeakMultiplierBps: factorToBps(rc.PeakMultiplier),
		}

		for j, tc := range rc.Tiers {
			tierPrice, err := money.Parse(tc.Price)
			if err != nil {
				return nil, fmt.Errorf("pricing[%d].tiers[%d].price: %w", i, j, err)
			}
			rule.Tiers = append(rule.Tiers, pricing.Tier{
				MinRequests: tc.MinRequests,
				MaxRequests: tc.MaxRequests,
				Price:       tierPrice,
			})
		}

		rules = append(rules, rule)
	}
	return rules, nil
}

// factorToBps converts a multiplier factor to basis points.
// Zero means "not configured" and maps to 1x.
func factorToBps(f float64) int64 {
	if f == 0 {
		return pricing.BpsOne
	}
	return int64(math.Round(f * float64(pricing.BpsOne)))
}

// ChainConfig builds the on-chain verifier configuration.
func (c *Config) ChainConfig() chain.Config {
	networks := make([]chain.Network, 0, len(c.Networks))
	for _, n := range c.Networks {
		tokens := make(map[string]chain.Token, len(n.Tokens))
		for symbol, t := range n.Tokens {
			tokens[strings.ToUpper(symbol)] = chain.Token{
				Address:  t.Address,
				Decimals: t.Decimals,
			}
		}
		networks = append(networks, chain.Network{
			ID:     n.ID,
			RPCURL: n.RPCURL,
			Tokens: tokens,
		})
	}
	return chain.Config{Networks: networks}
}

// RateLimitRule builds the domain rate limit configuration.
// A disabled limit has Limit 0, which turns the check off.
func (c *Config) RateLimitRule() ratelimit.Config {
	if !c.RateLimit.Enabled {
		return ratelimit.Config{}
	}
	return ratelimit.Config{Limit: c.RateLimit.Limit, Window: c.RateLimit.Window}
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
