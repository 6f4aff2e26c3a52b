package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string   `mapstructure:"DB_SCHEMA"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	StripeSecretKey       string        `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret   string        `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIURL          string        `mapstructure:"STRIPE_API_URL"`
	GatewayTimeout        time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
	GatewayMaxRetries     int           `mapstructure:"GATEWAY_MAX_RETRIES"`
	GatewayRetryBaseDelay time.Duration `mapstructure:"GATEWAY_RETRY_BASE_DELAY"`
	PortalReturnURL       string        `mapstructure:"PORTAL_RETURN_URL"`
	DefaultCurrency       string        `mapstructure:"DEFAULT_CURRENCY"`
	PlanCacheTTL          time.Duration `mapstructure:"PLAN_CACHE_TTL"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_API_URL",
	"GATEWAY_TIMEOUT", "GATEWAY_MAX_RETRIES", "GATEWAY_RETRY_BASE_DELAY",
	"PORTAL_RETURN_URL", "DEFAULT_CURRENCY", "PLAN_CACHE_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("GATEWAY_TIMEOUT", 10*time.Second)
	v.SetDefault("GATEWAY_MAX_RETRIES", 3)
	v.SetDefault("GATEWAY_RETRY_BASE_DELAY", 200*time.Millisecond)
	v.SetDefault("PORTAL_RETURN_URL", "http://localhost:3000/settings/billing")
	v.SetDefault("DEFAULT_CURRENCY", "USD")
	v.SetDefault("PLAN_CACHE_TTL", 5*time.Minute)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.DefaultCurrency = strings.ToUpper(cfg.DefaultCurrency)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: X-Dev-Role / X-Dev-Org headers are accepted in place of a session token.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. An explicit AUTH_MODE wins;
// otherwise development environments use "development" and everything else
// uses "standalone" (HS256 tokens signed with AUTH_SIGNING_KEY).
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "standalone"
}

// GatewayEnabled reports whether a payment gateway key is configured.
func (c *Config) GatewayEnabled() bool {
	return c.StripeSecretKey != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "standalone" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"standalone\", got %q", mode)
	}
	if mode == "standalone" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE is \"standalone\"")
	}
	if c.IsProduction() && mode == "development" {
		return fmt.Errorf("AUTH_MODE=development is not allowed in production")
	}

	if c.GatewayEnabled() && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.IsProduction() && strings.HasPrefix(c.StripeSecretKey, "sk_test_") {
		return fmt.Errorf("STRIPE_SECRET_KEY is a test key but ENV=production")
	}
	if c.GatewayMaxRetries < 0 {
		return fmt.Errorf("GATEWAY_MAX_RETRIES must not be negative")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be an ISO 4217 code, got %q", c.DefaultCurrency)
	}

	return nil
}
