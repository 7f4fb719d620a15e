// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name, e.g. HIREPROOF_PORT.
const Prefix = "HIREPROOF"

// Config is the process configuration read from HIREPROOF_* variables.
type Config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	BaseURL   string `envconfig:"BASE_URL" default:"http://localhost:8080"`

	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN    string `envconfig:"DB_DSN" default:"hireproof.db"`

	// TokenSecret keys token hashing and redirect signing. At least 32 bytes.
	TokenSecret          string        `envconfig:"TOKEN_SECRET" required:"true"`
	VerificationTokenTTL time.Duration `envconfig:"VERIFICATION_TOKEN_TTL" default:"72h"`
	RedirectTokenTTL     time.Duration `envconfig:"REDIRECT_TOKEN_TTL" default:"24h"`
	AttemptsPerDay       int           `envconfig:"ATTEMPTS_PER_DAY" default:"5"`

	AdminToken string `envconfig:"ADMIN_TOKEN"`

	// Per-IP limits on the public endpoints.
	StartRateLimit  int           `envconfig:"START_RATE_LIMIT" default:"20"`
	StartRateWindow time.Duration `envconfig:"START_RATE_WINDOW" default:"1m"`
	VerifyRateLimit int           `envconfig:"VERIFY_RATE_LIMIT" default:"120"`

	StripeSecretKey     string        `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	MeterEventName      string        `envconfig:"STRIPE_METER_EVENT" default:"verified_applications"`
	PriceFree           string        `envconfig:"STRIPE_PRICE_FREE"`
	PriceBasic          string        `envconfig:"STRIPE_PRICE_BASIC"`
	PricePro            string        `envconfig:"STRIPE_PRICE_PRO"`
	UsageReportInterval time.Duration `envconfig:"USAGE_REPORT_INTERVAL" default:"5m"`

	WebSocketOrigins []string `envconfig:"WEBSOCKET_ORIGINS"`
}

// Load reads an optional .env file, then the environment.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.TokenSecret) < 32 {
		return fmt.Errorf("%s_TOKEN_SECRET must be at least 32 bytes", Prefix)
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%s_DB_DRIVER must be sqlite or postgres, got %q", Prefix, c.DBDriver)
	}
	if c.VerificationTokenTTL <= 0 {
		return fmt.Errorf("%s_VERIFICATION_TOKEN_TTL must be positive", Prefix)
	}
	if c.RedirectTokenTTL <= 0 || c.UsageReportInterval <= 0 {
		return fmt.Errorf("%s_REDIRECT_TOKEN_TTL and %s_USAGE_REPORT_INTERVAL must be positive", Prefix, Prefix)
	}
	if c.AttemptsPerDay < 0 {
		return fmt.Errorf("%s_ATTEMPTS_PER_DAY must not be negative", Prefix)
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("%s_STRIPE_WEBHOOK_SECRET is required with a Stripe key", Prefix)
	}
	return nil
}

// StripeEnabled reports whether usage reporting and webhooks are configured.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != ""
}

// PlanPrices maps plan names to their configured Stripe price IDs.
func (c *Config) PlanPrices() map[string]string {
	prices := make(map[string]string)
	for plan, id := range map[string]string{"free": c.PriceFree, "basic": c.PriceBasic, "pro": c.PricePro} {
		if id != "" {
			prices[plan] = id
		}
	}
	return prices
}
