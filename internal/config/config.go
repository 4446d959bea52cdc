// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json", "text", "tint"
	RunMode   string // "all", "api", "worker"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64 // fraction of root spans kept

	// Identity
	JWTSecret string

	// Escrow rules
	DefaultCurrency     string
	SupportedCurrencies []string
	MaxEscrowAmount     decimal.Decimal
	DefaultExpiryDays   int
	MaxExpiryDays       int

	// Background work
	SweepInterval   time.Duration
	VerifyTimeout   time.Duration
	JobWorkers      int
	JobMaxAttempts  int
	JobBaseDelay    time.Duration
	JobMaxDelay     time.Duration
	JobPollInterval time.Duration
	JobLease        time.Duration

	// Payment gateways
	DefaultGateway          string
	EnableSandbox           bool
	SandboxSecret           string
	PaystackSecretKey       string
	PaystackBaseURL         string
	FlutterwaveSecretKey    string
	FlutterwaveSecretHash   string
	FlutterwaveBaseURL      string
	MonnifyAPIKey           string
	MonnifySecretKey        string
	MonnifyContractCode     string
	MonnifySourceAccount    string
	MonnifyBaseURL          string
	StripeSecretKey         string
	StripeWebhookSecret     string
	GatewayBreakerThreshold int
	GatewayBreakerCooldown  time.Duration

	// Notifications
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Fraud rules
	FraudMaxPerHour    int
	FraudBlocklist     []string
	FraudAmountFactor  int64
	FraudAmountCeiling decimal.Decimal

	// Security
	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultRunMode         = "all"
	DefaultCurrency        = "NGN"
	DefaultMaxEscrowAmount = "100000000"
	DefaultExpiryDays      = 7
	DefaultMaxExpiryDays   = 30
	DefaultSweepInterval   = time.Minute
	DefaultVerifyTimeout   = 10 * time.Second
	DefaultJobWorkers      = 5
	DefaultJobMaxAttempts  = 5
	DefaultJobBaseDelay    = 2 * time.Second
	DefaultJobMaxDelay     = 10 * time.Minute
	DefaultJobPollInterval = time.Second
	DefaultJobLease        = 2 * time.Minute
	DefaultGateway         = "paystack"
	DefaultRateLimit       = 20
	DefaultRateBurst       = 40
	DefaultFraudPerHour    = 10
	DefaultFraudFactor     = 5

	DefaultPaystackBaseURL    = "https://api.paystack.co"
	DefaultFlutterwaveBaseURL = "https://api.flutterwave.com/v3"
	DefaultMonnifyBaseURL     = "https://api.monnify.com"
)

// DefaultSupportedCurrencies lists currencies accepted when SUPPORTED_CURRENCIES is unset.
var DefaultSupportedCurrencies = []string{"NGN", "GHS", "KES", "USD"}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     env,
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		RunMode:                 getEnv("RUN_MODE", DefaultRunMode),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		AutoMigrate:             getEnvBool("AUTO_MIGRATE", false),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:        getEnvDecimal("OTEL_TRACES_SAMPLER_ARG", "1").InexactFloat64(),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		DefaultCurrency:         strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		SupportedCurrencies:     upper(getEnvList("SUPPORTED_CURRENCIES", DefaultSupportedCurrencies)),
		MaxEscrowAmount:         getEnvDecimal("MAX_ESCROW_AMOUNT", DefaultMaxEscrowAmount),
		DefaultExpiryDays:       int(getEnvInt64("DEFAULT_EXPIRY_DAYS", DefaultExpiryDays)),
		MaxExpiryDays:           int(getEnvInt64("MAX_EXPIRY_DAYS", DefaultMaxExpiryDays)),
		SweepInterval:           getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		VerifyTimeout:           getEnvDuration("VERIFY_TIMEOUT", DefaultVerifyTimeout),
		JobWorkers:              int(getEnvInt64("JOB_WORKERS", DefaultJobWorkers)),
		JobMaxAttempts:          int(getEnvInt64("JOB_MAX_ATTEMPTS", DefaultJobMaxAttempts)),
		JobBaseDelay:            getEnvDuration("JOB_BASE_DELAY", DefaultJobBaseDelay),
		JobMaxDelay:             getEnvDuration("JOB_MAX_DELAY", DefaultJobMaxDelay),
		JobPollInterval:         getEnvDuration("JOB_POLL_INTERVAL", DefaultJobPollInterval),
		JobLease:                getEnvDuration("JOB_LEASE", DefaultJobLease),
		DefaultGateway:          getEnv("DEFAULT_GATEWAY", DefaultGateway),
		EnableSandbox:           getEnvBool("ENABLE_SANDBOX_GATEWAY", env == "development"),
		SandboxSecret:           getEnv("SANDBOX_WEBHOOK_SECRET", "sandbox-secret"),
		PaystackSecretKey:       os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:         getEnv("PAYSTACK_BASE_URL", DefaultPaystackBaseURL),
		FlutterwaveSecretKey:    os.Getenv("FLUTTERWAVE_SECRET_KEY"),
		FlutterwaveSecretHash:   os.Getenv("FLUTTERWAVE_SECRET_HASH"),
		FlutterwaveBaseURL:      getEnv("FLUTTERWAVE_BASE_URL", DefaultFlutterwaveBaseURL),
		MonnifyAPIKey:           os.Getenv("MONNIFY_API_KEY"),
		MonnifySecretKey:        os.Getenv("MONNIFY_SECRET_KEY"),
		MonnifyContractCode:     os.Getenv("MONNIFY_CONTRACT_CODE"),
		MonnifySourceAccount:    os.Getenv("MONNIFY_SOURCE_ACCOUNT"),
		MonnifyBaseURL:          getEnv("MONNIFY_BASE_URL", DefaultMonnifyBaseURL),
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GatewayBreakerThreshold: int(getEnvInt64("GATEWAY_BREAKER_THRESHOLD", 5)),
		GatewayBreakerCooldown:  getEnvDuration("GATEWAY_BREAKER_COOLDOWN", 30*time.Second),
		NotifyWebhookURL:        os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:     os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		FraudMaxPerHour:         int(getEnvInt64("FRAUD_MAX_PER_HOUR", DefaultFraudPerHour)),
		FraudBlocklist:          getEnvList("FRAUD_BLOCKLIST", nil),
		FraudAmountFactor:       getEnvInt64("FRAUD_AMOUNT_FACTOR", DefaultFraudFactor),
		FraudAmountCeiling:      getEnvDecimal("FRAUD_AMOUNT_CEILING", "0"),
		RateLimitRPS:            int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		RateLimitBurst:          int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateBurst)),
		CORSOrigins:             getEnvList("CORS_ORIGINS", []string{"*"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.IsProduction() && c.EnableSandbox {
		return fmt.Errorf("the sandbox gateway cannot be enabled in production")
	}

	switch c.RunMode {
	case "all", "api", "worker":
	default:
		return fmt.Errorf("RUN_MODE must be one of all, api, worker (got %q)", c.RunMode)
	}

	if c.DefaultExpiryDays <= 0 || c.MaxExpiryDays < c.DefaultExpiryDays {
		return fmt.Errorf("expiry days must satisfy 0 < DEFAULT_EXPIRY_DAYS <= MAX_EXPIRY_DAYS")
	}
	if !c.MaxEscrowAmount.IsPositive() {
		return fmt.Errorf("MAX_ESCROW_AMOUNT must be positive")
	}
	if c.JobWorkers <= 0 || c.JobMaxAttempts <= 0 {
		return fmt.Errorf("JOB_WORKERS and JOB_MAX_ATTEMPTS must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if !c.IsCurrencySupported(c.DefaultCurrency) {
		return fmt.Errorf("DEFAULT_CURRENCY %s is not in SUPPORTED_CURRENCIES", c.DefaultCurrency)
	}

	if !c.EnableSandbox && !c.hasRealGateway() {
		return fmt.Errorf("at least one payment gateway must be configured")
	}

	return nil
}

func (c *Config) hasRealGateway() bool {
	return c.PaystackSecretKey != "" ||
		c.FlutterwaveSecretKey != "" ||
		(c.MonnifyAPIKey != "" && c.MonnifySecretKey != "") ||
		c.StripeSecretKey != ""
}

// IsCurrencySupported reports whether code is an accepted escrow currency.
func (c *Config) IsCurrencySupported(code string) bool {
	for _, s := range c.SupportedCurrencies {
		if strings.EqualFold(s, code) {
			return true
		}
	}
	return false
}

// RunsAPI returns true if this process serves HTTP
func (c *Config) RunsAPI() bool {
	return c.RunMode == "all" || c.RunMode == "api"
}

// RunsWorkers returns true if this process executes queued jobs
func (c *Config) RunsWorkers() bool {
	return c.RunMode == "all" || c.RunMode == "worker"
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultValue)
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func upper(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToUpper(v)
	}
	return out
}
