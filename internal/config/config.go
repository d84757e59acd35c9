// Package config defines the global configuration structure for the Rewritely
// billing platform. Configuration is loaded once at process initialization and
// is immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved from the OS environment, with a local .env file as a
// fallback. Any missing required value or invalid format causes the process
// to exit immediately on startup (fail fast).
package config

import (
	"time"

	"rewritely/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"rewritely-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
	Gateway  GatewayConfig
	Stripe   StripeConfig
	Quota    QuotaConfig
	Queue    QueueConfig
	Metrics  MetricsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// CronSecret protects the internal scheduler trigger endpoint. The
	// external time-based trigger must present it as a bearer token.
	CronSecret SecretString `envconfig:"CRON_SECRET" validate:"required,min=16"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds scheduler and billing cycle settings.
type BillingConfig struct {
	// Timezone is the civil timezone all billing date arithmetic runs in.
	// Charge dates are computed here and stored as UTC instants.
	Timezone string `envconfig:"BILLING_TIMEZONE" default:"Asia/Seoul"`

	PollInterval time.Duration `envconfig:"BILLING_POLL_INTERVAL" default:"2m"`
	BatchLimit   int           `envconfig:"BILLING_BATCH_LIMIT" default:"50"`
	// Concurrency bounds how many due subscriptions one pass charges in
	// parallel. Per-subscription exclusivity is guaranteed by the
	// skip-locked selection, not by this number.
	Concurrency int `envconfig:"BILLING_CONCURRENCY" default:"4"`

	PlanName   string `envconfig:"BILLING_PLAN_NAME" default:"pro_monthly"`
	PlanAmount int64  `envconfig:"BILLING_PLAN_AMOUNT" default:"4900"`
	Currency   string `envconfig:"BILLING_CURRENCY" default:"KRW"`
}

// GatewayConfig holds credentials for the primary card-on-file gateway.
type GatewayConfig struct {
	// Provider selects the PaymentGateway implementation: "nicepay" or "stripe".
	Provider  string        `envconfig:"PAYMENT_PROVIDER" default:"nicepay" validate:"oneof=nicepay stripe"`
	BaseURL   string        `envconfig:"GATEWAY_API_BASE" default:"https://api.nicepay.co.kr"`
	ClientID  string        `envconfig:"GATEWAY_CLIENT_ID"`
	SecretKey SecretString  `envconfig:"GATEWAY_SECRET_KEY"`
	Timeout   time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
}

// StripeConfig holds Stripe credentials, used when PAYMENT_PROVIDER=stripe.
type StripeConfig struct {
	SecretKey SecretString `envconfig:"STRIPE_SECRET_KEY"`
}

// QuotaConfig holds the guest token signing key.
type QuotaConfig struct {
	GuestTokenKey SecretString `envconfig:"GUEST_TOKEN_KEY" validate:"required,min=16"`
	CookieName    string       `envconfig:"GUEST_COOKIE_NAME" default:"aid"`
}

// QueueConfig holds the reconcile queue settings for asynchronous webhook
// processing.
type QueueConfig struct {
	ReconcileQueueURL string `envconfig:"SQS_RECONCILE_QUEUE"`
	AWSRegion         string `envconfig:"AWS_REGION" default:"us-east-1"`
	// EndpointURL supports LocalStack in development; empty in prod.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// MetricsConfig holds CloudWatch metric publishing settings.
type MetricsConfig struct {
	Namespace string `envconfig:"METRIC_NAMESPACE" default:"Rewritely"`
	Enabled   bool   `envconfig:"METRICS_ENABLED" default:"false"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
