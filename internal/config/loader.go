// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC process timezone to prevent drift bugs. Billing date
//     arithmetic uses its own explicitly-loaded civil timezone.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads and validates the platform configuration from the
// environment. A .env file in the working directory is read first when
// present; existing environment variables are never overridden by it.
func LoadConfig() (*Config, error) {
	time.Local = time.UTC

	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate runs struct validation plus the cross-field rules that validator
// tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	// The selected gateway must be fully configured; the other may be empty.
	switch cfg.Gateway.Provider {
	case "nicepay":
		if cfg.Gateway.ClientID == "" || cfg.Gateway.SecretKey.Unmask() == "" {
			return &ConfigError{
				Type:    ErrValidation,
				Message: "GATEWAY_CLIENT_ID and GATEWAY_SECRET_KEY are required when PAYMENT_PROVIDER=nicepay",
			}
		}
	case "stripe":
		if cfg.Stripe.SecretKey.Unmask() == "" {
			return &ConfigError{
				Type:    ErrValidation,
				Message: "STRIPE_SECRET_KEY is required when PAYMENT_PROVIDER=stripe",
			}
		}
	}

	if _, err := time.LoadLocation(cfg.Billing.Timezone); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: fmt.Sprintf("invalid BILLING_TIMEZONE %q", cfg.Billing.Timezone),
			Err:     err,
		}
	}

	return nil
}
