// Package config defines the process configuration for the billing engine.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved from the OS environment first, then from a .env file in
// the working directory. A missing required value or an invalid format fails
// startup.
package config

import (
	"time"

	"carpoolhub/internal/types"
)

// SecretString is an alias for types.SecretString so secrets stay redacted
// when a Config is logged.
type SecretString = types.SecretString

// Config is the top-level configuration. Components receive only the section
// they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"carpoolhub-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Documents     DocumentsConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds the connection string and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`

	// ApplySchema runs the embedded DDL at startup. Local development only.
	ApplySchema bool `envconfig:"DB_APPLY_SCHEMA" default:"false"`
}

// AWSConfig holds AWS resource identifiers.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// NotificationQueue is optional; without it notifications are logged.
	NotificationQueue string `envconfig:"NOTIFICATION_QUEUE_URL" validate:"omitempty,url"`

	// LocalStack support. Empty in prod.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// BillingConfig holds payment processor credentials and billing policy.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeAPIBase       string        `envconfig:"STRIPE_API_BASE" default:"https://api.stripe.com" validate:"url"`
	WebhookTolerance    time.Duration `envconfig:"STRIPE_WEBHOOK_TOLERANCE" default:"5m"`

	Currency           string `envconfig:"BILLING_CURRENCY" default:"eur" validate:"len=3"`
	CheckoutSuccessURL string `envconfig:"BILLING_CHECKOUT_SUCCESS_URL" validate:"required,url"`
	CheckoutCancelURL  string `envconfig:"BILLING_CHECKOUT_CANCEL_URL" validate:"required,url"`

	PaymentGracePeriod time.Duration `envconfig:"BILLING_PAYMENT_GRACE_PERIOD" default:"336h" validate:"min=1h"`
	OutboxMaxAttempts  int           `envconfig:"BILLING_OUTBOX_MAX_ATTEMPTS" default:"8" validate:"min=1,max=20"`
	OutboxBaseBackoff  time.Duration `envconfig:"BILLING_OUTBOX_BASE_BACKOFF" default:"30s"`
}

// DocumentsConfig points at the invoice document renderer.
type DocumentsConfig struct {
	BaseURL string        `envconfig:"DOCUMENTS_BASE_URL" validate:"required,url"`
	APIKey  SecretString  `envconfig:"DOCUMENTS_API_KEY"`
	Timeout time.Duration `envconfig:"DOCUMENTS_TIMEOUT" default:"10s"`
}

// SecurityConfig holds admin access and CORS settings.
type SecurityConfig struct {
	AdminAPIKey        SecretString `envconfig:"ADMIN_API_KEY" validate:"required,min=16"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds metrics settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"CarpoolHub/Billing"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrParsing    ConfigErrorType = "PARSING_FAILED"
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
)
