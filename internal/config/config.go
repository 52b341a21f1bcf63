// Package config defines the process configuration of the diagnostic
// services. Configuration is loaded once at startup and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"cmipdiag/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for credentials so they never reach the logs.
type SecretString = types.SecretString

// Config is the top-level configuration. Components receive only the subset
// they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"cmipdiag"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Catalog       CatalogConfig
	Store         StoreConfig
	Pipeline      PipelineConfig
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not Env.
	Build BuildInfo
}

// CatalogConfig locates the dataset registry.
type CatalogConfig struct {
	// URL is a catalog CSV location (local path, s3:// or gs://). It is
	// required unless the registry is served from the database.
	URL string `envconfig:"CATALOG_URL"`
	// FromDatabase selects the dataset_records table as the registry.
	FromDatabase bool `envconfig:"CATALOG_FROM_DATABASE" default:"false"`
}

// StoreConfig tunes remote array store access.
type StoreConfig struct {
	CacheDir   string        `envconfig:"STORE_CACHE_DIR"`
	CacheMaxMB int64         `envconfig:"STORE_CACHE_MAX_MB" default:"512" validate:"min=0"`
	CacheTTL   time.Duration `envconfig:"STORE_CACHE_TTL" default:"24h"`
	// EnableCache turns on the chunk cache; with an empty CacheDir it is
	// held in memory.
	EnableCache bool `envconfig:"STORE_ENABLE_CACHE" default:"true"`

	GCSCredentialsFile string `envconfig:"GCS_CREDENTIALS_FILE"`
	// S3Anonymous signs no requests, for public buckets.
	S3Anonymous bool `envconfig:"S3_ANONYMOUS" default:"true"`
}

// PipelineConfig tunes the diagnostic workflows.
type PipelineConfig struct {
	Concurrency     int    `envconfig:"PIPELINE_CONCURRENCY" default:"8" validate:"min=1,max=256"`
	RegridCacheSize int    `envconfig:"REGRID_CACHE_SIZE" default:"32" validate:"min=1"`
	OutputURL       string `envconfig:"OUTPUT_URL"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15m"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds database connection and pool tuning parameters. An
// empty URL disables run history.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"omitempty,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// RunQueueURL is the SQS queue for asynchronous runs. Empty disables
	// async submission.
	RunQueueURL string `envconfig:"RUN_QUEUE_URL" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// ObservabilityConfig holds metrics settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"CMIPDiag"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
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
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrClient indicates a cloud client could not be constructed.
	ErrClient ConfigErrorType = "CLIENT_FAILED"
)
