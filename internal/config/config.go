// Package config loads and validates the audit service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the AUDIT_ prefix (e.g. AUDIT_DATABASE_HOST
// overrides database.host in the YAML), so the same binary runs with a config.yaml
// in local development and with pure environment variables in containers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable override.
const EnvPrefix = "AUDIT"

// Config holds all application configuration
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Storage     StorageConfig   `mapstructure:"storage"`
	Security    SecurityConfig  `mapstructure:"security"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
	Audit       AuditConfig     `mapstructure:"audit"`
}

// IsProduction reports whether the service runs with production semantics.
// Stack traces are only attached to failed audit records outside production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the connection settings shared by the cache, the job queue
// and the rate limiter. An empty Addr disables every Redis-backed component and
// the in-process fallbacks are used instead.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Enabled reports whether a Redis server is configured.
func (r *RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// StorageConfig selects the object storage backend used for archive exports.
type StorageConfig struct {
	// DefaultBackend is one of local, s3, azure, gcs. Empty disables archive exports.
	DefaultBackend string             `mapstructure:"default_backend"`
	Azure          AzureStorageConfig `mapstructure:"azure"`
	S3             S3StorageConfig    `mapstructure:"s3"`
	GCS            GCSStorageConfig   `mapstructure:"gcs"`
	Local          LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is optional, for MinIO and other S3-compatible services
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// AuthMethod is "default", "static" or "assume_role"
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	RoleARN         string `mapstructure:"role_arn"`
	ExternalID      string `mapstructure:"external_id"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// SecurityConfig holds authentication and request-throttling settings
type SecurityConfig struct {
	// JWTSecret signs and verifies caller bearer tokens.
	JWTSecret string `mapstructure:"jwt_secret"`
	// APIKeys are machine credentials allowed to ingest audit records.
	APIKeys      []APIKeyConfig     `mapstructure:"api_keys"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	CORS         CORSConfig         `mapstructure:"cors"`
}

// APIKeyConfig describes one service credential. Hash is the bcrypt hash of the
// full key; Prefix is the plaintext lookup prefix shown to operators.
type APIKeyConfig struct {
	Name   string   `mapstructure:"name"`
	Prefix string   `mapstructure:"prefix"`
	Hash   string   `mapstructure:"hash"`
	Scopes []string `mapstructure:"scopes"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig groups every knob of the audit pipeline.
type AuditConfig struct {
	Capture   CaptureConfig   `mapstructure:"capture"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Retention RetentionConfig `mapstructure:"retention"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// CaptureConfig controls which requests the interceptor records and how
// payloads are cleaned before they are stored.
type CaptureConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ReadOperations records GET/HEAD requests on every included path. When
	// false only reads registered in the route registry are recorded.
	ReadOperations  bool              `mapstructure:"read_operations"`
	IncludePatterns []string          `mapstructure:"include_patterns"`
	ExcludePatterns []string          `mapstructure:"exclude_patterns"`
	SensitiveFields []string          `mapstructure:"sensitive_fields"`
	MaxBodySize     int               `mapstructure:"max_body_size"`
	SeverityTable   map[string]string `mapstructure:"severity_table"`
	DispatchTimeout time.Duration     `mapstructure:"dispatch_timeout"`
}

// QueueConfig controls asynchronous dispatch.
type QueueConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Name        string        `mapstructure:"name"`
	Concurrency int           `mapstructure:"concurrency"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	SingleDelay time.Duration `mapstructure:"single_delay"`
	BatchDelay  time.Duration `mapstructure:"batch_delay"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// CacheConfig controls the query and statistics cache.
type CacheConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Namespace string        `mapstructure:"namespace"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// BatchConfig controls bulk insert chunking.
type BatchConfig struct {
	Size        int `mapstructure:"size"`
	MaxParallel int `mapstructure:"max_parallel"`
	MaxRequest  int `mapstructure:"max_request"`
}

// RetentionConfig holds the retention tables in days.
type RetentionConfig struct {
	DefaultDays      int            `mapstructure:"default_days"`
	SeverityDays     map[string]int `mapstructure:"severity_days"`
	ComplianceDays   map[string]int `mapstructure:"compliance_days"`
	ArchiveGraceDays int            `mapstructure:"archive_grace_days"`
}

// SchedulerConfig controls periodic retention and statistics jobs.
type SchedulerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	RetentionInterval  time.Duration `mapstructure:"retention_interval"`
	StatisticsInterval time.Duration `mapstructure:"statistics_interval"`
	AggregateInterval  time.Duration `mapstructure:"aggregate_interval"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
}

// ArchiveConfig controls NDJSON snapshots written when records are archived.
type ArchiveConfig struct {
	ExportOnArchive bool   `mapstructure:"export_on_archive"`
	Prefix          string `mapstructure:"prefix"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() does not see nested keys during Unmarshal unless they are bound.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"environment",

		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.pool_size",

		// Storage
		"storage.default_backend",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.external_id",
		"storage.gcs.bucket",
		"storage.gcs.credentials_file",
		"storage.gcs.endpoint",
		"storage.local.base_path",

		// Security
		"security.jwt_secret",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.cors.allowed_origins",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Audit pipeline
		"audit.capture.enabled",
		"audit.capture.read_operations",
		"audit.capture.include_patterns",
		"audit.capture.exclude_patterns",
		"audit.capture.sensitive_fields",
		"audit.capture.max_body_size",
		"audit.capture.dispatch_timeout",
		"audit.queue.enabled",
		"audit.queue.name",
		"audit.queue.concurrency",
		"audit.queue.max_attempts",
		"audit.queue.single_delay",
		"audit.queue.batch_delay",
		"audit.queue.poll_timeout",
		"audit.cache.enabled",
		"audit.cache.namespace",
		"audit.cache.ttl",
		"audit.batch.size",
		"audit.batch.max_parallel",
		"audit.batch.max_request",
		"audit.retention.default_days",
		"audit.retention.archive_grace_days",
		"audit.scheduler.enabled",
		"audit.scheduler.retention_interval",
		"audit.scheduler.statistics_interval",
		"audit.scheduler.aggregate_interval",
		"audit.scheduler.lock_ttl",
		"audit.archive.export_on_archive",
		"audit.archive.prefix",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// newViper builds a Viper instance with defaults, search paths and env bindings.
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/audittrail")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

// decode unmarshals, expands secrets and validates.
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Security.JWTSecret = expandEnv(cfg.Security.JWTSecret)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "audittrail")
	v.SetDefault("database.user", "audittrail")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	// Storage defaults
	v.SetDefault("storage.default_backend", "")
	v.SetDefault("storage.local.base_path", "./archive")
	v.SetDefault("storage.s3.auth_method", "default")

	// Security defaults
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 600)
	v.SetDefault("security.rate_limiting.burst", 100)
	v.SetDefault("security.cors.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "audittrail")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Capture defaults
	v.SetDefault("audit.capture.enabled", true)
	v.SetDefault("audit.capture.read_operations", false)
	v.SetDefault("audit.capture.include_patterns", []string{"/api/**"})
	v.SetDefault("audit.capture.exclude_patterns", []string{"/health", "/ready", "/metrics"})
	v.SetDefault("audit.capture.sensitive_fields", []string{"password", "token", "secret", "apiKey", "creditCard", "ssn"})
	v.SetDefault("audit.capture.max_body_size", 10240)
	v.SetDefault("audit.capture.dispatch_timeout", "5s")
	v.SetDefault("audit.capture.severity_table", map[string]string{
		"DELETE":            "HIGH",
		"PERMISSION_CHANGE": "CRITICAL",
		"ROLE_CHANGE":       "CRITICAL",
		"SYSTEM_CONFIG":     "HIGH",
		"BULK_OPERATION":    "HIGH",
		"EXPORT":            "MEDIUM",
		"IMPORT":            "MEDIUM",
		"LOGIN":             "MEDIUM",
		"CREATE":            "LOW",
		"UPDATE":            "MEDIUM",
	})

	// Queue defaults
	v.SetDefault("audit.queue.enabled", true)
	v.SetDefault("audit.queue.name", "audit-logs")
	v.SetDefault("audit.queue.concurrency", 4)
	v.SetDefault("audit.queue.max_attempts", 3)
	v.SetDefault("audit.queue.single_delay", "2s")
	v.SetDefault("audit.queue.batch_delay", "5s")
	v.SetDefault("audit.queue.poll_timeout", "1s")

	// Cache defaults
	v.SetDefault("audit.cache.enabled", true)
	v.SetDefault("audit.cache.namespace", "audit")
	v.SetDefault("audit.cache.ttl", "5m")

	// Batch defaults
	v.SetDefault("audit.batch.size", 100)
	v.SetDefault("audit.batch.max_parallel", 1)
	v.SetDefault("audit.batch.max_request", 1000)

	// Retention defaults
	v.SetDefault("audit.retention.default_days", 90)
	v.SetDefault("audit.retention.archive_grace_days", 90)
	v.SetDefault("audit.retention.severity_days", map[string]int{
		"LOW":      30,
		"MEDIUM":   90,
		"HIGH":     365,
		"CRITICAL": 2555,
		"ERROR":    180,
	})
	v.SetDefault("audit.retention.compliance_days", map[string]int{
		"GDPR":    1095,
		"HIPAA":   2190,
		"PCI-DSS": 365,
		"AUDIT":   2555,
	})

	// Scheduler defaults
	v.SetDefault("audit.scheduler.enabled", true)
	v.SetDefault("audit.scheduler.retention_interval", "24h")
	v.SetDefault("audit.scheduler.statistics_interval", "1h")
	v.SetDefault("audit.scheduler.aggregate_interval", "168h")
	v.SetDefault("audit.scheduler.lock_ttl", "30m")

	// Archive defaults
	v.SetDefault("audit.archive.export_on_archive", false)
	v.SetDefault("audit.archive.prefix", "audit-archive")
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	switch c.Storage.DefaultBackend {
	case "":
		if c.Audit.Archive.ExportOnArchive {
			return fmt.Errorf("storage.default_backend is required when audit.archive.export_on_archive is set")
		}
	case "local":
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" || c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.bucket and storage.s3.region are required when using S3 backend")
		}
	case "azure":
		if c.Storage.Azure.AccountName == "" || c.Storage.Azure.AccountKey == "" || c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.account_name, account_key and container_name are required when using Azure backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be local, s3, azure or gcs)", c.Storage.DefaultBackend)
	}

	if c.IsProduction() && c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required in production")
	}

	if c.Audit.Batch.Size < 1 {
		return fmt.Errorf("audit.batch.size must be positive, got %d", c.Audit.Batch.Size)
	}
	if c.Audit.Batch.MaxRequest < 1 {
		return fmt.Errorf("audit.batch.max_request must be positive, got %d", c.Audit.Batch.MaxRequest)
	}
	if c.Audit.Queue.MaxAttempts < 1 {
		return fmt.Errorf("audit.queue.max_attempts must be at least 1, got %d", c.Audit.Queue.MaxAttempts)
	}
	if c.Audit.Queue.Concurrency < 1 {
		return fmt.Errorf("audit.queue.concurrency must be at least 1, got %d", c.Audit.Queue.Concurrency)
	}
	if c.Audit.Retention.DefaultDays < 1 {
		return fmt.Errorf("audit.retention.default_days must be positive, got %d", c.Audit.Retention.DefaultDays)
	}
	if c.Audit.Capture.MaxBodySize < 0 {
		return fmt.Errorf("audit.capture.max_body_size must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
