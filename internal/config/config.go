package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// SchemaVersion tracks the configuration schema version for migrations.
const SchemaVersion = "1.0"

// Config holds all application configuration.
type Config struct {
	// Schema Version (for config migration tracking)
	SchemaVersion string `env:"CONFIG_SCHEMA_VERSION" envDefault:"1.0"`

	// Server Configuration
	ServerPort     int           `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// Graceful Shutdown Configuration
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// CORS Configuration
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`
	CORSAllowedMethods []string `env:"CORS_ALLOWED_METHODS" envDefault:"GET,POST,OPTIONS"`
	CORSAllowedHeaders []string `env:"CORS_ALLOWED_HEADERS" envDefault:"Authorization,Content-Type,X-Request-ID"`
	CORSMaxAge         int      `env:"CORS_MAX_AGE" envDefault:"86400"`

	// Profiling Configuration
	PProfEnabled bool `env:"PPROF_ENABLED" envDefault:"false"`
	PProfPort    int  `env:"PPROF_PORT" envDefault:"6060"`

	// Health Check Configuration
	HealthCheckTimeout time.Duration `env:"HEALTH_CHECK_TIMEOUT" envDefault:"3s"`

	// TLS Configuration
	TLSEnabled    bool   `env:"TLS_ENABLED" envDefault:"false"`
	TLSCertPath   string `env:"TLS_CERT_PATH"`
	TLSKeyPath    string `env:"TLS_KEY_PATH"`
	TLSMinVersion string `env:"TLS_MIN_VERSION" envDefault:"1.3"`

	// Ingress Security — single key, the engine has one ingress caller
	// (the mirroring worker), unlike the teacher's MCP/IDE split.
	GatewayAPIKey string `env:"GATEWAY_API_KEY,required"`

	// Redis (shared KV: rate-limit cells + policy cache)
	RedisHost         string        `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort         int           `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisUseTLS       bool          `env:"REDIS_USE_TLS" envDefault:"false"`
	RedisDB           int           `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	RedisMinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	RedisMaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	RedisDialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	RedisReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`

	// Rate Limit Store binding — presence enables §4.3, absence disables
	// it (the engine then treats every RateLimitConfig as not-enabled).
	RateLimitStoreEnabled bool `env:"RATE_LIMIT_STORE_ENABLED" envDefault:"true"`

	// Policy Store
	DatabaseAbstractorServiceURL   string `env:"DATABASE_ABSTRACTOR_SERVICE_URL" envDefault:"https://cyborg.akto.io"`
	DatabaseAbstractorServiceToken string `env:"DATABASE_ABSTRACTOR_SERVICE_TOKEN,required"`

	// Threat Backend
	ThreatBackendURL   string `env:"THREAT_BACKEND_URL" envDefault:"https://tbs.akto.io/api/threat_detection/record_malicious_event"`
	ThreatBackendToken string `env:"THREAT_BACKEND_TOKEN"`

	// Scanner
	ScannerURL string `env:"SCANNER_URL" envDefault:"https://model-executor/scan"`

	// Feature toggle for the whole engine
	EnableMCPGuardrails bool `env:"ENABLE_MCP_GUARDRAILS" envDefault:"true"`

	// Cache TTL Configuration
	CacheTTLPolicy time.Duration `env:"CACHE_TTL_POLICY" envDefault:"30s"`
	CacheTTLAudit  time.Duration `env:"CACHE_TTL_AUDIT" envDefault:"30s"`

	// Circuit Breaker Configuration
	CircuitBreakerEnabled         bool          `env:"CIRCUIT_BREAKER_ENABLED" envDefault:"true"`
	CircuitBreakerFailureThreshold int          `env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitBreakerMaxRequests     int           `env:"CIRCUIT_BREAKER_MAX_REQUESTS" envDefault:"3"`
	CircuitBreakerInterval        time.Duration `env:"CIRCUIT_BREAKER_INTERVAL" envDefault:"10s"`
	CircuitBreakerTimeout         time.Duration `env:"CIRCUIT_BREAKER_TIMEOUT" envDefault:"30s"`

	// Scanner fan-out deadline — spec.md §4.6 uses 5s, the default here;
	// SCANNER_DEADLINE overrides it.
	ScannerDeadline time.Duration `env:"SCANNER_DEADLINE" envDefault:"5s"`

	// Metadata Auditor concurrency — spec.md §4.9 uses 5, the default
	// here; METADATA_AUDITOR_CONCURRENCY overrides it.
	MetadataAuditorConcurrency int `env:"METADATA_AUDITOR_CONCURRENCY" envDefault:"5"`

	// Audit Logging Configuration (ambient ops/security event log, distinct
	// from the Audit Validator / AuditPolicy data model)
	AuditBufferSize    int           `env:"AUDIT_BUFFER_SIZE" envDefault:"1000"`
	AuditFlushInterval time.Duration `env:"AUDIT_FLUSH_INTERVAL" envDefault:"5s"`

	// Feature Flags (hot-reloadable)
	EnableMetrics      bool `env:"ENABLE_METRICS" envDefault:"true"`
	EnableAuditLogging bool `env:"ENABLE_AUDIT_LOGGING" envDefault:"true"`
	EnableCache        bool `env:"ENABLE_CACHE" envDefault:"true"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate performs fail-fast bounds checking.
func (c *Config) Validate() error {
	if err := ValidateAPIKey(c.GatewayAPIKey, "GATEWAY_API_KEY"); err != nil {
		return err
	}

	if err := ValidateTimeout("SHUTDOWN_TIMEOUT", c.ShutdownTimeout, 5*time.Second, 5*time.Minute); err != nil {
		return err
	}
	if err := ValidateTimeout("REQUEST_TIMEOUT", c.RequestTimeout, 1*time.Second, 5*time.Minute); err != nil {
		return err
	}

	if c.RedisPoolSize < 1 {
		return fmt.Errorf("REDIS_POOL_SIZE must be at least 1, got %d", c.RedisPoolSize)
	}
	if c.RedisPoolSize > 100 {
		return fmt.Errorf("REDIS_POOL_SIZE must be at most 100, got %d", c.RedisPoolSize)
	}
	if c.RedisMinIdleConns < 0 {
		return fmt.Errorf("REDIS_MIN_IDLE_CONNS must be non-negative, got %d", c.RedisMinIdleConns)
	}
	if c.RedisMinIdleConns > c.RedisPoolSize {
		return fmt.Errorf("REDIS_MIN_IDLE_CONNS (%d) cannot exceed REDIS_POOL_SIZE (%d)",
			c.RedisMinIdleConns, c.RedisPoolSize)
	}

	if c.CircuitBreakerFailureThreshold < 1 {
		return fmt.Errorf("CIRCUIT_BREAKER_FAILURE_THRESHOLD must be at least 1, got %d", c.CircuitBreakerFailureThreshold)
	}

	if c.MetadataAuditorConcurrency < 1 || c.MetadataAuditorConcurrency > 32 {
		return fmt.Errorf("METADATA_AUDITOR_CONCURRENCY must be between 1 and 32, got %d", c.MetadataAuditorConcurrency)
	}

	if c.TLSEnabled {
		if c.TLSCertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED is true")
		}
		if c.TLSKeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED is true")
		}
		if c.TLSMinVersion != "1.2" && c.TLSMinVersion != "1.3" {
			return fmt.Errorf("TLS_MIN_VERSION must be 1.2 or 1.3, got %s", c.TLSMinVersion)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error, got %s", c.LogLevel)
	}

	if c.AuditBufferSize < 100 {
		return fmt.Errorf("AUDIT_BUFFER_SIZE must be at least 100, got %d", c.AuditBufferSize)
	}
	if c.AuditBufferSize > 10000 {
		return fmt.Errorf("AUDIT_BUFFER_SIZE must be at most 10000, got %d", c.AuditBufferSize)
	}

	if len(c.CORSAllowedOrigins) == 0 {
		return fmt.Errorf("CORS_ALLOWED_ORIGINS must not be empty")
	}

	return nil
}

// ValidateAPIKey validates an API key meets minimum security requirements.
func ValidateAPIKey(key, name string) error {
	if len(key) < 16 {
		return fmt.Errorf("%s must be at least 16 characters, got %d", name, len(key))
	}
	return nil
}

// ValidateTimeout validates a timeout is within acceptable bounds.
func ValidateTimeout(name string, value, min, max time.Duration) error {
	if value < min {
		return fmt.Errorf("%s must be at least %v, got %v", name, min, value)
	}
	if value > max {
		return fmt.Errorf("%s must be at most %v, got %v", name, max, value)
	}
	return nil
}

// RedisAddr returns the Redis connection address.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsHotReloadable returns true if the config key supports hot reloading.
func IsHotReloadable(key string) bool {
	hotReloadable := map[string]bool{
		"LOG_LEVEL":              true,
		"ENABLE_MCP_GUARDRAILS":  true,
		"CACHE_TTL_POLICY":       true,
		"CACHE_TTL_AUDIT":        true,
		"ENABLE_METRICS":         true,
		"ENABLE_AUDIT_LOGGING":   true,
		"ENABLE_CACHE":           true,
		"CORS_ALLOWED_ORIGINS":   true,
		"CORS_MAX_AGE":           true,
	}
	return hotReloadable[key]
}

// HotReloadableFields returns all hot-reloadable configuration keys.
func HotReloadableFields() []string {
	return []string{
		"LOG_LEVEL",
		"ENABLE_MCP_GUARDRAILS",
		"CACHE_TTL_POLICY",
		"CACHE_TTL_AUDIT",
		"ENABLE_METRICS",
		"ENABLE_AUDIT_LOGGING",
		"ENABLE_CACHE",
		"CORS_ALLOWED_ORIGINS",
		"CORS_MAX_AGE",
	}
}

// Masked returns a copy of the config with sensitive values redacted,
// safe to pass to a logger.
func (c *Config) Masked() *Config {
	masked := *c
	masked.RedisPassword = "***"
	masked.GatewayAPIKey = "***"
	masked.DatabaseAbstractorServiceToken = "***"
	masked.ThreatBackendToken = "***"
	return &masked
}
