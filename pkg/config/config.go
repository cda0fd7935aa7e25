// Package config provides configuration loading from environment variables
// and the YAML provider manifest.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageBackend represents the audit storage implementation type.
type StorageBackend string

const (
	// StorageMemory uses in-memory storage (for development/testing).
	StorageMemory StorageBackend = "memory"
	// StoragePostgres uses PostgreSQL storage (for production).
	StoragePostgres StorageBackend = "postgres"
)

// Base contains common configuration shared by all services.
type Base struct {
	// Service identification
	ServiceName string
	Environment string // development, staging, production
	Version     string

	// Server
	HTTPPort int

	// Provider manifest
	ManifestPath string

	// Storage backend for the audit trail
	StorageBackend StorageBackend

	// Database (used when StorageBackend is "postgres")
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (response cache); empty disables caching
	RedisURL string
	CacheTTL time.Duration

	// Observability
	OTLPEndpoint string
	LogLevel     string
	LogFormat    string // json, text

	// Tracing
	TracingEnabled  bool
	TracingSampling float64
}

// Load loads base configuration from environment variables.
func Load(serviceName string) (*Base, error) {
	cfg := &Base{
		ServiceName: serviceName,
		Environment: getEnv("RELAY_ENV", "development"),
		Version:     getEnv("RELAY_VERSION", "dev"),

		HTTPPort: getEnvInt("RELAY_HTTP_PORT", 8080),

		ManifestPath: getEnv("RELAY_CONFIG_FILE", ""),

		StorageBackend: parseStorageBackend(getEnv("RELAY_STORAGE_BACKEND", "memory")),

		DBHost:     getEnv("RELAY_DB_HOST", "localhost"),
		DBPort:     getEnvInt("RELAY_DB_PORT", 5432),
		DBUser:     getEnv("RELAY_DB_USER", "relay"),
		DBPassword: getEnv("RELAY_DB_PASSWORD", ""),
		DBName:     getEnv("RELAY_DB_NAME", "relay"),
		DBSSLMode:  getEnv("RELAY_DB_SSLMODE", "disable"),

		RedisURL: getEnv("RELAY_REDIS_URL", ""),
		CacheTTL: getEnvDuration("RELAY_CACHE_TTL", 5*time.Minute),

		OTLPEndpoint: getEnv("RELAY_OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:     getEnv("RELAY_LOG_LEVEL", "info"),
		LogFormat:    getEnv("RELAY_LOG_FORMAT", "json"),

		TracingEnabled:  getEnvBool("RELAY_TRACING_ENABLED", false),
		TracingSampling: getEnvFloat("RELAY_TRACING_SAMPLING", 1.0),
	}

	return cfg, nil
}

// DatabaseDSN returns the PostgreSQL connection string.
func (c *Base) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// IsDevelopment returns true if running in development mode.
func (c *Base) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Base) IsProduction() bool {
	return c.Environment == "production"
}

// UseMemoryStorage returns true if using in-memory storage.
func (c *Base) UseMemoryStorage() bool {
	return c.StorageBackend == StorageMemory
}

// UsePostgresStorage returns true if using PostgreSQL storage.
func (c *Base) UsePostgresStorage() bool {
	return c.StorageBackend == StoragePostgres
}

// Manifest is the YAML router configuration: dispatch settings, the provider
// set, and budget limits.
type Manifest struct {
	Router    RouterSettings  `yaml:"router"`
	Providers []ProviderEntry `yaml:"providers"`
	Budgets   []BudgetEntry   `yaml:"budgets"`
}

// RouterSettings are the dispatch knobs. Zero values defer to the router's
// defaults.
type RouterSettings struct {
	Strategy           string        `yaml:"strategy"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	StreamChunkTimeout time.Duration `yaml:"stream_chunk_timeout"`
	EnableFallback     *bool         `yaml:"enable_fallback"`
	MaxRetries         *int          `yaml:"max_retries"`

	FailureThreshold uint32        `yaml:"failure_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`

	HealthInterval   time.Duration `yaml:"health_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	UnreachableAfter int           `yaml:"unreachable_after"`
}

// ProviderEntry defines one upstream provider.
type ProviderEntry struct {
	ID          string        `yaml:"id"`
	Type        string        `yaml:"type"` // anthropic, openai
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	BaseURL     string        `yaml:"base_url"`
	Priority    int           `yaml:"priority"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxInflight int           `yaml:"max_inflight"`
}

// APIKey resolves the provider's credential from the environment.
func (p ProviderEntry) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// BudgetEntry defines one spend ceiling.
type BudgetEntry struct {
	Period            string  `yaml:"period"` // hourly, daily, weekly, monthly, total
	LimitUSD          float64 `yaml:"limit_usd"`
	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`
	BlockOnLimit      bool    `yaml:"block_on_limit"`
}

// LoadManifest reads and parses the YAML manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	for i, p := range m.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("manifest provider %d: id is required", i)
		}
		if p.Type == "" {
			return nil, fmt.Errorf("manifest provider %q: type is required", p.ID)
		}
	}
	return &m, nil
}

// Helper functions

func parseStorageBackend(s string) StorageBackend {
	switch s {
	case "postgres", "postgresql", "pg":
		return StoragePostgres
	default:
		return StorageMemory
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
