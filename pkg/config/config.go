package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openshelf/openshelf/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

// CacheConfig holds the computed-access cache configuration
type CacheConfig struct {
	Enabled       bool
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
	TTL           time.Duration
	L1Size        int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("OPENSHELF_HOST", "0.0.0.0"),
		Port:            getEnv("OPENSHELF_PORT", "8080"),
		ReadTimeout:     getEnvDuration("OPENSHELF_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("OPENSHELF_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("OPENSHELF_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("OPENSHELF_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("OPENSHELF_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:          getEnv("OPENSHELF_POSTGRES_URL", ""),
		MaxOpenConns: getEnvInt("OPENSHELF_POSTGRES_MAX_CONNS", 20),
		MaxIdleConns: getEnvInt("OPENSHELF_POSTGRES_IDLE_CONNS", 2),
		QueryTimeout: getEnvDuration("OPENSHELF_POSTGRES_TIMEOUT", 10*time.Second),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:       getEnvBool("OPENSHELF_CACHE_ENABLED", true),
		RedisURL:      getEnv("OPENSHELF_REDIS_URL", ""),
		RedisPassword: getEnv("OPENSHELF_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("OPENSHELF_REDIS_DB", 0),
		RedisPoolSize: getEnvInt("OPENSHELF_REDIS_POOL_SIZE", 10),
		TTL:           getEnvDuration("OPENSHELF_CACHE_TTL", 5*time.Minute),
		L1Size:        getEnvInt("OPENSHELF_L1_CACHE_SIZE", 4096),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("OPENSHELF_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("OPENSHELF_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Cache.Enabled && c.Cache.RedisURL == "" {
		return fmt.Errorf("redis URL is required when the access cache is enabled")
	}

	return nil
}

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
