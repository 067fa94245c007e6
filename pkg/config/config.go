package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/archonhq/archon/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Database configuration
	Database DatabaseConfig `yaml:"database"`

	// Cache configuration
	Cache CacheConfig `yaml:"cache"`

	// Audit configuration
	Audit AuditConfig `yaml:"audit"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	PrimaryURL  string        `yaml:"primary_url"`
	ReplicaURLs string        `yaml:"replica_urls"` // comma-separated
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
}

// CacheConfig holds evaluation cache configuration
type CacheConfig struct {
	// Backend is either "memory" or "redis"
	Backend    string        `yaml:"backend"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// AuditConfig holds audit sink configuration
type AuditConfig struct {
	// FilePath enables the NDJSON file logger when non-empty
	FilePath string `yaml:"file_path"`

	RetentionDays int    `yaml:"retention_days"`
	PurgeSchedule string `yaml:"purge_schedule"` // cron expression
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel `yaml:"-"`
	LogLevelName   string                 `yaml:"log_level"`
	MetricsEnabled bool                   `yaml:"metrics_enabled"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigFile loads configuration from environment variables and overlays
// values from a YAML file. File values win over environment values.
func LoadConfigFile(path string) (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Observability.LogLevelName != "" {
		cfg.Observability.LogLevel = observability.ParseLogLevel(cfg.Observability.LogLevelName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("ARCHON_HOST", "0.0.0.0"),
		Port:            getEnv("ARCHON_PORT", "8080"),
		ReadTimeout:     getEnvDuration("ARCHON_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("ARCHON_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("ARCHON_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("ARCHON_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("ARCHON_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		PrimaryURL:  getEnv("ARCHON_POSTGRES_URL", ""),
		ReplicaURLs: getEnv("ARCHON_POSTGRES_REPLICA_URLS", ""),
		MaxConns:    getEnvInt("ARCHON_POSTGRES_MAX_CONNS", 25),
		MinConns:    getEnvInt("ARCHON_POSTGRES_MIN_CONNS", 5),
		Timeout:     getEnvDuration("ARCHON_POSTGRES_TIMEOUT", 10*time.Second),
		MaxLifetime: getEnvDuration("ARCHON_POSTGRES_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime: getEnvDuration("ARCHON_POSTGRES_MAX_IDLE_TIME", 5*time.Minute),
	}
}

// loadCacheConfig loads evaluation cache configuration from environment
func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Backend:       getEnv("ARCHON_CACHE_BACKEND", "memory"),
		TTL:           getEnvDuration("ARCHON_CACHE_TTL", 5*time.Minute),
		MaxEntries:    getEnvInt("ARCHON_CACHE_MAX_ENTRIES", 10000),
		RedisAddr:     getEnv("ARCHON_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("ARCHON_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("ARCHON_REDIS_DB", 0),
	}
}

// loadAuditConfig loads audit configuration from environment
func loadAuditConfig() AuditConfig {
	return AuditConfig{
		FilePath:      getEnv("ARCHON_AUDIT_FILE", ""),
		RetentionDays: getEnvInt("ARCHON_AUDIT_RETENTION_DAYS", 90),
		PurgeSchedule: getEnv("ARCHON_AUDIT_PURGE_SCHEDULE", "0 3 * * *"),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	levelName := getEnv("ARCHON_LOG_LEVEL", "info")
	return ObservabilityConfig{
		LogLevel:       observability.ParseLogLevel(levelName),
		LogLevelName:   levelName,
		MetricsEnabled: getEnvBool("ARCHON_METRICS_ENABLED", true),
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

	switch c.Cache.Backend {
	case "memory":
		if c.Cache.MaxEntries <= 0 {
			return fmt.Errorf("cache max entries must be positive for memory backend")
		}
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("redis address is required for redis cache backend")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be memory or redis)", c.Cache.Backend)
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}

	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit retention days must not be negative")
	}

	return nil
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
