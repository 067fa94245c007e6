package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/pkg/observability"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 90, cfg.Audit.RetentionDays)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ARCHON_PORT", "8181")
	t.Setenv("ARCHON_CACHE_BACKEND", "redis")
	t.Setenv("ARCHON_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("ARCHON_CACHE_TTL", "30s")
	t.Setenv("ARCHON_LOG_LEVEL", "debug")
	t.Setenv("ARCHON_POSTGRES_MAX_CONNS", "50")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8181", cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.Equal(t, 50, cfg.Database.MaxConns)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "8282"
cache:
  backend: memory
  max_entries: 500
observability:
  log_level: warn
`), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, "8282", cfg.Server.Port)
	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t, observability.WarnLevel, cfg.Observability.LogLevel)
	// untouched keys keep their defaults
	assert.Equal(t, "9090", cfg.Server.HealthPort)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile("/nonexistent/archon.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing port", func(c *Config) { c.Server.Port = "" }, "port is required"},
		{"port collision", func(c *Config) { c.Server.HealthPort = c.Server.Port }, "must be different"},
		{"bad backend", func(c *Config) { c.Cache.Backend = "memcached" }, "invalid cache backend"},
		{"redis without addr", func(c *Config) {
			c.Cache.Backend = "redis"
			c.Cache.RedisAddr = ""
		}, "redis address is required"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "TTL must be positive"},
		{"zero entries", func(c *Config) { c.Cache.MaxEntries = 0 }, "max entries must be positive"},
		{"negative retention", func(c *Config) { c.Audit.RetentionDays = -1 }, "must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
