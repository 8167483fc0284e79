package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Database defaults: embedded SQLite
	assert.Empty(t, cfg.Database.Host)
	assert.True(t, cfg.DatabaseEmbedded())
	assert.NotEmpty(t, cfg.Database.SQLitePath)

	// KV cache defaults
	assert.Equal(t, "localhost", cfg.KVCache.Host)
	assert.Equal(t, 6379, cfg.KVCache.Port)

	// Vector index defaults: in-process
	assert.False(t, cfg.VectorConfigured())

	// Embedding defaults
	assert.Equal(t, 384, cfg.EmbeddingModel.Dimension)
	assert.False(t, cfg.EmbeddingModel.Offline)

	// Cache defaults
	assert.Equal(t, 2000, cfg.Cache.L1Capacity)
	assert.Equal(t, 30, cfg.Cache.CategoryTTLs["tool_catalog"])
	assert.Equal(t, 600, cfg.Cache.CategoryTTLs["error_solutions"])

	// Pool defaults
	assert.Equal(t, 10, cfg.Pool.Size)
	assert.Equal(t, 5, cfg.Pool.MinSize)
	assert.Equal(t, 50, cfg.Pool.MaxSize)
	assert.Equal(t, 60, cfg.Pool.SampleIntervalS)
	assert.Equal(t, 0.80, cfg.Pool.HighUtilThreshold)
	assert.Equal(t, 0.20, cfg.Pool.LowUtilThreshold)
	assert.Equal(t, 300, cfg.Pool.LeakThresholdS)

	// API defaults
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Empty(t, cfg.API.APIKeys)
	assert.Equal(t, 100, cfg.API.RateLimitRPS)
	assert.Equal(t, 100, cfg.API.MaxConnections)
	assert.Equal(t, 30, cfg.API.ShutdownGraceS)

	// Memory defaults
	assert.Equal(t, 3600, cfg.Memory.ShortTTLSeconds)
	assert.Equal(t, 10, cfg.Memory.MaxQueryKeywords)
	assert.Equal(t, 5, cfg.Memory.MaxStoreKeywords)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.False(t, cfg.HotReload)
}

func TestDefaultConfigIsValid(t *testing.T) {
	errs := DefaultConfig().Validate()
	assert.Empty(t, errs, "default configuration must validate cleanly, got: %v", errs)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name: "invalid api port - too high",
			modifyFn: func(cfg *Config) {
				cfg.API.Port = 70000
			},
			wantError: true,
			errorMsg:  "api.port",
		},
		{
			name: "invalid database port - zero",
			modifyFn: func(cfg *Config) {
				cfg.Database.Port = 0
			},
			wantError: true,
			errorMsg:  "database.port",
		},
		{
			name: "invalid ssl mode",
			modifyFn: func(cfg *Config) {
				cfg.Database.SSLMode = "sometimes"
			},
			wantError: true,
			errorMsg:  "database.ssl_mode",
		},
		{
			name: "pool min above max",
			modifyFn: func(cfg *Config) {
				cfg.Pool.MinSize = 60
				cfg.Pool.Size = 60
			},
			wantError: true,
			errorMsg:  "min_size (60) must not exceed max_size (50)",
		},
		{
			name: "pool size outside bounds",
			modifyFn: func(cfg *Config) {
				cfg.Pool.Size = 2
			},
			wantError: true,
			errorMsg:  "must be within [min_size, max_size]",
		},
		{
			name: "low threshold above high threshold",
			modifyFn: func(cfg *Config) {
				cfg.Pool.LowUtilThreshold = 0.9
			},
			wantError: true,
			errorMsg:  "low_util_threshold",
		},
		{
			name: "postgres host without database name",
			modifyFn: func(cfg *Config) {
				cfg.Database.Host = "db.internal"
				cfg.Database.Name = ""
			},
			wantError: true,
			errorMsg:  "name is required when database.host is set",
		},
		{
			name: "embedded database without sqlite path",
			modifyFn: func(cfg *Config) {
				cfg.Database.SQLitePath = ""
			},
			wantError: true,
			errorMsg:  "sqlite_path is required",
		},
		{
			name: "allowed ip not an address",
			modifyFn: func(cfg *Config) {
				cfg.API.AllowedIPs = []string{"not-an-ip"}
			},
			wantError: true,
			errorMsg:  "allowed_ips",
		},
		{
			name: "empty api key entry",
			modifyFn: func(cfg *Config) {
				cfg.API.APIKeys = []string{"good-key", ""}
			},
			wantError: true,
			errorMsg:  "api_keys",
		},
		{
			name: "rate limit zero",
			modifyFn: func(cfg *Config) {
				cfg.API.RateLimitRPS = 0
			},
			wantError: true,
			errorMsg:  "rate_limit_rps",
		},
		{
			name: "ai enabled without base url",
			modifyFn: func(cfg *Config) {
				cfg.AI.Enabled = true
			},
			wantError: true,
			errorMsg:  "base_url is required when ai.enabled is true",
		},
		{
			name: "invalid log level",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Level = "loud"
			},
			wantError: true,
			errorMsg:  "logging.level",
		},
		{
			name: "invalid log format",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Format = "xml"
			},
			wantError: true,
			errorMsg:  "logging.format",
		},
		{
			name: "zero category ttl",
			modifyFn: func(cfg *Config) {
				cfg.Cache.CategoryTTLs["stats"] = 0
			},
			wantError: true,
			errorMsg:  "category_ttls",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()

			if tt.wantError {
				assert.NotEmpty(t, errs, "expected validation errors but got none")
				found := false
				for _, err := range errs {
					if strings.Contains(err.Error(), tt.errorMsg) {
						found = true
						break
					}
				}
				assert.True(t, found, "expected error message containing %q, got: %v", tt.errorMsg, errs)
			} else {
				assert.Empty(t, errs, "expected no validation errors but got: %v", errs)
			}
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  host: "db.internal"
  port: 5433
  name: "contextd_prod"

kv_cache:
  host: "kv.internal"

pool:
  size: 8
  min_size: 4
  max_size: 40

api:
  port: 9090
  rate_limit_rps: 10
  api_keys:
    - "key-one"
    - "key-two"

cache:
  category_ttls:
    stats: 15

logging:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	err = mgr.Load(ctx)
	require.NoError(t, err)

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "contextd_prod", cfg.Database.Name)
	assert.False(t, cfg.DatabaseEmbedded())

	assert.Equal(t, "kv.internal", cfg.KVCache.Host)
	assert.Equal(t, "kv.internal:6379", cfg.KVAddr())

	assert.Equal(t, 8, cfg.Pool.Size)
	assert.Equal(t, 4, cfg.Pool.MinSize)
	assert.Equal(t, 40, cfg.Pool.MaxSize)
	// Untouched pool keys keep their defaults.
	assert.Equal(t, 60, cfg.Pool.SampleIntervalS)

	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, 10, cfg.API.RateLimitRPS)
	assert.Equal(t, []string{"key-one", "key-two"}, cfg.API.APIKeys)

	// Category TTL overrides merge with defaults.
	assert.Equal(t, 15, cfg.Cache.CategoryTTLs["stats"])
	assert.Equal(t, 30, cfg.Cache.CategoryTTLs["tool_catalog"])

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	require.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "env-db")
	t.Setenv("DB_PORT", "15432")
	t.Setenv("KV_HOST", "env-kv")
	t.Setenv("API_KEYS", "alpha, beta ,gamma")
	t.Setenv("ALLOWED_IPS", "10.0.0.1,10.0.0.2")
	t.Setenv("RATE_LIMIT", "42")
	t.Setenv("MAX_CONNECTIONS", "7")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("CONFIG_HOT_RELOAD", "true")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  host: "file-db"

api:
  rate_limit_rps: 5

logging:
  level: "error"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)

	assert.Equal(t, "env-db", cfg.Database.Host, "DB_HOST should override the config file")
	assert.Equal(t, 15432, cfg.Database.Port)
	assert.Equal(t, "env-kv", cfg.KVCache.Host)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, cfg.API.APIKeys)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.API.AllowedIPs)
	assert.Equal(t, 42, cfg.API.RateLimitRPS, "RATE_LIMIT should override the config file")
	assert.Equal(t, 7, cfg.API.MaxConnections)
	assert.Equal(t, "warn", cfg.Logging.Level, "LOG_LEVEL should override the config file")
	assert.True(t, cfg.HotReload)
}

func TestConfigManagerMissingFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nonexistent-config.yaml")

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	// Should not error: defaults apply.
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.NotNil(t, cfg)
	assert.Equal(t, 8080, cfg.API.Port)
}

func TestConfigManagerValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
api:
  port: 99999

logging:
  level: "bogus"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestConfigManagerReloadRevertsOnInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("api:\n  port: 9090\n"), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	require.Equal(t, 9090, mgr.Get(ctx).API.Port)

	// An invalid candidate must be rejected and the running config kept.
	err = os.WriteFile(configPath, []byte("api:\n  port: 99999\n"), 0644)
	require.NoError(t, err)

	err = mgr.Reload(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Equal(t, 9090, mgr.Get(ctx).API.Port, "running config must survive a rejected reload")

	// A valid candidate applies and is delivered on the watch channel.
	err = os.WriteFile(configPath, []byte("api:\n  port: 9091\n"), 0644)
	require.NoError(t, err)

	require.NoError(t, mgr.Reload(ctx))
	assert.Equal(t, 9091, mgr.Get(ctx).API.Port)

	select {
	case updated := <-mgr.Watch(ctx):
		assert.Equal(t, 9091, updated.API.Port)
	case <-time.After(time.Second):
		t.Fatal("expected reloaded config on the watch channel")
	}
}

func TestCategoryTTL(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 30*time.Second, cfg.CategoryTTL("tool_catalog"))
	assert.Equal(t, 600*time.Second, cfg.CategoryTTL("error_solutions"))
	// Unknown categories fall back to the L1 TTL.
	assert.Equal(t, time.Duration(cfg.Cache.L1TTLSeconds)*time.Second, cfg.CategoryTTL("unknown_category"))
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitCSV("a,b,c"))
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a , b , "))
	assert.Empty(t, splitCSV(",,"))
}
