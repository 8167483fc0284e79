// Package config provides typed configuration management for contextd.
//
// Configuration is resolved in three layers with strict precedence:
// environment variables override file values, file values override
// defaults. An optional file watcher reloads the configuration with a
// one second debounce and reverts to the running configuration when the
// candidate fails validation.
package config

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Config is the complete typed configuration tree for the server.
type Config struct {
	// Database configures the relational store. An empty Host selects
	// the embedded SQLite backend at SQLitePath.
	Database struct {
		Host       string `mapstructure:"host"`
		Port       int    `mapstructure:"port" validate:"min=1,max=65535"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
		SSLMode    string `mapstructure:"ssl_mode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"database"`

	// KVCache configures the key/value service used for the short
	// memory tier and the L2 cache.
	KVCache struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db" validate:"min=0"`
		TimeoutS int    `mapstructure:"timeout_s" validate:"min=1"`
	} `mapstructure:"kv_cache"`

	// VectorIndex configures the vector index service. An empty Host
	// selects the in-process index.
	VectorIndex struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
		TimeoutS int    `mapstructure:"timeout_s" validate:"min=1"`
	} `mapstructure:"vector_index"`

	// EmbeddingModel configures the embedding service. Offline selects
	// the deterministic local embedder and requires no endpoint.
	EmbeddingModel struct {
		BaseURL   string `mapstructure:"base_url" validate:"omitempty,url"`
		APIKey    string `mapstructure:"api_key"`
		Model     string `mapstructure:"model"`
		Dimension int    `mapstructure:"dimension" validate:"min=1"`
		Offline   bool   `mapstructure:"offline"`
		TimeoutS  int    `mapstructure:"timeout_s" validate:"min=1"`
	} `mapstructure:"embedding_model"`

	Cache struct {
		L1Capacity   int            `mapstructure:"l1_capacity" validate:"min=1"`
		L1TTLSeconds int            `mapstructure:"l1_ttl_s" validate:"min=1"`
		CategoryTTLs map[string]int `mapstructure:"category_ttls" validate:"dive,min=1"`
	} `mapstructure:"cache"`

	Pool struct {
		Size              int     `mapstructure:"size" validate:"min=1"`
		MinSize           int     `mapstructure:"min_size" validate:"min=1"`
		MaxSize           int     `mapstructure:"max_size" validate:"min=1"`
		MinOverflow       int     `mapstructure:"min_overflow" validate:"min=0"`
		MaxOverflow       int     `mapstructure:"max_overflow" validate:"min=0"`
		SampleIntervalS   int     `mapstructure:"sample_interval_s" validate:"min=1"`
		CooldownS         int     `mapstructure:"cooldown_s" validate:"min=0"`
		HighUtilThreshold float64 `mapstructure:"high_util_threshold" validate:"gt=0,lte=1"`
		LowUtilThreshold  float64 `mapstructure:"low_util_threshold" validate:"gte=0,lt=1"`
		LeakThresholdS    int     `mapstructure:"leak_threshold_s" validate:"min=1"`
	} `mapstructure:"pool"`

	API struct {
		Host           string   `mapstructure:"host"`
		Port           int      `mapstructure:"port" validate:"min=1,max=65535"`
		APIKeys        []string `mapstructure:"api_keys" validate:"dive,required"`
		AllowedIPs     []string `mapstructure:"allowed_ips" validate:"dive,ip"`
		RateLimitRPS   int      `mapstructure:"rate_limit_rps" validate:"min=1"`
		MaxConnections int      `mapstructure:"max_connections" validate:"min=1"`
		CORSEnabled    bool     `mapstructure:"cors_enabled"`
		ShutdownGraceS int      `mapstructure:"shutdown_grace_s" validate:"min=0"`
	} `mapstructure:"api"`

	Memory struct {
		ShortTTLSeconds  int `mapstructure:"short_ttl_s" validate:"min=1"`
		MaxQueryKeywords int `mapstructure:"max_query_keywords" validate:"min=1"`
		MaxStoreKeywords int `mapstructure:"max_store_keywords" validate:"min=1"`
	} `mapstructure:"memory"`

	Dispatcher struct {
		MaxConcurrent    int `mapstructure:"max_concurrent" validate:"min=1"`
		DefaultTimeoutMS int `mapstructure:"default_timeout_ms" validate:"min=1"`
	} `mapstructure:"dispatcher"`

	// AI gates the optional AI tool group. Tools in the group are not
	// registered unless Enabled is true.
	AI struct {
		Enabled  bool   `mapstructure:"enabled"`
		BaseURL  string `mapstructure:"base_url" validate:"omitempty,url"`
		APIKey   string `mapstructure:"api_key"`
		Model    string `mapstructure:"model"`
		TimeoutS int    `mapstructure:"timeout_s" validate:"min=1"`
	} `mapstructure:"ai"`

	Logging struct {
		Level      string `mapstructure:"level" validate:"oneof=debug info warn warning error critical"`
		Format     string `mapstructure:"format" validate:"oneof=json text console"`
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=1"`
		MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
		MaxAgeDays int    `mapstructure:"max_age_days" validate:"min=0"`
	} `mapstructure:"logging"`

	HotReload bool `mapstructure:"hot_reload"`
}

// DatabaseEmbedded reports whether the embedded SQLite backend is
// selected instead of a networked Postgres server.
func (c *Config) DatabaseEmbedded() bool {
	return c.Database.Host == ""
}

// DatabaseDSN returns the Postgres connection string. Callers must
// check DatabaseEmbedded first.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.Name, c.Database.SSLMode)
}

// KVAddr returns the host:port address of the key/value service.
func (c *Config) KVAddr() string {
	return net.JoinHostPort(c.KVCache.Host, strconv.Itoa(c.KVCache.Port))
}

// VectorConfigured reports whether a networked vector index is
// configured. When false the in-process index is used.
func (c *Config) VectorConfigured() bool {
	return c.VectorIndex.Host != ""
}

// VectorBaseURL returns the base URL of the vector index REST API.
func (c *Config) VectorBaseURL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(c.VectorIndex.Host, strconv.Itoa(c.VectorIndex.Port)))
}

// APIAddr returns the listen address for the HTTP transport.
func (c *Config) APIAddr() string {
	return net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port))
}

// CategoryTTL returns the L2 cache TTL for a category, falling back to
// the L1 TTL when the category has no explicit entry.
func (c *Config) CategoryTTL(category string) time.Duration {
	if secs, ok := c.Cache.CategoryTTLs[category]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(c.Cache.L1TTLSeconds) * time.Second
}

// ConfigManager manages loading, validation, and reloading of the
// server configuration.
type ConfigManager interface {
	// Load loads the configuration from defaults, file, and environment.
	Load(ctx context.Context) error

	// Get returns the current configuration snapshot.
	Get(ctx context.Context) *Config

	// Validate validates the current configuration.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	// Only candidates that pass validation are delivered; invalid
	// candidates are discarded and the running configuration stands.
	Watch(ctx context.Context) <-chan Config

	// Reload re-reads the configuration file and applies it when valid.
	Reload(ctx context.Context) error

	// SetLogger installs the logger used for reload diagnostics. Before
	// it is called, reload diagnostics go to a no-op logger.
	SetLogger(log *zap.Logger)
}

// NewConfigManager creates a configuration manager backed by viper.
// configPath may name a file that does not exist yet; defaults and
// environment variables still apply.
func NewConfigManager(configPath string) (ConfigManager, error) {
	return &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
		logger:     zap.NewNop(),
	}, nil
}
