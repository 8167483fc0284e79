package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// reloadDebounce coalesces bursts of filesystem events into one reload.
const reloadDebounce = time.Second

// viperConfigManager implements ConfigManager using viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
	logger     *zap.Logger
	fileLoaded bool
	watching   bool
	mu         sync.RWMutex

	debounceMu sync.Mutex
	debounce   *time.Timer
}

// Load loads configuration from defaults, the config file (when present),
// and environment variables, in that order of precedence.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := viper.New()
	if m.configPath != "" {
		v.SetConfigFile(m.configPath)
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("CONTEXTD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.viper = v
	m.setDefaults()

	if m.configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			// A missing file is fine: defaults plus environment apply.
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
				return fmt.Errorf("failed to read config file %s: %w", m.configPath, err)
			}
		} else {
			m.fileLoaded = true
		}
	}

	cfg := DefaultConfig()
	m.unmarshalInto(cfg)
	m.applyEnvOverrides(cfg)
	m.config = cfg
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates the current configuration.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return joinValidationErrors(m.config.Validate())
}

// Watch begins watching the config file for changes. Changes are
// debounced, re-read, validated, and applied; the applied snapshot is
// delivered on the returned channel. Invalid candidates are discarded.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watching || m.viper == nil || !m.fileLoaded {
		return m.watchChan
	}
	m.watching = true

	m.viper.OnConfigChange(func(e fsnotify.Event) {
		m.scheduleReload()
	})
	m.viper.WatchConfig()
	return m.watchChan
}

// scheduleReload resets the debounce timer so that rapid successive
// writes produce a single reload one second after the last event.
func (m *viperConfigManager) scheduleReload() {
	m.debounceMu.Lock()
	defer m.debounceMu.Unlock()

	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.debounce = time.AfterFunc(reloadDebounce, func() {
		if err := m.Reload(context.Background()); err != nil {
			m.getLogger().Warn("config reload rejected, keeping previous configuration",
				zap.String("file", m.configPath),
				zap.Error(err))
		}
	})
}

// Reload re-reads the config file, validates the candidate, and swaps it
// in when valid. On any failure the running configuration is untouched.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.viper == nil {
		return fmt.Errorf("configuration not loaded")
	}
	if err := m.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to re-read config file %s: %w", m.configPath, err)
	}

	candidate := DefaultConfig()
	m.unmarshalInto(candidate)
	m.applyEnvOverrides(candidate)
	if err := joinValidationErrors(candidate.Validate()); err != nil {
		return err
	}

	m.config = candidate
	m.logger.Info("configuration reloaded", zap.String("file", m.configPath))

	select {
	case m.watchChan <- *candidate:
	default:
	}
	return nil
}

// SetLogger installs the logger used for reload diagnostics.
func (m *viperConfigManager) SetLogger(log *zap.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log != nil {
		m.logger = log
	}
}

func (m *viperConfigManager) getLogger() *zap.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logger
}

// setDefaults registers every key's default with viper so that partial
// config files inherit the remaining values.
func (m *viperConfigManager) setDefaults() {
	d := DefaultConfig()

	m.viper.SetDefault("database.host", d.Database.Host)
	m.viper.SetDefault("database.port", d.Database.Port)
	m.viper.SetDefault("database.user", d.Database.User)
	m.viper.SetDefault("database.password", d.Database.Password)
	m.viper.SetDefault("database.name", d.Database.Name)
	m.viper.SetDefault("database.ssl_mode", d.Database.SSLMode)
	m.viper.SetDefault("database.sqlite_path", d.Database.SQLitePath)

	m.viper.SetDefault("kv_cache.host", d.KVCache.Host)
	m.viper.SetDefault("kv_cache.port", d.KVCache.Port)
	m.viper.SetDefault("kv_cache.password", d.KVCache.Password)
	m.viper.SetDefault("kv_cache.db", d.KVCache.DB)
	m.viper.SetDefault("kv_cache.timeout_s", d.KVCache.TimeoutS)

	m.viper.SetDefault("vector_index.host", d.VectorIndex.Host)
	m.viper.SetDefault("vector_index.port", d.VectorIndex.Port)
	m.viper.SetDefault("vector_index.timeout_s", d.VectorIndex.TimeoutS)

	m.viper.SetDefault("embedding_model.base_url", d.EmbeddingModel.BaseURL)
	m.viper.SetDefault("embedding_model.api_key", d.EmbeddingModel.APIKey)
	m.viper.SetDefault("embedding_model.model", d.EmbeddingModel.Model)
	m.viper.SetDefault("embedding_model.dimension", d.EmbeddingModel.Dimension)
	m.viper.SetDefault("embedding_model.offline", d.EmbeddingModel.Offline)
	m.viper.SetDefault("embedding_model.timeout_s", d.EmbeddingModel.TimeoutS)

	m.viper.SetDefault("cache.l1_capacity", d.Cache.L1Capacity)
	m.viper.SetDefault("cache.l1_ttl_s", d.Cache.L1TTLSeconds)
	m.viper.SetDefault("cache.category_ttls", d.Cache.CategoryTTLs)

	m.viper.SetDefault("pool.size", d.Pool.Size)
	m.viper.SetDefault("pool.min_size", d.Pool.MinSize)
	m.viper.SetDefault("pool.max_size", d.Pool.MaxSize)
	m.viper.SetDefault("pool.min_overflow", d.Pool.MinOverflow)
	m.viper.SetDefault("pool.max_overflow", d.Pool.MaxOverflow)
	m.viper.SetDefault("pool.sample_interval_s", d.Pool.SampleIntervalS)
	m.viper.SetDefault("pool.cooldown_s", d.Pool.CooldownS)
	m.viper.SetDefault("pool.high_util_threshold", d.Pool.HighUtilThreshold)
	m.viper.SetDefault("pool.low_util_threshold", d.Pool.LowUtilThreshold)
	m.viper.SetDefault("pool.leak_threshold_s", d.Pool.LeakThresholdS)

	m.viper.SetDefault("api.host", d.API.Host)
	m.viper.SetDefault("api.port", d.API.Port)
	m.viper.SetDefault("api.api_keys", d.API.APIKeys)
	m.viper.SetDefault("api.allowed_ips", d.API.AllowedIPs)
	m.viper.SetDefault("api.rate_limit_rps", d.API.RateLimitRPS)
	m.viper.SetDefault("api.max_connections", d.API.MaxConnections)
	m.viper.SetDefault("api.cors_enabled", d.API.CORSEnabled)
	m.viper.SetDefault("api.shutdown_grace_s", d.API.ShutdownGraceS)

	m.viper.SetDefault("memory.short_ttl_s", d.Memory.ShortTTLSeconds)
	m.viper.SetDefault("memory.max_query_keywords", d.Memory.MaxQueryKeywords)
	m.viper.SetDefault("memory.max_store_keywords", d.Memory.MaxStoreKeywords)

	m.viper.SetDefault("dispatcher.max_concurrent", d.Dispatcher.MaxConcurrent)
	m.viper.SetDefault("dispatcher.default_timeout_ms", d.Dispatcher.DefaultTimeoutMS)

	m.viper.SetDefault("ai.enabled", d.AI.Enabled)
	m.viper.SetDefault("ai.base_url", d.AI.BaseURL)
	m.viper.SetDefault("ai.api_key", d.AI.APIKey)
	m.viper.SetDefault("ai.model", d.AI.Model)
	m.viper.SetDefault("ai.timeout_s", d.AI.TimeoutS)

	m.viper.SetDefault("logging.level", d.Logging.Level)
	m.viper.SetDefault("logging.format", d.Logging.Format)
	m.viper.SetDefault("logging.file", d.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)

	m.viper.SetDefault("hot_reload", d.HotReload)
}

// unmarshalInto reads every key from viper into cfg.
func (m *viperConfigManager) unmarshalInto(cfg *Config) {
	v := m.viper

	cfg.Database.Host = v.GetString("database.host")
	cfg.Database.Port = v.GetInt("database.port")
	cfg.Database.User = v.GetString("database.user")
	cfg.Database.Password = v.GetString("database.password")
	cfg.Database.Name = v.GetString("database.name")
	cfg.Database.SSLMode = v.GetString("database.ssl_mode")
	cfg.Database.SQLitePath = v.GetString("database.sqlite_path")

	cfg.KVCache.Host = v.GetString("kv_cache.host")
	cfg.KVCache.Port = v.GetInt("kv_cache.port")
	cfg.KVCache.Password = v.GetString("kv_cache.password")
	cfg.KVCache.DB = v.GetInt("kv_cache.db")
	cfg.KVCache.TimeoutS = v.GetInt("kv_cache.timeout_s")

	cfg.VectorIndex.Host = v.GetString("vector_index.host")
	cfg.VectorIndex.Port = v.GetInt("vector_index.port")
	cfg.VectorIndex.TimeoutS = v.GetInt("vector_index.timeout_s")

	cfg.EmbeddingModel.BaseURL = v.GetString("embedding_model.base_url")
	cfg.EmbeddingModel.APIKey = v.GetString("embedding_model.api_key")
	cfg.EmbeddingModel.Model = v.GetString("embedding_model.model")
	cfg.EmbeddingModel.Dimension = v.GetInt("embedding_model.dimension")
	cfg.EmbeddingModel.Offline = v.GetBool("embedding_model.offline")
	cfg.EmbeddingModel.TimeoutS = v.GetInt("embedding_model.timeout_s")

	cfg.Cache.L1Capacity = v.GetInt("cache.l1_capacity")
	cfg.Cache.L1TTLSeconds = v.GetInt("cache.l1_ttl_s")
	if raw := v.GetStringMap("cache.category_ttls"); len(raw) > 0 {
		ttls := make(map[string]int, len(raw))
		for category := range raw {
			ttls[category] = v.GetInt("cache.category_ttls." + category)
		}
		cfg.Cache.CategoryTTLs = ttls
	}

	cfg.Pool.Size = v.GetInt("pool.size")
	cfg.Pool.MinSize = v.GetInt("pool.min_size")
	cfg.Pool.MaxSize = v.GetInt("pool.max_size")
	cfg.Pool.MinOverflow = v.GetInt("pool.min_overflow")
	cfg.Pool.MaxOverflow = v.GetInt("pool.max_overflow")
	cfg.Pool.SampleIntervalS = v.GetInt("pool.sample_interval_s")
	cfg.Pool.CooldownS = v.GetInt("pool.cooldown_s")
	cfg.Pool.HighUtilThreshold = v.GetFloat64("pool.high_util_threshold")
	cfg.Pool.LowUtilThreshold = v.GetFloat64("pool.low_util_threshold")
	cfg.Pool.LeakThresholdS = v.GetInt("pool.leak_threshold_s")

	cfg.API.Host = v.GetString("api.host")
	cfg.API.Port = v.GetInt("api.port")
	cfg.API.APIKeys = v.GetStringSlice("api.api_keys")
	cfg.API.AllowedIPs = v.GetStringSlice("api.allowed_ips")
	cfg.API.RateLimitRPS = v.GetInt("api.rate_limit_rps")
	cfg.API.MaxConnections = v.GetInt("api.max_connections")
	cfg.API.CORSEnabled = v.GetBool("api.cors_enabled")
	cfg.API.ShutdownGraceS = v.GetInt("api.shutdown_grace_s")

	cfg.Memory.ShortTTLSeconds = v.GetInt("memory.short_ttl_s")
	cfg.Memory.MaxQueryKeywords = v.GetInt("memory.max_query_keywords")
	cfg.Memory.MaxStoreKeywords = v.GetInt("memory.max_store_keywords")

	cfg.Dispatcher.MaxConcurrent = v.GetInt("dispatcher.max_concurrent")
	cfg.Dispatcher.DefaultTimeoutMS = v.GetInt("dispatcher.default_timeout_ms")

	cfg.AI.Enabled = v.GetBool("ai.enabled")
	cfg.AI.BaseURL = v.GetString("ai.base_url")
	cfg.AI.APIKey = v.GetString("ai.api_key")
	cfg.AI.Model = v.GetString("ai.model")
	cfg.AI.TimeoutS = v.GetInt("ai.timeout_s")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.File = v.GetString("logging.file")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = v.GetInt("logging.max_age_days")

	cfg.HotReload = v.GetBool("hot_reload")
}

// applyEnvOverrides applies the well-known environment variables that
// take precedence over file values.
func (m *viperConfigManager) applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = n
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("KV_HOST"); v != "" {
		cfg.KVCache.Host = v
	}
	if v := os.Getenv("KV_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.KVCache.Port = n
		}
	}
	if v := os.Getenv("KV_PASSWORD"); v != "" {
		cfg.KVCache.Password = v
	}
	if v := os.Getenv("VECTOR_HOST"); v != "" {
		cfg.VectorIndex.Host = v
	}
	if v := os.Getenv("VECTOR_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VectorIndex.Port = n
		}
	}
	if v := os.Getenv("API_KEYS"); v != "" {
		cfg.API.APIKeys = splitCSV(v)
	}
	if v := os.Getenv("ALLOWED_IPS"); v != "" {
		cfg.API.AllowedIPs = splitCSV(v)
	}
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.RateLimitRPS = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.MaxConnections = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CONFIG_HOT_RELOAD"); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			cfg.HotReload = true
		case "0", "false", "no", "off":
			cfg.HotReload = false
		}
	}
}

// splitCSV splits a comma-separated environment value, trimming spaces
// and dropping empty elements.
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// joinValidationErrors folds the per-field errors into a single error.
func joinValidationErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
}
