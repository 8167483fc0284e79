package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Database defaults. An empty host keeps the embedded SQLite backend.
	cfg.Database.Host = ""
	cfg.Database.Port = 5432
	cfg.Database.User = "contextd"
	cfg.Database.Password = ""
	cfg.Database.Name = "contextd"
	cfg.Database.SSLMode = "disable"
	cfg.Database.SQLitePath = "/var/lib/contextd/contextd.db"

	// KV cache defaults
	cfg.KVCache.Host = "localhost"
	cfg.KVCache.Port = 6379
	cfg.KVCache.Password = ""
	cfg.KVCache.DB = 0
	cfg.KVCache.TimeoutS = 5

	// Vector index defaults. An empty host keeps the in-process index.
	cfg.VectorIndex.Host = ""
	cfg.VectorIndex.Port = 6333
	cfg.VectorIndex.TimeoutS = 10

	// Embedding model defaults
	cfg.EmbeddingModel.BaseURL = ""
	cfg.EmbeddingModel.APIKey = ""
	cfg.EmbeddingModel.Model = "text-embedding-3-small"
	cfg.EmbeddingModel.Dimension = 384
	cfg.EmbeddingModel.Offline = false
	cfg.EmbeddingModel.TimeoutS = 30

	// Cache defaults
	cfg.Cache.L1Capacity = 2000
	cfg.Cache.L1TTLSeconds = 60
	cfg.Cache.CategoryTTLs = map[string]int{
		"tool_catalog":    30,
		"vector_search":   120,
		"error_solutions": 600,
		"stats":           10,
		"db_query":        60,
	}

	// Pool defaults
	cfg.Pool.Size = 10
	cfg.Pool.MinSize = 5
	cfg.Pool.MaxSize = 50
	cfg.Pool.MinOverflow = 0
	cfg.Pool.MaxOverflow = 10
	cfg.Pool.SampleIntervalS = 60
	cfg.Pool.CooldownS = 120
	cfg.Pool.HighUtilThreshold = 0.80
	cfg.Pool.LowUtilThreshold = 0.20
	cfg.Pool.LeakThresholdS = 300

	// API defaults. Empty api_keys disables bearer auth; empty
	// allowed_ips admits every source address.
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080
	cfg.API.APIKeys = nil
	cfg.API.AllowedIPs = nil
	cfg.API.RateLimitRPS = 100
	cfg.API.MaxConnections = 100
	cfg.API.CORSEnabled = true
	cfg.API.ShutdownGraceS = 30

	// Memory defaults
	cfg.Memory.ShortTTLSeconds = 3600
	cfg.Memory.MaxQueryKeywords = 10
	cfg.Memory.MaxStoreKeywords = 5

	// Dispatcher defaults
	cfg.Dispatcher.MaxConcurrent = 16
	cfg.Dispatcher.DefaultTimeoutMS = 30000

	// AI defaults
	cfg.AI.Enabled = false
	cfg.AI.BaseURL = ""
	cfg.AI.APIKey = ""
	cfg.AI.Model = "gpt-4o-mini"
	cfg.AI.TimeoutS = 60

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28

	cfg.HotReload = false

	return cfg
}
