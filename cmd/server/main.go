// Command server runs the contextd MCP server: JSON-RPC tools over
// stdio, HTTP, and WebSocket, backed by tiered memory, the error
// firewall, and the project knowledge store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/contextd/contextd/internal/ai"
	"github.com/contextd/contextd/internal/bus"
	"github.com/contextd/contextd/internal/cache"
	"github.com/contextd/contextd/internal/config"
	"github.com/contextd/contextd/internal/firewall"
	"github.com/contextd/contextd/internal/knowledge"
	"github.com/contextd/contextd/internal/logging"
	"github.com/contextd/contextd/internal/mcp"
	"github.com/contextd/contextd/internal/memory"
	"github.com/contextd/contextd/internal/metrics"
	"github.com/contextd/contextd/internal/pool"
	"github.com/contextd/contextd/internal/project"
	"github.com/contextd/contextd/internal/quality"
	"github.com/contextd/contextd/internal/server"
	"github.com/contextd/contextd/internal/storage"
	"github.com/contextd/contextd/internal/storage/embed"
	"github.com/contextd/contextd/internal/storage/kv"
	"github.com/contextd/contextd/internal/storage/vector"
	"github.com/contextd/contextd/internal/transport"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n", r)
			os.Exit(2)
		}
	}()

	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	manager, err := config.NewConfigManager(configPath)
	if err != nil {
		return fmt.Errorf("config manager: %w", err)
	}
	if err := manager.Load(ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := manager.Get(ctx)

	logger, logLevel, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	manager.SetLogger(logger)
	logger.Info("starting contextd",
		zap.String("version", server.Version),
		zap.String("config", configPath),
		zap.Bool("embedded_db", cfg.DatabaseEmbedded()))

	mets := metrics.New()
	events := bus.New(logger.Named("bus"))

	var closers []func() error

	// Relational store behind the dynamic pool.
	poolCfg := pool.Config{
		Size:           cfg.Pool.Size,
		MinSize:        cfg.Pool.MinSize,
		MaxSize:        cfg.Pool.MaxSize,
		MaxOverflow:    cfg.Pool.MaxOverflow,
		SampleInterval: time.Duration(cfg.Pool.SampleIntervalS) * time.Second,
		Cooldown:       time.Duration(cfg.Pool.CooldownS) * time.Second,
		HighUtil:       cfg.Pool.HighUtilThreshold,
		LowUtil:        cfg.Pool.LowUtilThreshold,
		LeakThreshold:  time.Duration(cfg.Pool.LeakThresholdS) * time.Second,
	}
	var opener pool.Opener
	driver := "postgres"
	if cfg.DatabaseEmbedded() {
		driver = "sqlite"
		opener = storage.SQLiteOpener(cfg.Database.SQLitePath)
		poolCfg.ReuseHandle = true
	} else {
		opener = storage.PostgresOpener(cfg.DatabaseDSN())
	}
	dbPool, err := pool.New(opener, poolCfg, logger.Named("pool"))
	if err != nil {
		return fmt.Errorf("open database pool: %w", err)
	}
	closers = append(closers, dbPool.Close)

	store, err := storage.NewSQLStore(dbPool, driver)
	if err != nil {
		return fmt.Errorf("init relational store: %w", err)
	}
	controller := pool.NewController(poolCfg, dbPool, dbPool, events, logger.Named("pool"))

	kvClient, err := kv.NewClient(ctx, kv.Options{
		Addr:     cfg.KVAddr(),
		Password: cfg.KVCache.Password,
		DB:       cfg.KVCache.DB,
		Timeout:  time.Duration(cfg.KVCache.TimeoutS) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connect kv cache: %w", err)
	}
	closers = append(closers, kvClient.Close)

	var index vector.Index
	if cfg.VectorConfigured() {
		index = vector.NewRESTIndex(cfg.VectorBaseURL(), time.Duration(cfg.VectorIndex.TimeoutS)*time.Second)
	} else {
		logger.Info("no vector index configured, using in-process index")
		index = vector.NewMemoryIndex()
	}
	closers = append(closers, index.Close)

	var embedder embed.Embedder
	if cfg.EmbeddingModel.Offline {
		embedder = embed.NewOffline(cfg.EmbeddingModel.Dimension)
	} else {
		embedder = embed.NewRemote(embed.RemoteOptions{
			BaseURL:   cfg.EmbeddingModel.BaseURL,
			APIKey:    cfg.EmbeddingModel.APIKey,
			Model:     cfg.EmbeddingModel.Model,
			Dimension: cfg.EmbeddingModel.Dimension,
			Timeout:   time.Duration(cfg.EmbeddingModel.TimeoutS) * time.Second,
		})
	}

	responseCache, err := cache.New(cache.Options{
		L1Capacity: cfg.Cache.L1Capacity,
		L1TTL:      time.Duration(cfg.Cache.L1TTLSeconds) * time.Second,
		TTLFor:     cfg.CategoryTTL,
		L2:         kvClient,
		Logger:     logger.Named("cache"),
	})
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	engine, err := memory.NewEngine(ctx, memory.Options{
		Store:    store,
		KV:       kvClient,
		Index:    index,
		Embedder: embedder,
		Bus:      events,
		Logger:   logger.Named("memory"),
		ShortTTL: time.Duration(cfg.Memory.ShortTTLSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init memory engine: %w", err)
	}

	fw, err := firewall.New(ctx, firewall.Options{
		Store:    store,
		Index:    index,
		Embedder: embedder,
		Bus:      events,
		Logger:   logger.Named("firewall"),
	})
	if err != nil {
		return fmt.Errorf("init error firewall: %w", err)
	}
	closers = append(closers, func() error { fw.Close(); return nil })

	projects := project.NewService(store)
	knowledgeSvc := knowledge.NewService(store)
	qualitySvc := quality.NewService(store)

	registry := mcp.NewRegistry()
	registry.MustRegister(mcp.MemoryTools(engine))
	registry.MustRegister(mcp.ProjectTools(projects))
	registry.MustRegister(mcp.KnowledgeTools(knowledgeSvc))
	registry.MustRegister(mcp.QualityTools(qualitySvc))
	registry.MustRegister(mcp.FirewallTools(fw))
	if cfg.AI.Enabled {
		aiClient := ai.NewClient(ai.Options{
			BaseURL: cfg.AI.BaseURL,
			APIKey:  cfg.AI.APIKey,
			Model:   cfg.AI.Model,
			Timeout: time.Duration(cfg.AI.TimeoutS) * time.Second,
		})
		registry.MustRegister(mcp.AITools(aiClient, events))
	}
	logger.Info("tool registry ready", zap.Int("tools", registry.Len()))

	dispatcher := mcp.NewDispatcher(mcp.DispatcherOptions{
		Registry:       registry,
		Logger:         logger.Named("dispatcher"),
		Metrics:        mets,
		MaxConcurrent:  cfg.Dispatcher.MaxConcurrent,
		DefaultTimeout: time.Duration(cfg.Dispatcher.DefaultTimeoutMS) * time.Millisecond,
	})

	endpoint := transport.NewEndpoint(dispatcher, responseCache, transport.ServerInfo{
		Name:    "contextd",
		Version: server.Version,
	}, mets, logger.Named("transport"))

	srv := server.New(server.Deps{
		Config:     cfg,
		Logger:     logger,
		Metrics:    mets,
		Bus:        events,
		Pool:       dbPool,
		Controller: controller,
		Store:      store,
		KV:         kvClient,
		Vector:     index,
		Cache:      responseCache,
		Memory:     engine,
		Dispatcher: dispatcher,
		Endpoint:   endpoint,
		Closers:    closers,
	})

	if cfg.HotReload {
		go watchConfig(ctx, manager, logLevel, srv, logger)
	}

	return srv.Run(ctx)
}

// watchConfig applies the reloadable subset of a changed configuration:
// log verbosity, the rate-limit budget, and the cache category TTLs
// take effect immediately. Structural settings (addresses, pool shape,
// backends) need a restart.
func watchConfig(ctx context.Context, manager config.ConfigManager, level zap.AtomicLevel, srv *server.Server, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-manager.Watch(ctx):
			if !ok {
				return
			}
			if err := logging.SetLevel(level, next.Logging.Level); err != nil {
				logger.Warn("reload: bad log level", zap.Error(err))
			}
			srv.ApplyConfig(context.Background(), &next)
			logger.Info("configuration reloaded",
				zap.String("log_level", next.Logging.Level),
				zap.Int("rate_limit_rps", next.API.RateLimitRPS))
		}
	}
}
