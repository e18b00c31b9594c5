package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goclaw/cortex/config"
	"github.com/goclaw/cortex/pkg/api"
	"github.com/goclaw/cortex/pkg/api/handlers"
	"github.com/goclaw/cortex/pkg/embedding"
	"github.com/goclaw/cortex/pkg/logger"
	"github.com/goclaw/cortex/pkg/memory"
	"github.com/goclaw/cortex/pkg/metrics"
	"github.com/goclaw/cortex/pkg/storage"
	"github.com/goclaw/cortex/pkg/storage/badger"
	memstore "github.com/goclaw/cortex/pkg/storage/memory"
	redisstore "github.com/goclaw/cortex/pkg/storage/redis"
	"github.com/goclaw/cortex/pkg/telemetry/tracing"
	"github.com/goclaw/cortex/pkg/version"
)

const defaultShutdownTimeout = 30 * time.Second

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName     = flag.String("app-name", "", "Override app name")
	serverPort  = flag.Int("port", 0, "Override server port")
	logLevel    = flag.String("log-level", "", "Override log level")
	storageType = flag.String("storage", "", "Override storage backend (memory, badger)")
	debugMode   = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}

	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	overrides := buildOverrides()

	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("Starting cortex",
		"version", version.String(),
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version,
		tracing.WithEnvironment(cfg.App.Environment),
		tracing.WithResourceAttributes(attribute.String("cortex.storage", cfg.Storage.Type)),
	)
	if err != nil {
		log.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error("Error shutting down tracing", "error", err)
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		log.Error("Failed to open storage", "type", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}
	log.Info("Initialized storage", "type", cfg.Storage.Type)
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Error closing storage", "error", err)
		}
	}()

	feedback, closeFeedback, err := openFeedback(ctx, cfg, store)
	if err != nil {
		log.Error("Failed to open feedback store", "backend", cfg.Memory.Feedback.Backend, "error", err)
		os.Exit(1)
	}
	defer closeFeedback()

	embedder, err := newEmbedder(cfg)
	if err != nil {
		log.Error("Failed to create embedder", "provider", cfg.Embedding.Provider, "error", err)
		os.Exit(1)
	}
	if c, ok := embedder.(*embedding.CachedEmbedder); ok {
		defer c.Close()
	}

	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)

	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	coord, err := memory.New(ctx, &cfg.Memory, memory.Options{
		Store:    store,
		Feedback: feedback,
		Embedder: embedder,
		Logger:   log.With("component", "memory"),
		Metrics:  metricsManager,
	})
	if err != nil {
		log.Error("Failed to create memory coordinator", "error", err)
		os.Exit(1)
	}
	coord.Start(ctx)

	watcher := startWatcher(ctx, log, coord, overrides)
	if watcher != nil {
		defer func() { _ = watcher.Stop() }()
	}

	apiHandlers := &api.Handlers{
		Health:  handlers.NewHealthHandler(coord),
		Memory:  handlers.NewMemoryHandler(coord, log.With("component", "api")),
		Metrics: metricsManager,
	}
	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "host", cfg.Server.Host, "port", cfg.Server.Port)
		if err := httpServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	log.Info("cortex is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"storage", cfg.Storage.Type,
		"embedding", cfg.Embedding.Provider,
	)

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		log.Error("HTTP server error", "error", err)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	timeout := cfg.Server.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	log.Info("Shutting down HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}

	log.Info("Stopping memory coordinator")
	if err := coord.Close(shutdownCtx); err != nil {
		log.Error("Error during memory shutdown", "error", err)
	}

	log.Info("cortex stopped gracefully")
}

// openStore opens the configured record store.
func openStore(cfg *config.Config) (storage.RecordStore, error) {
	switch cfg.Storage.Type {
	case "badger":
		return badger.NewBadgerStorage(&badger.Config{
			Path:              cfg.Storage.Badger.Path,
			SyncWrites:        cfg.Storage.Badger.SyncWrites,
			ValueLogFileSize:  cfg.Storage.Badger.ValueLogFileSize,
			NumVersionsToKeep: cfg.Storage.Badger.NumVersionsToKeep,
			Quiet:             true,
		})
	case "memory", "":
		return memstore.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// openFeedback returns the feedback store and a func releasing it. The
// "store" backend reuses the record store, which must implement
// storage.FeedbackStore.
func openFeedback(ctx context.Context, cfg *config.Config, store storage.RecordStore) (storage.FeedbackStore, func(), error) {
	switch cfg.Memory.Feedback.Backend {
	case "redis":
		client := redisstore.NewClient(&redisstore.Config{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := redisstore.Ping(pingCtx, client); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis %s unreachable: %w", cfg.Redis.Address, err)
		}
		return redisstore.NewFeedbackStore(client, cfg.Redis.KeyPrefix), func() { _ = client.Close() }, nil
	case "store", "":
		fb, ok := store.(storage.FeedbackStore)
		if !ok {
			return nil, nil, fmt.Errorf("storage type %q cannot hold feedback", cfg.Storage.Type)
		}
		return fb, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown feedback backend %q", cfg.Memory.Feedback.Backend)
	}
}

func newEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	return embedding.New(embedding.Config{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Memory.Dimension,
		CacheSize:  cfg.Embedding.CacheSize,
	})
}

// startWatcher reloads the log level and memory settings when the config
// file changes. It returns nil when no config file was given.
func startWatcher(ctx context.Context, log logger.Logger, coord *memory.Coordinator, overrides map[string]interface{}) *config.Watcher {
	if *configPath == "" {
		return nil
	}

	watcher, err := config.NewWatcher(*configPath,
		config.WithWatcherLogger(log),
		config.WithOverrides(overrides),
	)
	if err != nil {
		log.Warn("Config hot reload disabled", "error", err)
		return nil
	}

	watcher.OnChange(newReloadHandler(log, coord, *debugMode))
	go func() {
		if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn("Config watcher stopped", "error", err)
		}
	}()
	log.Info("Watching configuration for changes", "path", *configPath)
	return watcher
}

type hotReloader interface {
	ApplyHotReload(h config.HotReloadableConfig)
}

func newReloadHandler(log logger.Logger, target hotReloader, debug bool) func(*config.Config) {
	return func(cfg *config.Config) {
		h := config.ExtractHotReloadable(cfg)
		if !debug && !cfg.App.Debug {
			log.SetLevel(logger.ParseLevel(h.LogLevel))
		}
		target.ApplyHotReload(h)
		log.Info("Configuration reloaded",
			"log_level", h.LogLevel,
			"enabled", h.Enabled,
			"cross_session", h.CrossSession,
		)
	}
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storageType != "" {
		overrides["storage.type"] = *storageType
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("cortex - Conversational Memory Service\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("cortex - Short and long term conversational memory with semantic recall\n\n")
	fmt.Printf("Usage: cortex [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  cortex                                    # Run with default config\n")
	fmt.Printf("  cortex -config config.yaml                # Use specific config file\n")
	fmt.Printf("  cortex -storage badger -port 9090         # Override specific options\n")
	fmt.Printf("  cortex -version                           # Print version info\n")
}
