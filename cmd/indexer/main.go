package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/chainlens/indexer-go/api"
	"github.com/chainlens/indexer-go/health"
	"github.com/chainlens/indexer-go/internal/config"
	"github.com/chainlens/indexer-go/internal/logger"
	"github.com/chainlens/indexer-go/progress"
	"github.com/chainlens/indexer-go/provider"
	"github.com/chainlens/indexer-go/session"
	"github.com/chainlens/indexer-go/storage"
	"github.com/chainlens/indexer-go/validate"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		dbPath      = flag.String("db", "", "Transaction database path")
		cpDir       = flag.String("checkpoints", "", "Checkpoint directory")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
		enableAPI   = flag.Bool("api", false, "Enable API server")
		apiPort     = flag.Int("api-port", 0, "API server port")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("indexer-go version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	// Load .env before config so env overrides see it. A missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *dbPath, *cpDir, *logLevel, *logFormat, *enableAPI, *apiPort)

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting indexer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.Int("chains", len(cfg.Chains)),
		zap.String("db_path", cfg.Storage.Path),
		zap.String("checkpoint_dir", cfg.Checkpoint.Dir),
	)

	if err := run(cfg, log); err != nil {
		log.Fatal("indexer failed", zap.Error(err))
	}
}

func applyFlags(cfg *config.Config, dbPath, cpDir, logLevel, logFormat string, enableAPI bool, apiPort int) {
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}
	if cpDir != "" {
		cfg.Checkpoint.Dir = cpDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if enableAPI {
		cfg.API.Enabled = true
	}
	if apiPort != 0 {
		cfg.API.Port = apiPort
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Provider pool with background health probing.
	pool, err := provider.NewPool(&cfg.Provider, cfg.Chains, log)
	if err != nil {
		return fmt.Errorf("failed to create provider pool: %w", err)
	}
	pool.SetMetrics(provider.NewMetrics("indexer"))
	pool.Start(ctx)
	defer pool.Stop()

	// Transaction store.
	store, err := storage.NewPebbleStore(&storage.Config{
		Path:         cfg.Storage.Path,
		Cache:        cfg.Storage.CacheMB,
		MaxOpenFiles: cfg.Storage.MaxOpenFiles,
		WriteBuffer:  cfg.Storage.WriteBufferMB,
	})
	if err != nil {
		return fmt.Errorf("failed to open transaction store: %w", err)
	}
	store.SetLogger(log)
	defer store.Close()

	// Checkpoint store.
	checkpoints, err := session.NewFileStore(cfg.Checkpoint.Dir, log)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	// Progress broadcaster.
	broadcaster := progress.NewBroadcaster(1024)
	go broadcaster.Run()
	defer broadcaster.Stop()

	// Session manager.
	validator := validate.NewValidator(&cfg.Validation, log)
	manager := session.NewManager(pool, store, checkpoints, broadcaster, validator, &cfg.Session, log)
	manager.SetMetrics(session.NewMetrics("indexer"))

	// Health monitor.
	monitor := health.NewMonitor(pool, manager, &cfg.Health, log)
	monitor.Start(ctx)
	defer monitor.Stop()

	// API server.
	var apiServer *api.Server
	apiErr := make(chan error, 1)
	if cfg.API.Enabled {
		apiServer, err = api.NewServer(&api.Config{
			Host:            cfg.API.Host,
			Port:            cfg.API.Port,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			EnableWebSocket: cfg.API.EnableWebSocket,
			EnableMetrics:   cfg.API.EnableMetrics,
			EnableCORS:      cfg.API.EnableCORS,
			AllowedOrigins:  cfg.API.AllowedOrigins,
			ShutdownTimeout: 10 * time.Second,
		}, manager, monitor, broadcaster, log)
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}
		apiServer.SetTxCounter(store)

		go func() {
			apiErr <- apiServer.Start()
		}()
	}

	log.Info("indexer running")

	select {
	case sig := <-sigChan:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-apiErr:
		if err != nil {
			log.Error("API server exited", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error("API server shutdown failed", zap.Error(err))
		}
	}

	if err := manager.ShutdownAll(shutdownCtx); err != nil {
		log.Error("session shutdown incomplete", zap.Error(err))
	}

	log.Info("indexer stopped")
	return nil
}
