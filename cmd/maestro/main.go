// Maestro orchestration server — routes inference requests across backend
// models, executes composite tasks on worker agents, and enforces
// reputation-gated consensus over their results.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/maestro-run/maestro/pkg/adapter"
	"github.com/maestro-run/maestro/pkg/api"
	"github.com/maestro-run/maestro/pkg/batch"
	"github.com/maestro-run/maestro/pkg/cache"
	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/consensus"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/orchestrator"
	"github.com/maestro-run/maestro/pkg/pool"
	"github.com/maestro-run/maestro/pkg/reputation"
	"github.com/maestro-run/maestro/pkg/router"
	"github.com/maestro-run/maestro/pkg/store"
)

// Exit codes shared with the host CLI wrapper.
const (
	exitOK          = 0
	exitConfigError = 2
	exitInterrupted = 130
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting Maestro", "config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return exitConfigError
	}

	// 2. Open the persistent store (SQLite by default, PostgreSQL when the
	// DSN says so)
	st, err := store.Open(ctx, cfg.Store.DSN)
	if err != nil {
		slog.Error("Failed to open store", "dsn", cfg.Store.DSN, "error", err)
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	slog.Info("Store opened", "dialect", string(st.Dialect()))

	// 3. Event bus shared by every subsystem
	bus := events.NewBus(events.DefaultBufferSize)
	defer bus.Close()

	// 4. Reputation tracker and consensus core (reputation records are
	// shared by reference; consensus reads trust through the tracker)
	tracker := reputation.NewTracker(*cfg.Reputation, bus)
	consensusMgr := consensus.NewManager(*cfg.Consensus, tracker, bus)
	slog.Info("Consensus core initialized", "quorum", consensusMgr.Quorum())

	// 5. Router, executor, cache, and per-tier connection pools
	modelRouter := router.New(*cfg.Router, bus)
	executor := batch.NewExecutor(*cfg.Executor, bus)
	twoLevel := cache.New(*cfg.Cache, st, bus)
	pools := make(map[models.UserTier]*pool.Pool)
	for _, tier := range []models.UserTier{models.TierFree, models.TierPro, models.TierEnterprise} {
		pools[tier] = pool.New(tier, *cfg.Pool, pool.NewStoreFactory(st))
	}

	// 6. Orchestrator wires everything and registers operation handlers
	orch := orchestrator.New(cfg, orchestrator.Deps{
		Router:     modelRouter,
		Executor:   executor,
		Cache:      twoLevel,
		Consensus:  consensusMgr,
		Reputation: tracker,
		Pools:      pools,
		Store:      st,
		Adapter:    &adapter.Stub{},
	})
	if err := orch.Start(ctx); err != nil {
		slog.Error("Failed to start orchestrator", "error", err)
		return 1
	}
	slog.Info("Orchestrator started",
		"models", len(cfg.Models),
		"max_workers", cfg.Executor.MaxWorkers,
		"max_concurrency", cfg.Executor.MaxConcurrency)

	// 7. HTTP server
	httpServer := api.NewServer(*cfg.Server, orch, tracker)
	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(serverCtx); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Maestro started successfully", "port", cfg.Server.Port)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	code := exitOK
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
		if sig == syscall.SIGINT {
			code = exitInterrupted
		}
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
		code = 1
	}

	// 9. Graceful shutdown: drain HTTP first, then the orchestrator's
	// subsystems with their own budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	orchShutdownCtx, orchCancel := context.WithTimeout(ctx, 15*time.Second)
	defer orchCancel()
	orch.Stop(orchShutdownCtx)

	slog.Info("Shutdown complete")
	return code
}
