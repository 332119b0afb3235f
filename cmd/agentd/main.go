package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/antigravity-dev/agentd/internal/api"
	"github.com/antigravity-dev/agentd/internal/config"
	"github.com/antigravity-dev/agentd/internal/health"
	"github.com/antigravity-dev/agentd/internal/llmclient"
	"github.com/antigravity-dev/agentd/internal/ratelimit"
	"github.com/antigravity-dev/agentd/internal/store"
	"github.com/antigravity-dev/agentd/internal/task"
	agenttemporal "github.com/antigravity-dev/agentd/internal/temporal"
	"github.com/antigravity-dev/agentd/internal/telemetry"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}

	if strings.TrimSpace(oldCfg.General.StateDB) != strings.TrimSpace(newCfg.General.StateDB) {
		return fmt.Errorf("state_db changed and requires restart")
	}
	if strings.TrimSpace(oldCfg.API.Bind) != strings.TrimSpace(newCfg.API.Bind) {
		return fmt.Errorf("api.bind changed and requires restart")
	}
	if oldCfg.Temporal.Enabled != newCfg.Temporal.Enabled {
		return fmt.Errorf("temporal.enabled changed and requires restart")
	}
	return nil
}

func main() {
	configPath := flag.String("config", "agentd.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("agentd starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := "/tmp/agentd.lock"
	if cfg.General.LockFile != "" {
		lockPath = config.ExpandHome(cfg.General.LockFile)
	}
	lockFile, err := health.AcquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer health.ReleaseFlock(lockFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		if err := shutdownTracing(shutCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	dbPath := config.ExpandHome(cfg.General.StateDB)
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rateLimiter := ratelimit.NewRateLimiter(st, cfg.RateLimits)
	llm := llmclient.New(cfg.Gateway.URL, cfg.Gateway.APIKey, cfg.Gateway.RequestTimeout.Duration,
		llmclient.WithRateLimit(cfg.Gateway.RequestsPerSecond, cfg.Gateway.Burst))

	var backend task.WorkerBackend
	var temporalWorker *agenttemporal.Worker
	if cfg.Temporal.Enabled {
		temporalWorker, err = agenttemporal.StartWorker(cfg.Temporal, logger.With("component", "temporal"))
		if err != nil {
			logger.Error("failed to start temporal worker", "error", err)
			os.Exit(1)
		}
		defer temporalWorker.Stop()
		backend = task.NewTemporalBackend(temporalWorker, cfg.Temporal)
		logger.Info("using temporal worker backend", "task_queue", cfg.Temporal.TaskQueue)
	} else {
		backend = task.NewGoroutineBackend()
		logger.Info("using goroutine worker backend")
	}

	tasks := task.NewService(cfg.General, cfg.Sandbox, cfg.Webhook, backend, llm, rateLimiter, cfg.Providers, cfg.Tiers, st, logger.With("component", "task"))
	if err := tasks.RecoverOrphans(); err != nil {
		logger.Error("orphan recovery failed", "error", err)
	}

	var cfgMu sync.RWMutex
	applyReload := func() error {
		cfgMu.Lock()
		defer cfgMu.Unlock()

		updatedCfg, err := config.Reload(*configPath)
		if err != nil {
			return err
		}
		if err := validateRuntimeConfigReload(cfg, updatedCfg); err != nil {
			return err
		}
		cfgManager.Set(updatedCfg)
		cfg = updatedCfg
		logger = configureLogger(cfg.General.LogLevel, *dev)
		slog.SetDefault(logger)
		return nil
	}

	apiSrv, err := api.NewServer(cfg, tasks, logger.With("component", "api"))
	if err != nil {
		logger.Error("failed to create api server", "error", err)
		os.Exit(1)
	}
	defer apiSrv.Close()

	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("agentd running", "bind", cfg.API.Bind, "max_concurrent_tasks", cfg.General.MaxConcurrentTasks)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := applyReload(); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logger.Info("config reloaded")
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			logger.Info("agentd stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}
