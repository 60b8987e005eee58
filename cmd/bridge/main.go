package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/mt5-bridge/internal/api"
	"github.com/eddiefleurent/mt5-bridge/internal/config"
	"github.com/eddiefleurent/mt5-bridge/internal/driver"
	"github.com/eddiefleurent/mt5-bridge/internal/engine"
	"github.com/eddiefleurent/mt5-bridge/internal/history"
	"github.com/eddiefleurent/mt5-bridge/internal/session"
	"github.com/eddiefleurent/mt5-bridge/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load .env before the config so ${VAR} references resolve. A missing
	// file is fine, production deployments export real environment.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	logger := newLogger(cfg)
	logger.WithFields(logrus.Fields{
		"version":     api.Version,
		"environment": cfg.Environment,
		"driver":      cfg.Driver.Mode,
	}).Info("Starting MT5 bridge service")

	drv, err := buildDriver(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build terminal driver")
	}

	store, err := buildStorage(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open snapshot storage")
	}

	fetcher := history.NewFetcher(drv, logger, historyConfig(cfg))
	eng := engine.New(drv, fetcher, store, logger, engineConfig(cfg))
	registry := session.NewRegistry()

	server := api.NewServer(api.Config{
		Addr:           cfg.Address(),
		APIKey:         cfg.Server.APIKey,
		AllowedOrigins: cfg.CORSOrigins(),
	}, eng, registry, logger)

	probeTerminal(context.Background(), drv, logger)
	eng.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutdown signal received, stopping service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP server shutdown failed")
		}
		eng.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("Service failed")
	}
	logger.Info("Service stopped")
}

// newLogger builds the service logger from config: JSON output outside
// development, level falls back to info when unparseable.
func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.IsDevelopment() {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// buildDriver selects the terminal driver. Gateway mode talks to a real
// terminal host and optionally wraps it in a circuit breaker, sim mode keeps
// everything in memory.
func buildDriver(cfg *config.Config, logger *logrus.Logger) (driver.Driver, error) {
	switch cfg.Driver.Mode {
	case "sim":
		logger.Warn("Using simulated terminal driver, no real terminal will be contacted")
		return driver.NewSim(), nil
	case "gateway":
		gw := driver.NewGatewayClientWithTimeout(
			cfg.Driver.GatewayURL,
			cfg.Driver.GatewayToken,
			logger,
			cfg.GetDriverTimeout(),
		)
		if cfg.Driver.CircuitBreaker {
			return driver.NewCircuitDriver(gw, logger), nil
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unknown driver mode %q", cfg.Driver.Mode)
	}
}

// buildStorage opens the snapshot checkpoint file, or a memory store when
// checkpointing is disabled.
func buildStorage(cfg *config.Config, logger *logrus.Logger) (storage.Interface, error) {
	if cfg.Engine.SnapshotPath == "" {
		logger.Info("Snapshot checkpointing disabled, state will not survive restarts")
		return storage.NewMemoryStorage(), nil
	}

	if dir := filepath.Dir(cfg.Engine.SnapshotPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating snapshot directory: %w", err)
		}
	}

	store, err := storage.NewJSONStorage(cfg.Engine.SnapshotPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot storage at %s: %w", cfg.Engine.SnapshotPath, err)
	}
	logger.WithField("path", cfg.Engine.SnapshotPath).Info("Snapshot checkpointing enabled")
	return store, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		QueueSize:      cfg.Engine.QueueCapacity,
		CacheTTL:       cfg.GetCacheTTL(),
		PollInterval:   cfg.GetCallerPollInterval(),
		PollTimeout:    cfg.GetCallerTimeout(),
		IdleTick:       cfg.GetWorkerIdleTick(),
		ErrorSleep:     cfg.GetWorkerErrorSleep(),
		CarryoverLimit: cfg.Engine.CarryoverLimit,
	}
}

func historyConfig(cfg *config.Config) history.Config {
	return history.Config{
		MaxRetries:     cfg.History.MaxRetries,
		BackoffUnit:    cfg.GetRetryBackoffUnit(),
		DealsWindow:    cfg.GetDealsWindow(),
		EntryBackfill:  cfg.GetEntryBackfill(),
		StopScan:       cfg.GetSLTPScan(),
		WarmupInterval: cfg.GetWarmupInterval(),
		WarmupRange:    cfg.GetWarmupRange(),
		SettleDelay:    cfg.GetSettleDelay(),
	}
}

// probeTerminal checks the terminal once at boot so a misconfigured gateway
// shows up in the logs immediately. Failures are not fatal, the terminal may
// simply not be up yet and every poll retries the full session anyway.
func probeTerminal(ctx context.Context, drv driver.Driver, logger *logrus.Logger) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := drv.Initialize(probeCtx); err != nil {
		logger.WithError(err).Warn("Terminal probe failed, continuing anyway")
		return
	}
	if err := drv.Shutdown(probeCtx); err != nil {
		logger.WithError(err).Warn("Terminal probe shutdown failed")
		return
	}
	logger.Info("Terminal probe succeeded")
}
