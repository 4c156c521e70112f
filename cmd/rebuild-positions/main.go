package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/conviction/backend/internal/config"
	"github.com/conviction/backend/internal/logging"
	"github.com/conviction/backend/internal/tracker"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadRebuildConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("rebuild-positions", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	store, err := tracker.NewStore(cfg.DBDSN)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("failed to close store", "err", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger := tracker.NewLedger(store, logger)

	if cfg.Wallet != "" {
		if err := ledger.RebuildWallet(ctx, cfg.Wallet); err != nil {
			logger.Error("rebuild failed", "wallet", cfg.Wallet, "err", err)
			os.Exit(1)
		}
		logger.Info("rebuild complete", "wallet", cfg.Wallet)
		return
	}

	count, err := ledger.RebuildAll(ctx)
	if err != nil {
		logger.Error("rebuild failed", "rebuilt_wallets", count, "err", err)
		os.Exit(1)
	}
	logger.Info("rebuild complete", "rebuilt_wallets", count)
}
