package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	rediscache "github.com/Uttam-Singhh/TikShot/internal/cache/redis"
	"github.com/Uttam-Singhh/TikShot/internal/config"
	"github.com/Uttam-Singhh/TikShot/internal/indexer"
	"github.com/Uttam-Singhh/TikShot/internal/logging"
	"github.com/Uttam-Singhh/TikShot/internal/oracle"
)

func main() {
	bootstrapLogger := logging.Bootstrap()

	cfg, err := config.LoadIndexerConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("indexer", cfg.Log)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := indexer.NewStore(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("failed to initialize store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close store", "err", err)
		}
	}()

	chain, err := cfg.Solana.ReadOnlyGateway()
	if err != nil {
		logger.Error("failed to initialize program gateway", "err", err)
		os.Exit(1)
	}

	deps := indexer.Deps{Chain: chain, Store: store}
	if cfg.EnablePriceStream {
		prices, err := oracle.NewClient(oracle.ClientConfig{
			HermesURL:      cfg.Oracle.HermesURL,
			StreamURL:      cfg.Oracle.StreamURL,
			FeedID:         cfg.Oracle.FeedID,
			RequestTimeout: cfg.Oracle.RequestTimeout,
			ReconnectDelay: cfg.Oracle.ReconnectInterval,
		}, logger)
		if err != nil {
			logger.Error("failed to initialize oracle client", "err", err)
			os.Exit(1)
		}
		deps.Prices = prices
	}
	if cfg.Redis.Enabled() {
		client, err := rediscache.New(ctx, rediscache.ClientConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			logger.Error("failed to connect redis", "err", err)
			os.Exit(1)
		}
		defer client.Close()
		deps.Cache = rediscache.NewRoundCache(client, cfg.Redis.SnapshotTTL)
	}

	svc, err := indexer.New(cfg, deps, logger)
	if err != nil {
		logger.Error("failed to initialize indexer service", "err", err)
		os.Exit(1)
	}

	if err := svc.Run(ctx); err != nil {
		logger.Error("indexer exited with error", "err", err)
		os.Exit(1)
	}
}
