package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/Uttam-Singhh/TikShot/internal/apiserver"
	rediscache "github.com/Uttam-Singhh/TikShot/internal/cache/redis"
	"github.com/Uttam-Singhh/TikShot/internal/config"
	"github.com/Uttam-Singhh/TikShot/internal/indexer"
	"github.com/Uttam-Singhh/TikShot/internal/logging"
)

func main() {
	bootstrapLogger := logging.Bootstrap()

	cfg, err := config.LoadAPIServerConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("api-server", cfg.Log)
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

	deps := apiserver.Deps{Store: store}
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
		deps.Events = rediscache.NewEventBus(client)
	}

	svc, err := apiserver.New(cfg, deps, logger)
	if err != nil {
		logger.Error("failed to initialize api-server service", "err", err)
		os.Exit(1)
	}

	if err := svc.Run(ctx); err != nil {
		logger.Error("api-server exited with error", "err", err)
		os.Exit(1)
	}
}
