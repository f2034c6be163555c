package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/Uttam-Singhh/TikShot/internal/attest"
	rediscache "github.com/Uttam-Singhh/TikShot/internal/cache/redis"
	"github.com/Uttam-Singhh/TikShot/internal/config"
	"github.com/Uttam-Singhh/TikShot/internal/crank"
	"github.com/Uttam-Singhh/TikShot/internal/delegation"
	"github.com/Uttam-Singhh/TikShot/internal/logging"
	"github.com/Uttam-Singhh/TikShot/internal/oracle"
	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

func main() {
	bootstrapLogger := logging.Bootstrap()

	cfg, err := config.LoadCrankConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("crank", cfg.Log)
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

	gateway, err := cfg.Solana.LoadGateway()
	if err != nil {
		logger.Error("failed to initialize program gateway", "err", err)
		os.Exit(1)
	}

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

	poster := attest.NewPoster(attest.Config{
		Receiver: attest.ReceiverAccounts{
			ReceiverProgramID: cfg.Oracle.ReceiverProgramID,
			WormholeProgramID: cfg.Oracle.WormholeProgramID,
			TreasuryID:        cfg.Oracle.TreasuryID,
		},
		MaxSignatures: cfg.Oracle.MaxSignatures,
		ConsumeBudget: tikshot.ComputeBudget{
			UnitLimit:              cfg.ComputeUnitLimit,
			UnitPriceMicroLamports: cfg.ComputeUnitPriceMicroLamports,
		},
	}, prices, gateway.Base(), logger)

	deps := crank.Deps{
		Program:    gateway,
		Delegation: delegation.NewGateway(gateway, gateway.ProgramID()),
		Poster:     poster,
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
		deps.Publisher = rediscache.NewEventBus(client)
	}

	svc, err := crank.New(cfg, deps, logger)
	if err != nil {
		logger.Error("failed to initialize crank service", "err", err)
		os.Exit(1)
	}

	logger.Info("crank authority", "authority", gateway.Authority(), "program_id", gateway.ProgramID())
	if err := svc.Run(ctx); err != nil {
		logger.Error("crank exited with error", "err", err)
		os.Exit(1)
	}
}
