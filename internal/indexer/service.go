package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	rediscache "github.com/Uttam-Singhh/TikShot/internal/cache/redis"
	"github.com/Uttam-Singhh/TikShot/internal/config"
	"github.com/Uttam-Singhh/TikShot/internal/oracle"
	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

// Chain is the read side of the program the indexer polls.
type Chain interface {
	tikshot.AccountReader

	ProgramID() solana.PublicKey
	ScanPlayers(ctx context.Context) ([]tikshot.KeyedPlayer, error)
	CurrentSlot(ctx context.Context) (uint64, error)
}

type RoundStore interface {
	ApplySync(ctx context.Context, batch SyncBatch) error
	FinalizedRounds(ctx context.Context, from, to uint64) (map[uint64]bool, error)
	InsertMarketPriceTick(ctx context.Context, input MarketPriceTickInput) (bool, error)
	PruneMarketPriceTicks(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotCache receives the live round and latest price. Optional.
type SnapshotCache interface {
	SetCurrent(ctx context.Context, snap rediscache.RoundSnapshot) error
	SetLatestPrice(ctx context.Context, snap rediscache.PriceSnapshot) error
}

type PriceStream interface {
	Stream(ctx context.Context, handler oracle.TickHandler) error
}

type Deps struct {
	Chain  Chain
	Store  RoundStore
	Cache  SnapshotCache
	Prices PriceStream
	Now    func() time.Time
}

type Service struct {
	cfg    config.IndexerConfig
	chain  Chain
	reader *tikshot.DualReader
	store  RoundStore
	cache  SnapshotCache
	prices PriceStream
	now    func() time.Time
	logger *slog.Logger
}

func New(cfg config.IndexerConfig, deps Deps, logger *slog.Logger) (*Service, error) {
	if deps.Chain == nil || deps.Store == nil {
		return nil, errors.New("indexer requires chain and store")
	}
	if cfg.EnablePriceStream && deps.Prices == nil {
		return nil, errors.New("price stream enabled without a price source")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		chain:  deps.Chain,
		reader: tikshot.NewDualReader(deps.Chain),
		store:  deps.Store,
		cache:  deps.Cache,
		prices: deps.Prices,
		now:    deps.Now,
		logger: logger,
	}, nil
}

// Run polls the chain, streams prices and prunes old ticks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("indexer started",
		"program", s.chain.ProgramID().String(),
		"poll_interval", s.cfg.PollInterval,
		"recent_rounds", s.cfg.RecentRounds,
		"price_stream", s.cfg.EnablePriceStream,
		"cache", s.cache != nil,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.runSyncLoop(ctx)
	})
	if s.cfg.EnablePriceStream {
		g.Go(func() error {
			err := s.prices.Stream(ctx, s.handleTick)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			return s.runPruneSchedule(ctx)
		})
	}

	err := g.Wait()
	s.logger.Info("indexer stopped")
	return err
}

func (s *Service) runSyncLoop(ctx context.Context) error {
	if err := s.syncOnce(ctx); err != nil {
		s.logger.Error("initial sync failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "err", err)
			}
		}
	}
}

func (s *Service) runPruneSchedule(ctx context.Context) error {
	scheduler := cron.New(cron.WithSeconds())
	if _, err := scheduler.AddFunc(s.cfg.PruneSchedule, func() {
		s.pruneTicks(ctx)
	}); err != nil {
		return fmt.Errorf("register prune schedule %q: %w", s.cfg.PruneSchedule, err)
	}
	scheduler.Start()
	s.logger.Info("price tick pruning scheduled", "schedule", s.cfg.PruneSchedule, "retention", s.cfg.PriceTickRetention)

	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

func (s *Service) pruneTicks(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.PriceTickRetention)
	deleted, err := s.store.PruneMarketPriceTicks(ctx, cutoff)
	if err != nil {
		s.logger.Error("price tick prune failed", "err", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("price ticks pruned", "deleted", deleted, "cutoff", cutoff.Unix())
	}
}

// syncOnce reads the game, the live round (ephemeral first), recent rounds
// from base and every player, and writes them in one transaction.
func (s *Service) syncOnce(ctx context.Context) error {
	slot, err := s.chain.CurrentSlot(ctx)
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}

	game, err := s.chain.FetchGame(ctx, tikshot.EndpointBase)
	if err != nil {
		if tikshot.IsNotFound(err) {
			s.logger.Debug("game not initialized yet", "slot", slot)
			return nil
		}
		return fmt.Errorf("fetch game: %w", err)
	}

	batch := SyncBatch{Slot: slot, Game: game}

	if game.RoundCount > 0 {
		currentID := game.RoundCount - 1
		if err := s.collectCurrentRound(ctx, &batch, currentID); err != nil {
			return err
		}
		if err := s.collectRecentRounds(ctx, &batch, currentID); err != nil {
			return err
		}
	}

	players, err := s.chain.ScanPlayers(ctx)
	if err != nil {
		return fmt.Errorf("scan players: %w", err)
	}
	batch.Players = players

	if err := s.store.ApplySync(ctx, batch); err != nil {
		return fmt.Errorf("apply sync: %w", err)
	}

	s.logger.Info(
		"sync complete",
		"slot", slot,
		"round_count", game.RoundCount,
		"rounds", len(batch.Rounds),
		"players", len(batch.Players),
	)
	return nil
}

func (s *Service) collectCurrentRound(ctx context.Context, batch *SyncBatch, roundID uint64) error {
	round, endpoint, err := s.reader.FetchRound(ctx, roundID)
	if err != nil {
		if tikshot.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("fetch current round %d: %w", roundID, err)
	}
	if err := s.appendRound(batch, round, endpoint); err != nil {
		return err
	}

	if s.cache != nil {
		snap := rediscache.SnapshotFromRound(round, endpoint, s.now())
		if err := s.cache.SetCurrent(ctx, snap); err != nil {
			s.logger.Warn("cache current round failed", "round_id", roundID, "err", err)
		}
	}
	return nil
}

func (s *Service) collectRecentRounds(ctx context.Context, batch *SyncBatch, currentID uint64) error {
	if currentID == 0 || s.cfg.RecentRounds <= 0 {
		return nil
	}
	to := currentID - 1
	from := uint64(0)
	if n := uint64(s.cfg.RecentRounds); to+1 > n {
		from = to + 1 - n
	}

	final, err := s.store.FinalizedRounds(ctx, from, to)
	if err != nil {
		return fmt.Errorf("load finalized rounds: %w", err)
	}

	for id := to; ; id-- {
		if !final[id] {
			round, err := s.chain.FetchRound(ctx, tikshot.EndpointBase, id)
			switch {
			case err == nil:
				if err := s.appendRound(batch, round, tikshot.EndpointBase); err != nil {
					return err
				}
			case tikshot.IsNotFound(err):
			default:
				return fmt.Errorf("fetch round %d: %w", id, err)
			}
		}
		if id == from {
			break
		}
	}
	return nil
}

func (s *Service) appendRound(batch *SyncBatch, round *tikshot.Round, source tikshot.Endpoint) error {
	if err := round.Validate(); err != nil {
		s.logger.Warn("indexed round failed validation", "round_id", round.RoundID, "source", source.String(), "err", err)
	}
	pubkey, _, err := tikshot.DeriveRoundPDA(s.chain.ProgramID(), round.RoundID)
	if err != nil {
		return fmt.Errorf("derive round PDA %d: %w", round.RoundID, err)
	}
	batch.Rounds = append(batch.Rounds, IndexedRound{Pubkey: pubkey, Round: round, Source: source})
	return nil
}
