// Package crank drives TikShot rounds through their lifecycle: start with a
// fresh oracle price, delegate to the ephemeral rollup for betting, lock,
// commit back to base, and settle with a second price.
package crank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/Uttam-Singhh/TikShot/internal/attest"
	"github.com/Uttam-Singhh/TikShot/internal/config"
	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

// ErrRoundCountStale is returned when a settled round already occupies the id
// the game counter says is next.
var ErrRoundCountStale = errors.New("game round count is behind the ledger")

// Program is the part of the on-chain program the crank drives.
type Program interface {
	InitGame(ctx context.Context, feeBps uint16) (solana.Signature, error)
	FetchGame(ctx context.Context, endpoint tikshot.Endpoint) (*tikshot.Game, error)
	FetchRound(ctx context.Context, endpoint tikshot.Endpoint, roundID uint64) (*tikshot.Round, error)
	StartRound(ctx context.Context, roundID uint64, priceUpdate solana.PublicKey, budget tikshot.ComputeBudget) (solana.Signature, error)
	LockRound(ctx context.Context, endpoint tikshot.Endpoint, roundID uint64) (solana.Signature, error)
	SettleRound(ctx context.Context, roundID uint64, priceUpdate solana.PublicKey, budget tikshot.ComputeBudget) (solana.Signature, error)
}

type Delegation interface {
	Delegate(ctx context.Context, roundID uint64) (solana.Signature, error)
	Commit(ctx context.Context, roundID uint64) (solana.Signature, error)
	IsDelegated(ctx context.Context, roundID uint64) (bool, error)
}

type PricePoster interface {
	PostAndExecute(ctx context.Context, label string, consume attest.ConsumeFunc) (*attest.Result, error)
}

// EventPublisher is told about every settled round. Publish failures are
// logged and never fail the round.
type EventPublisher interface {
	PublishRoundSettled(ctx context.Context, round *tikshot.Round) error
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

type Deps struct {
	Program    Program
	Delegation Delegation
	Poster     PricePoster
	Publisher  EventPublisher
	Sleep      Sleeper
	Now        func() time.Time
	// OnPhase observes every phase entered; used by tests.
	OnPhase func(phase Phase, roundID uint64)
}

type Service struct {
	cfg        config.CrankConfig
	program    Program
	delegation Delegation
	poster     PricePoster
	publisher  EventPublisher
	sleep      Sleeper
	now        func() time.Time
	onPhase    func(Phase, uint64)
	logger     *slog.Logger

	phase Phase
}

func New(cfg config.CrankConfig, deps Deps, logger *slog.Logger) (*Service, error) {
	if deps.Program == nil || deps.Delegation == nil || deps.Poster == nil {
		return nil, errors.New("crank requires program, delegation and poster")
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		program:    deps.Program,
		delegation: deps.Delegation,
		poster:     deps.Poster,
		publisher:  deps.Publisher,
		sleep:      deps.Sleep,
		now:        deps.Now,
		onPhase:    deps.OnPhase,
		logger:     logger,
	}, nil
}

// Run drives rounds until ctx is cancelled. Any failure restarts the loop
// from Idle after the error backoff; state is always re-read from the ledger.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("crank started",
		"fee_bps", s.cfg.FeeBps,
		"betting_window", s.cfg.BettingWindow,
		"lock_duration", s.cfg.LockDuration,
		"commit_wait", s.cfg.CommitWait,
		"error_backoff", s.cfg.ErrorBackoff,
	)

	for {
		err := s.RunOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info("crank stopped", "phase", s.phase.String())
			return nil
		}
		if err == nil {
			continue
		}

		s.logger.Error("crank iteration failed", "phase", s.phase.String(), "err", err, "retry_in", s.cfg.ErrorBackoff)
		s.enter(PhaseIdle, 0)
		if err := s.sleep(ctx, s.cfg.ErrorBackoff); err != nil {
			s.logger.Info("crank stopped", "phase", s.phase.String())
			return nil
		}
	}
}

// RunOnce completes exactly one round: a round left unsettled by an earlier
// process if there is one, otherwise a new round with id Game.RoundCount.
func (s *Service) RunOnce(ctx context.Context) error {
	s.enter(PhaseIdle, 0)

	game, err := s.loadGame(ctx)
	if err != nil {
		return err
	}

	// RoundCount itself is checked too so a round account found there goes
	// through the same owner and status checks as the latest round.
	candidates := []uint64{game.RoundCount}
	if game.RoundCount > 0 {
		candidates = []uint64{game.RoundCount - 1, game.RoundCount}
	}
	for _, id := range candidates {
		recovered, err := s.recoverRound(ctx, id)
		if err != nil {
			return fmt.Errorf("recover round %d: %w", id, err)
		}
		if recovered {
			return nil
		}
	}

	roundID := game.RoundCount
	s.enter(PhaseStarting, roundID)
	round, err := s.startRound(ctx, roundID)
	if err != nil {
		return err
	}
	return s.finishRound(ctx, round, false, s.cfg.BettingWindow)
}

func (s *Service) loadGame(ctx context.Context) (*tikshot.Game, error) {
	game, err := s.program.FetchGame(ctx, tikshot.EndpointBase)
	if err == nil {
		return game, nil
	}
	if !errors.Is(err, tikshot.ErrAccountNotFound) {
		return nil, fmt.Errorf("fetch game: %w", err)
	}

	s.logger.Info("game account missing; initializing", "fee_bps", s.cfg.FeeBps)
	sig, err := s.program.InitGame(ctx, s.cfg.FeeBps)
	if err != nil {
		return nil, fmt.Errorf("init game: %w", err)
	}
	s.logger.Info("game initialized", "signature", sig.String())

	game, err = s.program.FetchGame(ctx, tikshot.EndpointBase)
	if err != nil {
		return nil, fmt.Errorf("fetch game after init: %w", err)
	}
	return game, nil
}

// recoverRound finishes roundID if an earlier process left it unsettled.
func (s *Service) recoverRound(ctx context.Context, roundID uint64) (bool, error) {
	round, err := s.program.FetchRound(ctx, tikshot.EndpointBase, roundID)
	if err != nil {
		if errors.Is(err, tikshot.ErrAccountNotFound) {
			return false, nil
		}
		return false, err
	}
	if round.Status == tikshot.RoundStatus_Settled {
		return false, nil
	}

	delegated, err := s.delegation.IsDelegated(ctx, roundID)
	if err != nil {
		return false, err
	}
	if delegated {
		// the base copy is frozen while delegated; the rollup has the live status
		live, err := s.program.FetchRound(ctx, tikshot.EndpointEphemeral, roundID)
		if err != nil {
			return false, fmt.Errorf("fetch delegated round: %w", err)
		}
		round = live
	}

	window := time.Unix(round.LockTs, 0).Sub(s.now())
	s.logger.Warn("resuming unsettled round",
		"round_id", roundID,
		"status", round.Status.String(),
		"delegated", delegated,
		"until_lock", window,
	)
	return true, s.finishRound(ctx, round, delegated, window)
}

// startRound creates roundID with a freshly posted price. Unsettled rounds at
// roundID are resumed by recoverRound first, so an account found here is
// settled and the game counter disagrees with the ledger.
func (s *Service) startRound(ctx context.Context, roundID uint64) (*tikshot.Round, error) {
	existing, err := s.program.FetchRound(ctx, tikshot.EndpointBase, roundID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: round %d is %s but round count was not advanced", ErrRoundCountStale, roundID, existing.Status)
	case !errors.Is(err, tikshot.ErrAccountNotFound):
		return nil, fmt.Errorf("check round %d: %w", roundID, err)
	}

	res, err := s.poster.PostAndExecute(ctx, "start_round", func(ctx context.Context, priceUpdate solana.PublicKey, budget tikshot.ComputeBudget) (solana.Signature, error) {
		return s.program.StartRound(ctx, roundID, priceUpdate, budget)
	})
	if err != nil {
		return nil, fmt.Errorf("start round %d: %w", roundID, err)
	}
	s.logger.Info("round started",
		"round_id", roundID,
		"price", res.Price.Price,
		"expo", res.Price.Expo,
		"signature", res.ConsumeSignature.String(),
	)

	return &tikshot.Round{RoundID: roundID, Status: tikshot.RoundStatus_Open}, nil
}

// finishRound drives round from its current status to Settled. window is
// how long betting stays open from now; when it has already elapsed an
// undelegated round is locked directly on base.
func (s *Service) finishRound(ctx context.Context, round *tikshot.Round, delegated bool, window time.Duration) error {
	roundID := round.RoundID

	if round.Status == tikshot.RoundStatus_Open {
		if !delegated && window > 0 {
			s.enter(PhaseOpenDelegated, roundID)
			sig, err := s.delegation.Delegate(ctx, roundID)
			if err != nil {
				return err
			}
			delegated = true
			s.logger.Info("round delegated", "round_id", roundID, "signature", sig.String())
		} else if delegated {
			s.enter(PhaseOpenDelegated, roundID)
		}

		if window > 0 {
			s.logger.Info("betting open", "round_id", roundID, "window", window)
			if err := s.sleep(ctx, window); err != nil {
				return err
			}
		}

		s.enter(PhaseLocking, roundID)
		endpoint := tikshot.EndpointBase
		if delegated {
			endpoint = tikshot.EndpointEphemeral
		}
		sig, err := s.program.LockRound(ctx, endpoint, roundID)
		if err != nil {
			return fmt.Errorf("lock round %d on %s: %w", roundID, endpoint, err)
		}
		s.logger.Info("round locked", "round_id", roundID, "endpoint", endpoint.String(), "signature", sig.String())
		if err := s.sleep(ctx, s.cfg.LockDuration); err != nil {
			return err
		}
	}

	if delegated {
		s.enter(PhaseLockedCommitting, roundID)
		sig, err := s.delegation.Commit(ctx, roundID)
		if err != nil {
			return err
		}
		s.logger.Info("round committed", "round_id", roundID, "signature", sig.String())
		if err := s.sleep(ctx, s.cfg.CommitWait); err != nil {
			return err
		}
	}

	s.enter(PhaseSettling, roundID)
	res, err := s.poster.PostAndExecute(ctx, "settle_round", func(ctx context.Context, priceUpdate solana.PublicKey, budget tikshot.ComputeBudget) (solana.Signature, error) {
		return s.program.SettleRound(ctx, roundID, priceUpdate, budget)
	})
	if err != nil {
		return fmt.Errorf("settle round %d: %w", roundID, err)
	}

	s.enter(PhaseSettled, roundID)
	s.reportSettled(ctx, roundID, res)
	return nil
}

func (s *Service) reportSettled(ctx context.Context, roundID uint64, res *attest.Result) {
	settled, err := s.program.FetchRound(ctx, tikshot.EndpointBase, roundID)
	if err != nil {
		s.logger.Warn("round settled but read-back failed", "round_id", roundID, "signature", res.ConsumeSignature.String(), "err", err)
		return
	}
	if err := settled.Validate(); err != nil {
		s.logger.Warn("settled round failed validation", "round_id", roundID, "err", err)
	}

	s.logger.Info("round settled",
		"round_id", roundID,
		"start_price", settled.StartPrice,
		"end_price", settled.EndPrice,
		"expo", settled.PriceExpo,
		"result", settled.Result.String(),
		"total_up", settled.TotalUp,
		"total_down", settled.TotalDown,
		"pool", settled.TotalPool(),
		"bets", settled.NumBets,
	)

	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishRoundSettled(ctx, settled); err != nil {
		s.logger.Warn("publish round settled failed", "round_id", roundID, "err", err)
	}
}

func (s *Service) enter(phase Phase, roundID uint64) {
	if !s.phase.CanTransition(phase) {
		s.logger.Warn("unexpected phase transition", "from", s.phase.String(), "to", phase.String(), "round_id", roundID)
	}
	s.phase = phase
	if phase != PhaseIdle {
		s.logger.Debug("phase", "phase", phase.String(), "round_id", roundID)
	}
	if s.onPhase != nil {
		s.onPhase(phase, roundID)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
