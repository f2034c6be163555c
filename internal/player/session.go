// Package player is the client side of the game for a single wallet.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/Uttam-Singhh/TikShot/internal/payout"
	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

const (
	DefaultOptimisticWindow = 5 * time.Second
	DefaultHistoryDepth     = 5
)

// Program is what a player needs from the on-chain program. Calls are signed
// by the session wallet.
type Program interface {
	tikshot.AccountReader

	RegisterPlayer(ctx context.Context) (solana.Signature, error)
	PlaceBet(ctx context.Context, roundID uint64, direction tikshot.Direction, amount uint64) (solana.Signature, error)
	Claim(ctx context.Context, roundID uint64) (solana.Signature, error)
}

type Options struct {
	// OptimisticWindow is how long a local deduction wins over polled balances.
	OptimisticWindow time.Duration
	Now              func() time.Time
}

// Session tracks one wallet's credits. Errors from the program are returned
// as-is; nothing is retried.
type Session struct {
	program Program
	reader  *tikshot.DualReader
	wallet  solana.PublicKey
	window  time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu              sync.Mutex
	credits         uint64
	known           bool
	optimisticUntil time.Time
}

func NewSession(program Program, wallet solana.PublicKey, opts Options, logger *slog.Logger) *Session {
	if opts.OptimisticWindow <= 0 {
		opts.OptimisticWindow = DefaultOptimisticWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		program: program,
		reader:  tikshot.NewDualReader(program),
		wallet:  wallet,
		window:  opts.OptimisticWindow,
		now:     opts.Now,
		logger:  logger.With("wallet", wallet.String()),
	}
}

func (s *Session) Wallet() solana.PublicKey {
	return s.wallet
}

func (s *Session) Register(ctx context.Context) (solana.Signature, error) {
	sig, err := s.program.RegisterPlayer(ctx)
	if err != nil {
		return sig, err
	}
	s.logger.Info("player registered", "signature", sig.String())
	return sig, nil
}

// Bet places a bet on the ephemeral endpoint and deducts amount from the local
// balance right away. Polls are ignored for the optimistic window so the
// deduction is not overwritten by a stale read.
func (s *Session) Bet(ctx context.Context, roundID uint64, direction tikshot.Direction, amount uint64) (solana.Signature, error) {
	sig, err := s.program.PlaceBet(ctx, roundID, direction, amount)
	if err != nil {
		return sig, err
	}

	s.mu.Lock()
	s.optimisticUntil = s.now().Add(s.window)
	if s.credits > amount {
		s.credits -= amount
	} else {
		s.credits = 0
	}
	s.mu.Unlock()

	s.logger.Info("bet placed", "round_id", roundID, "direction", direction.String(), "amount", amount, "signature", sig.String())
	return sig, nil
}

func (s *Session) Claim(ctx context.Context, roundID uint64) (solana.Signature, error) {
	sig, err := s.program.Claim(ctx, roundID)
	if err != nil {
		return sig, err
	}
	s.logger.Info("winnings claimed", "round_id", roundID, "signature", sig.String())

	s.mu.Lock()
	s.optimisticUntil = time.Time{}
	s.mu.Unlock()
	return sig, nil
}

// Balance returns the last known credits. ok is false until a refresh has
// succeeded.
func (s *Session) Balance() (credits uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits, s.known
}

// Refresh reads the player account, ephemeral first. It does nothing while an
// optimistic deduction is active.
func (s *Session) Refresh(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	if s.now().Before(s.optimisticUntil) {
		credits := s.credits
		s.mu.Unlock()
		return credits, nil
	}
	s.mu.Unlock()

	player, err := s.reader.FetchPlayer(ctx, s.wallet)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now().Before(s.optimisticUntil) {
		return s.credits, nil
	}
	s.credits = player.Credits
	s.known = true
	return s.credits, nil
}

// Claimable is a settled round the wallet can still claim from.
type Claimable struct {
	RoundID uint64
	Result  tikshot.RoundResult
	Stake   payout.Stake
	Payout  uint64
}

// ClaimableRounds walks back up to depth rounds before the game's current
// counter and returns those with an unclaimed, non-zero payout.
func (s *Session) ClaimableRounds(ctx context.Context, depth int) ([]Claimable, error) {
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	game, err := s.program.FetchGame(ctx, tikshot.EndpointBase)
	if err != nil {
		return nil, fmt.Errorf("fetch game: %w", err)
	}

	out := make([]Claimable, 0, depth)
	for i := 0; i < depth && uint64(i) < game.RoundCount; i++ {
		roundID := game.RoundCount - 1 - uint64(i)
		round, err := s.program.FetchRound(ctx, tikshot.EndpointBase, roundID)
		if err != nil {
			if tikshot.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("fetch round %d: %w", roundID, err)
		}
		if round.Status != tikshot.RoundStatus_Settled {
			continue
		}
		bet, ok := round.FindBet(s.wallet)
		if !ok {
			continue
		}

		stake := payout.StakeFromBet(bet)
		amount, err := payout.Payout(payout.PoolFromRound(round), stake, game.FeeBps)
		if err != nil {
			return nil, fmt.Errorf("payout for round %d: %w", roundID, err)
		}
		if amount == 0 {
			continue
		}
		out = append(out, Claimable{RoundID: roundID, Result: round.Result, Stake: stake, Payout: amount})
	}
	return out, nil
}
