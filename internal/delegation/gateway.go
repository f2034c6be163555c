// Package delegation moves a round account between the base ledger and the
// ephemeral rollup and back.
package delegation

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

// Program is the subset of the on-chain program delegation needs.
type Program interface {
	DelegateRound(ctx context.Context, roundID uint64) (solana.Signature, error)
	CommitRound(ctx context.Context, roundID uint64) (solana.Signature, error)
	AccountOwner(ctx context.Context, endpoint tikshot.Endpoint, account solana.PublicKey) (solana.PublicKey, error)
}

type Gateway struct {
	program   Program
	programID solana.PublicKey
}

func NewGateway(program Program, programID solana.PublicKey) *Gateway {
	return &Gateway{program: program, programID: programID}
}

// Delegate hands the round account to the ephemeral rollup. Sent on base.
func (g *Gateway) Delegate(ctx context.Context, roundID uint64) (solana.Signature, error) {
	sig, err := g.program.DelegateRound(ctx, roundID)
	if err != nil {
		return sig, fmt.Errorf("delegate round %d: %w", roundID, err)
	}
	return sig, nil
}

// Commit merges the rollup state back to base and undelegates. Sent on the
// ephemeral endpoint; base visibility lags the confirmation.
func (g *Gateway) Commit(ctx context.Context, roundID uint64) (solana.Signature, error) {
	sig, err := g.program.CommitRound(ctx, roundID)
	if err != nil {
		return sig, fmt.Errorf("commit round %d: %w", roundID, err)
	}
	return sig, nil
}

// IsDelegated reports whether the round account on base is currently owned by
// the delegation program.
func (g *Gateway) IsDelegated(ctx context.Context, roundID uint64) (bool, error) {
	round, _, err := tikshot.DeriveRoundPDA(g.programID, roundID)
	if err != nil {
		return false, fmt.Errorf("derive round PDA: %w", err)
	}
	owner, err := g.program.AccountOwner(ctx, tikshot.EndpointBase, round)
	if err != nil {
		return false, fmt.Errorf("read round %d owner: %w", roundID, err)
	}
	return owner.Equals(tikshot.DelegationProgramID), nil
}
