package tikshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	// ErrSubmissionFailed marks a transaction that was not built, sent, or confirmed.
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrAccountNotFound marks a Game/Round/Player account that does not exist yet.
	ErrAccountNotFound = errors.New("account not found")
)

const defaultConfirmInterval = 700 * time.Millisecond

// ComputeBudget is prepended to a transaction when either field is non-zero.
type ComputeBudget struct {
	UnitLimit              uint32
	UnitPriceMicroLamports uint64
}

func (b ComputeBudget) instructions() ([]solana.Instruction, error) {
	out := make([]solana.Instruction, 0, 2)
	if b.UnitLimit > 0 {
		ix, err := computebudget.NewSetComputeUnitLimitInstruction(b.UnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		out = append(out, ix)
	}
	if b.UnitPriceMicroLamports > 0 {
		ix, err := computebudget.NewSetComputeUnitPriceInstruction(b.UnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		out = append(out, ix)
	}
	return out, nil
}

type SubmitOptions struct {
	Budget ComputeBudget
	// Signers co-sign alongside the fee payer, e.g. single-use account keypairs.
	Signers []solana.PrivateKey
	// SkipPreflight overrides the submitter default when set.
	SkipPreflight *bool
}

type SubmitterConfig struct {
	Commitment    rpc.CommitmentType
	TxTimeout     time.Duration
	SkipPreflight bool
	MaxRetries    *uint
}

// Submitter sends and confirms transactions against a single endpoint with a
// fixed fee payer.
type Submitter struct {
	name            string
	rpc             *rpc.Client
	payer           solana.PrivateKey
	cfg             SubmitterConfig
	confirmInterval time.Duration
}

func NewSubmitter(name string, client *rpc.Client, payer solana.PrivateKey, cfg SubmitterConfig) *Submitter {
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 30 * time.Second
	}
	return &Submitter{
		name:            name,
		rpc:             client,
		payer:           payer,
		cfg:             cfg,
		confirmInterval: defaultConfirmInterval,
	}
}

func (s *Submitter) Payer() solana.PublicKey {
	return s.payer.PublicKey()
}

func (s *Submitter) RPC() *rpc.Client {
	return s.rpc
}

// Submit sends the instructions as one transaction and waits until it reaches
// confirmed or finalized commitment. Every failure wraps ErrSubmissionFailed.
func (s *Submitter) Submit(ctx context.Context, instructions []solana.Instruction, opts SubmitOptions) (solana.Signature, error) {
	budgetIxs, err := opts.Budget.instructions()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	all := make([]solana.Instruction, 0, len(budgetIxs)+len(instructions))
	all = append(all, budgetIxs...)
	all = append(all, instructions...)

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	signature, err := s.sendTransaction(txCtx, all, opts)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: send on %s: %v", ErrSubmissionFailed, s.name, err)
	}
	if err := s.waitForConfirmation(txCtx, signature); err != nil {
		return signature, fmt.Errorf("%w: confirm %s on %s: %v", ErrSubmissionFailed, signature, s.name, err)
	}
	return signature, nil
}

func (s *Submitter) sendTransaction(ctx context.Context, instructions []solana.Instruction, opts SubmitOptions) (solana.Signature, error) {
	recent, err := s.rpc.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(s.payer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.payer.PublicKey().Equals(key) {
			return &s.payer
		}
		for i := range opts.Signers {
			if opts.Signers[i].PublicKey().Equals(key) {
				return &opts.Signers[i]
			}
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	skipPreflight := s.cfg.SkipPreflight
	if opts.SkipPreflight != nil {
		skipPreflight = *opts.SkipPreflight
	}
	txOpts := rpc.TransactionOpts{
		SkipPreflight:       skipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	}
	if s.cfg.MaxRetries != nil {
		retries := *s.cfg.MaxRetries
		txOpts.MaxRetries = &retries
	}

	return s.rpc.SendTransactionWithOpts(ctx, tx, txOpts)
}

func (s *Submitter) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(s.confirmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}
