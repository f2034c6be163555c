// Package attest posts Pyth price attestations on-chain for a single
// consuming instruction and reclaims the account afterwards.
package attest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/Uttam-Singhh/TikShot/internal/oracle"
	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

// ErrCleanupFailed marks a price update account that could not be closed.
// It is reported on Result and never returned by PostAndExecute.
var ErrCleanupFailed = errors.New("attestation cleanup failed")

// DefaultConsumeBudget biases the consuming transaction's inclusion under contention.
var DefaultConsumeBudget = tikshot.ComputeBudget{UnitLimit: 200_000, UnitPriceMicroLamports: 50_000}

type Submitter interface {
	Submit(ctx context.Context, instructions []solana.Instruction, opts tikshot.SubmitOptions) (solana.Signature, error)
	Payer() solana.PublicKey
}

type AttestationSource interface {
	LatestAttestation(ctx context.Context, maxSignatures int) (*oracle.Attestation, error)
}

// ConsumeFunc submits the instruction that reads the posted price.
type ConsumeFunc func(ctx context.Context, priceUpdate solana.PublicKey, budget tikshot.ComputeBudget) (solana.Signature, error)

type Config struct {
	Receiver      ReceiverAccounts
	MaxSignatures int
	ConsumeBudget tikshot.ComputeBudget
}

type Poster struct {
	cfg        Config
	source     AttestationSource
	submitter  Submitter
	logger     *slog.Logger
	newAccount func() (solana.PrivateKey, error)
}

func NewPoster(cfg Config, source AttestationSource, submitter Submitter, logger *slog.Logger) *Poster {
	cfg.Receiver = cfg.Receiver.withDefaults()
	if cfg.MaxSignatures <= 0 {
		cfg.MaxSignatures = oracle.DefaultMaxSignatures
	}
	if cfg.ConsumeBudget == (tikshot.ComputeBudget{}) {
		cfg.ConsumeBudget = DefaultConsumeBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poster{
		cfg:        cfg,
		source:     source,
		submitter:  submitter,
		logger:     logger,
		newAccount: solana.NewRandomPrivateKey,
	}
}

type Result struct {
	CorrelationID    string
	PriceUpdate      solana.PublicKey
	Price            oracle.PriceFeedMessage
	PostSignature    solana.Signature
	ConsumeSignature solana.Signature
	CloseSignature   solana.Signature
	// CleanupErr wraps ErrCleanupFailed when the account could not be closed.
	CleanupErr error
}

// PostAndExecute fetches a fresh attestation, posts it into a single-use
// account, runs consume against that account, and then tries to close it.
//
// Posting and consuming are separate transactions: the consuming instruction
// references the account created by the post. The post carries no compute
// budget directives since it is already close to the transaction size limit.
func (p *Poster) PostAndExecute(ctx context.Context, label string, consume ConsumeFunc) (*Result, error) {
	res := &Result{CorrelationID: uuid.NewString()}
	logger := p.logger.With("attestation_id", res.CorrelationID, "purpose", label)

	att, err := p.source.LatestAttestation(ctx, p.cfg.MaxSignatures)
	if err != nil {
		return nil, fmt.Errorf("fetch attestation for %s: %w", label, err)
	}
	res.Price = att.Price

	account, err := p.newAccount()
	if err != nil {
		return nil, fmt.Errorf("%w: generate price update keypair: %v", tikshot.ErrSubmissionFailed, err)
	}
	res.PriceUpdate = account.PublicKey()

	postIx, err := NewPostUpdateAtomicInstruction(p.cfg.Receiver, p.submitter.Payer(), res.PriceUpdate, att)
	if err != nil {
		return nil, fmt.Errorf("%w: build post_update_atomic: %v", tikshot.ErrSubmissionFailed, err)
	}

	skipPreflight := true
	res.PostSignature, err = p.submitter.Submit(ctx, []solana.Instruction{postIx}, tikshot.SubmitOptions{
		Signers:       []solana.PrivateKey{account},
		SkipPreflight: &skipPreflight,
	})
	if err != nil {
		return nil, fmt.Errorf("post price update for %s: %w", label, err)
	}
	logger.Info(
		"price update posted",
		"price_update", res.PriceUpdate.String(),
		"price", att.Price.Price,
		"expo", att.Price.Expo,
		"publish_time", att.Price.PublishTime,
		"signature", res.PostSignature.String(),
	)

	res.ConsumeSignature, err = consume(ctx, res.PriceUpdate, p.cfg.ConsumeBudget)
	if err != nil {
		p.close(ctx, logger, res)
		return nil, fmt.Errorf("%s with posted price: %w", label, err)
	}
	logger.Info("price update consumed", "signature", res.ConsumeSignature.String())

	p.close(ctx, logger, res)
	return res, nil
}

func (p *Poster) close(ctx context.Context, logger *slog.Logger, res *Result) {
	skipPreflight := true
	ix := NewReclaimRentInstruction(p.cfg.Receiver, p.submitter.Payer(), res.PriceUpdate)
	sig, err := p.submitter.Submit(ctx, []solana.Instruction{ix}, tikshot.SubmitOptions{SkipPreflight: &skipPreflight})
	if err != nil {
		res.CleanupErr = fmt.Errorf("%w: %s: %v", ErrCleanupFailed, res.PriceUpdate, err)
		logger.Warn("failed to close price update account; rent forfeited", "price_update", res.PriceUpdate.String(), "err", err)
		return
	}
	res.CloseSignature = sig
}
