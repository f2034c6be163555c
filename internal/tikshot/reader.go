package tikshot

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// DualReader reads the ephemeral copy first and falls back to the base ledger.
// A delegated account is authoritative on the ephemeral endpoint; once it is
// committed back (or was never delegated) only the base copy exists.
type DualReader struct {
	Source AccountReader
}

func NewDualReader(source AccountReader) *DualReader {
	return &DualReader{Source: source}
}

func (r *DualReader) FetchGame(ctx context.Context) (*Game, error) {
	game, err := r.Source.FetchGame(ctx, EndpointEphemeral)
	if err == nil {
		return game, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return r.Source.FetchGame(ctx, EndpointBase)
}

func (r *DualReader) FetchRound(ctx context.Context, roundID uint64) (*Round, Endpoint, error) {
	round, err := r.Source.FetchRound(ctx, EndpointEphemeral, roundID)
	if err == nil {
		return round, EndpointEphemeral, nil
	}
	if ctx.Err() != nil {
		return nil, EndpointEphemeral, ctx.Err()
	}
	round, err = r.Source.FetchRound(ctx, EndpointBase, roundID)
	return round, EndpointBase, err
}

func (r *DualReader) FetchPlayer(ctx context.Context, wallet solana.PublicKey) (*Player, error) {
	player, err := r.Source.FetchPlayer(ctx, EndpointEphemeral, wallet)
	if err == nil {
		return player, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return r.Source.FetchPlayer(ctx, EndpointBase, wallet)
}

// IsNotFound reports whether err means the account does not exist on any endpoint read.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}
