package tikshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Endpoint selects which execution venue a call is sent to.
type Endpoint int

const (
	EndpointBase Endpoint = iota
	EndpointEphemeral
)

func (e Endpoint) String() string {
	if e == EndpointEphemeral {
		return "ephemeral"
	}
	return "base"
}

// AccountReader is the typed read side of the program.
type AccountReader interface {
	FetchGame(ctx context.Context, endpoint Endpoint) (*Game, error)
	FetchRound(ctx context.Context, endpoint Endpoint, roundID uint64) (*Round, error)
	FetchPlayer(ctx context.Context, endpoint Endpoint, wallet solana.PublicKey) (*Player, error)
}

// AccountGateway is the on-chain program as seen by the crank and clients:
// the nine program instructions plus typed account reads.
type AccountGateway interface {
	AccountReader

	InitGame(ctx context.Context, feeBps uint16) (solana.Signature, error)
	RegisterPlayer(ctx context.Context) (solana.Signature, error)
	PlaceBet(ctx context.Context, roundID uint64, direction Direction, amount uint64) (solana.Signature, error)
	StartRound(ctx context.Context, roundID uint64, priceUpdate solana.PublicKey, budget ComputeBudget) (solana.Signature, error)
	LockRound(ctx context.Context, endpoint Endpoint, roundID uint64) (solana.Signature, error)
	CommitRound(ctx context.Context, roundID uint64) (solana.Signature, error)
	DelegateRound(ctx context.Context, roundID uint64) (solana.Signature, error)
	SettleRound(ctx context.Context, roundID uint64, priceUpdate solana.PublicKey, budget ComputeBudget) (solana.Signature, error)
	Claim(ctx context.Context, roundID uint64) (solana.Signature, error)

	AccountOwner(ctx context.Context, endpoint Endpoint, account solana.PublicKey) (solana.PublicKey, error)
}

type GatewayConfig struct {
	BaseRPCURL      string
	EphemeralRPCURL string
	ProgramID       solana.PublicKey
	Submit          SubmitterConfig
}

// Gateway talks to the program through one long-lived client per endpoint.
type Gateway struct {
	programID  solana.PublicKey
	signer     solana.PrivateKey
	commitment rpc.CommitmentType
	base       *Submitter
	ephemeral  *Submitter
}

func NewGateway(cfg GatewayConfig, signer solana.PrivateKey) *Gateway {
	return &Gateway{
		programID:  cfg.ProgramID,
		signer:     signer,
		commitment: cfg.Submit.Commitment,
		base:       NewSubmitter("base", rpc.New(cfg.BaseRPCURL), signer, cfg.Submit),
		ephemeral:  NewSubmitter("ephemeral", rpc.New(cfg.EphemeralRPCURL), signer, cfg.Submit),
	}
}

func (g *Gateway) ProgramID() solana.PublicKey {
	return g.programID
}

func (g *Gateway) Authority() solana.PublicKey {
	return g.signer.PublicKey()
}

// Base exposes the base-ledger submitter for transactions outside the program,
// such as oracle postings.
func (g *Gateway) Base() *Submitter {
	return g.base
}

func (g *Gateway) submitter(endpoint Endpoint) *Submitter {
	if endpoint == EndpointEphemeral {
		return g.ephemeral
	}
	return g.base
}

func (g *Gateway) InitGame(ctx context.Context, feeBps uint16) (solana.Signature, error) {
	ix, err := NewInitGameInstruction(g.programID, g.Authority(), feeBps)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: build init_game: %v", ErrSubmissionFailed, err)
	}
	return g.base.Submit(ctx, []solana.Instruction{ix}, SubmitOptions{})
}

func (g *Gateway) RegisterPlayer(ctx context.Context) (solana.Signature, error) {
	ix, err := NewRegisterPlayerInstruction(g.programID, g.Authority())
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: build register_player: %v", ErrSubmissionFailed, err)
	}
	return g.base.Submit(ctx, []solana.Instruction{ix}, SubmitOptions{})
}

// PlaceBet goes to the ephemeral endpoint, where the open round is delegated.
func (g *Gateway) PlaceBet(ctx context.Context, roundID uint64, direction Direction, amount uint64) (solana.Signature, error) {
	ix, err := NewPlaceBetInstruction(g.programID, g.Authority(), roundID, direction, amount)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: build place_bet: %v", ErrSubmissionFailed, err)
	}
	return g.ephemeral.Submit(ctx, []solana.Instruction{ix}, SubmitOptions{})
}

func (g *Gateway) StartRound(ctx context.Context, roundID uint64, priceUpdate solana.PublicKey, budget ComputeBudget) (solana.Signature, error) {
	ix, err := NewStartRoundInstruction(g.programID, g.Authority(), roundID, priceUpdate)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: build start_round: %v", ErrSubmissionFailed, err)
	}
	return g.base.Submit(ctx, []solana.Instruction{ix}, SubmitOptions{Budget: budget})
}

func (g *Gateway) LockRound(ctx context.Context, endpoint Endpoint, roundID uint64) (solana.Signature, error) {
	ix, err := NewLockRoundInstruction(g.programID, g.Authority(), roundID)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: build lock_round: %v", ErrSubmissionFailed, err)
	}
	return g.submitter(endpoint).Submit(ctx, []solana.Instruction{ix}, SubmitOptions{})
}

func (g *Gateway) CommitRound(ctx context.Context, roundID uint64) (solana.Signature, error) {
	ix, err := NewCommitRoundInstruction(g.programID, g.Authority(), roundID)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: build commit_round: %v", ErrSubmissionFailed, err)
	}
	return g.ephemeral.Submit(ctx, []solana.Instruction{ix}, SubmitOptions{})
}

func (g *Gateway) DelegateRound(ctx context.Context, roundID uint64) (solana.Signature, error) {
	ix, err := NewDelegateRoundInstruction(g.programID, g.Authority(), roundID)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: build delegate_round: %v", ErrSubmissionFailed, err)
	}
	return g.base.Submit(ctx, []solana.Instruction{ix}, SubmitOptions{})
}

func (g *Gateway) SettleRound(ctx context.Context, roundID uint64, priceUpdate solana.PublicKey, budget ComputeBudget) (solana.Signature, error) {
	ix, err := NewSettleRoundInstruction(g.programID, g.Authority(), roundID, priceUpdate)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: build settle_round: %v", ErrSubmissionFailed, err)
	}
	return g.base.Submit(ctx, []solana.Instruction{ix}, SubmitOptions{Budget: budget})
}

func (g *Gateway) Claim(ctx context.Context, roundID uint64) (solana.Signature, error) {
	ix, err := NewClaimInstruction(g.programID, g.Authority(), roundID)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: build claim: %v", ErrSubmissionFailed, err)
	}
	return g.base.Submit(ctx, []solana.Instruction{ix}, SubmitOptions{})
}

func (g *Gateway) FetchGame(ctx context.Context, endpoint Endpoint) (*Game, error) {
	key, _, err := DeriveGamePDA(g.programID)
	if err != nil {
		return nil, fmt.Errorf("derive game PDA: %w", err)
	}
	account, err := g.fetchAccount(ctx, endpoint, key)
	if err != nil {
		return nil, fmt.Errorf("fetch game %s: %w", key, err)
	}
	return ParseAccount_Game(account.Data.GetBinary())
}

func (g *Gateway) FetchRound(ctx context.Context, endpoint Endpoint, roundID uint64) (*Round, error) {
	key, _, err := DeriveRoundPDA(g.programID, roundID)
	if err != nil {
		return nil, fmt.Errorf("derive round PDA: %w", err)
	}
	account, err := g.fetchAccount(ctx, endpoint, key)
	if err != nil {
		return nil, fmt.Errorf("fetch round %d (%s): %w", roundID, key, err)
	}
	return ParseAccount_Round(account.Data.GetBinary())
}

func (g *Gateway) FetchPlayer(ctx context.Context, endpoint Endpoint, wallet solana.PublicKey) (*Player, error) {
	key, _, err := DerivePlayerPDA(g.programID, wallet)
	if err != nil {
		return nil, fmt.Errorf("derive player PDA: %w", err)
	}
	account, err := g.fetchAccount(ctx, endpoint, key)
	if err != nil {
		return nil, fmt.Errorf("fetch player %s: %w", key, err)
	}
	return ParseAccount_Player(account.Data.GetBinary())
}

func (g *Gateway) AccountOwner(ctx context.Context, endpoint Endpoint, account solana.PublicKey) (solana.PublicKey, error) {
	info, err := g.fetchAccount(ctx, endpoint, account)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return info.Owner, nil
}

// KeyedPlayer is a player account with its address.
type KeyedPlayer struct {
	Pubkey   solana.PublicKey
	Player   *Player
	Lamports uint64
}

// ScanPlayers lists every Player account owned by the program on the base ledger.
func (g *Gateway) ScanPlayers(ctx context.Context) ([]KeyedPlayer, error) {
	accounts, err := g.base.RPC().GetProgramAccountsWithOpts(ctx, g.programID, &rpc.GetProgramAccountsOpts{
		Commitment: g.commitment,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(Account_Player[:])}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts players: %w", err)
	}

	out := make([]KeyedPlayer, 0, len(accounts))
	for _, item := range accounts {
		if item == nil || item.Account == nil {
			continue
		}
		player, err := ParseAccount_Player(item.Account.Data.GetBinary())
		if err != nil {
			continue
		}
		out = append(out, KeyedPlayer{Pubkey: item.Pubkey, Player: player, Lamports: item.Account.Lamports})
	}
	return out, nil
}

// CurrentSlot returns the base ledger slot at the configured commitment.
func (g *Gateway) CurrentSlot(ctx context.Context) (uint64, error) {
	return g.base.RPC().GetSlot(ctx, g.commitment)
}

func (g *Gateway) fetchAccount(ctx context.Context, endpoint Endpoint, key solana.PublicKey) (*rpc.Account, error) {
	resp, err := g.submitter(endpoint).RPC().GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{Commitment: g.commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w on %s", ErrAccountNotFound, endpoint)
		}
		return nil, err
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("%w on %s", ErrAccountNotFound, endpoint)
	}
	return resp.Value, nil
}

var _ AccountGateway = (*Gateway)(nil)
