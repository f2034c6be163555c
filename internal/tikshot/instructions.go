package tikshot

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	initGameDisc       = anchorInstructionDiscriminator("init_game")
	registerPlayerDisc = anchorInstructionDiscriminator("register_player")
	startRoundDisc     = anchorInstructionDiscriminator("start_round")
	delegateRoundDisc  = anchorInstructionDiscriminator("delegate_round")
	placeBetDisc       = anchorInstructionDiscriminator("place_bet")
	lockRoundDisc      = anchorInstructionDiscriminator("lock_round")
	commitRoundDisc    = anchorInstructionDiscriminator("commit_round")
	settleRoundDisc    = anchorInstructionDiscriminator("settle_round")
	claimDisc          = anchorInstructionDiscriminator("claim")
)

type placeBetArgs struct {
	Direction Direction
	Amount    uint64
}

func NewInitGameInstruction(programID, authority solana.PublicKey, feeBps uint16) (solana.Instruction, error) {
	if uint64(feeBps) > BpsDenominator {
		return nil, fmt.Errorf("fee bps %d exceeds %d", feeBps, BpsDenominator)
	}
	game, _, err := DeriveGamePDA(programID)
	if err != nil {
		return nil, fmt.Errorf("derive game PDA: %w", err)
	}
	data, err := encodeInstruction(initGameDisc, feeBps)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(game, true, false),
		solana.NewAccountMeta(authority, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

func NewRegisterPlayerInstruction(programID, payer solana.PublicKey) (solana.Instruction, error) {
	player, _, err := DerivePlayerPDA(programID, payer)
	if err != nil {
		return nil, fmt.Errorf("derive player PDA: %w", err)
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(player, true, false),
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, registerPlayerDisc[:]), nil
}

// NewStartRoundInstruction creates round roundID; the program derives the round
// seed from game.round_count, so roundID must equal the current counter.
func NewStartRoundInstruction(programID, authority solana.PublicKey, roundID uint64, priceUpdate solana.PublicKey) (solana.Instruction, error) {
	game, _, err := DeriveGamePDA(programID)
	if err != nil {
		return nil, fmt.Errorf("derive game PDA: %w", err)
	}
	round, _, err := DeriveRoundPDA(programID, roundID)
	if err != nil {
		return nil, fmt.Errorf("derive round PDA: %w", err)
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(game, true, false),
		solana.NewAccountMeta(round, true, false),
		solana.NewAccountMeta(priceUpdate, false, false),
		solana.NewAccountMeta(authority, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, startRoundDisc[:]), nil
}

func NewDelegateRoundInstruction(programID, payer solana.PublicKey, roundID uint64) (solana.Instruction, error) {
	round, _, err := DeriveRoundPDA(programID, roundID)
	if err != nil {
		return nil, fmt.Errorf("derive round PDA: %w", err)
	}
	buffer, _, err := DeriveDelegateBufferPDA(programID, round)
	if err != nil {
		return nil, fmt.Errorf("derive delegate buffer PDA: %w", err)
	}
	record, _, err := DeriveDelegationRecordPDA(round)
	if err != nil {
		return nil, fmt.Errorf("derive delegation record PDA: %w", err)
	}
	metadata, _, err := DeriveDelegationMetadataPDA(round)
	if err != nil {
		return nil, fmt.Errorf("derive delegation metadata PDA: %w", err)
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(buffer, true, false),
		solana.NewAccountMeta(record, true, false),
		solana.NewAccountMeta(metadata, true, false),
		solana.NewAccountMeta(round, true, false),
		solana.NewAccountMeta(programID, false, false),
		solana.NewAccountMeta(DelegationProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, delegateRoundDisc[:]), nil
}

func NewPlaceBetInstruction(programID, payer solana.PublicKey, roundID uint64, direction Direction, amount uint64) (solana.Instruction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("bet amount must be > 0")
	}
	round, _, err := DeriveRoundPDA(programID, roundID)
	if err != nil {
		return nil, fmt.Errorf("derive round PDA: %w", err)
	}
	player, _, err := DerivePlayerPDA(programID, payer)
	if err != nil {
		return nil, fmt.Errorf("derive player PDA: %w", err)
	}
	data, err := encodeInstruction(placeBetDisc, placeBetArgs{Direction: direction, Amount: amount})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(round, true, false),
		solana.NewAccountMeta(player, false, false),
		solana.NewAccountMeta(payer, false, true),
	}, data), nil
}

func NewLockRoundInstruction(programID, authority solana.PublicKey, roundID uint64) (solana.Instruction, error) {
	round, _, err := DeriveRoundPDA(programID, roundID)
	if err != nil {
		return nil, fmt.Errorf("derive round PDA: %w", err)
	}
	game, _, err := DeriveGamePDA(programID)
	if err != nil {
		return nil, fmt.Errorf("derive game PDA: %w", err)
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(round, true, false),
		solana.NewAccountMeta(game, false, false),
		solana.NewAccountMeta(authority, false, true),
	}, lockRoundDisc[:]), nil
}

func NewCommitRoundInstruction(programID, payer solana.PublicKey, roundID uint64) (solana.Instruction, error) {
	round, _, err := DeriveRoundPDA(programID, roundID)
	if err != nil {
		return nil, fmt.Errorf("derive round PDA: %w", err)
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(round, true, false),
		solana.NewAccountMeta(MagicProgramID, false, false),
		solana.NewAccountMeta(MagicContextID, true, false),
	}, commitRoundDisc[:]), nil
}

func NewSettleRoundInstruction(programID, authority solana.PublicKey, roundID uint64, priceUpdate solana.PublicKey) (solana.Instruction, error) {
	round, _, err := DeriveRoundPDA(programID, roundID)
	if err != nil {
		return nil, fmt.Errorf("derive round PDA: %w", err)
	}
	game, _, err := DeriveGamePDA(programID)
	if err != nil {
		return nil, fmt.Errorf("derive game PDA: %w", err)
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(round, true, false),
		solana.NewAccountMeta(game, false, false),
		solana.NewAccountMeta(priceUpdate, false, false),
		solana.NewAccountMeta(authority, false, true),
	}, settleRoundDisc[:]), nil
}

func NewClaimInstruction(programID, payer solana.PublicKey, roundID uint64) (solana.Instruction, error) {
	round, _, err := DeriveRoundPDA(programID, roundID)
	if err != nil {
		return nil, fmt.Errorf("derive round PDA: %w", err)
	}
	player, _, err := DerivePlayerPDA(programID, payer)
	if err != nil {
		return nil, fmt.Errorf("derive player PDA: %w", err)
	}
	game, _, err := DeriveGamePDA(programID)
	if err != nil {
		return nil, fmt.Errorf("derive game PDA: %w", err)
	}
	data, err := encodeInstruction(claimDisc, roundID)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(round, true, false),
		solana.NewAccountMeta(player, true, false),
		solana.NewAccountMeta(game, false, false),
		solana.NewAccountMeta(payer, false, true),
	}, data), nil
}

func encodeInstruction(discriminator [8]byte, args any) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(discriminator[:])
	if err := bin.NewBorshEncoder(buf).Encode(args); err != nil {
		return nil, fmt.Errorf("encode instruction args: %w", err)
	}
	return buf.Bytes(), nil
}

// AnchorInstructionDiscriminator returns sha256("global:<name>")[:8].
func AnchorInstructionDiscriminator(ixName string) [8]byte {
	return anchorInstructionDiscriminator(ixName)
}

func anchorInstructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
