package attest

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/Uttam-Singhh/TikShot/internal/oracle"
	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

var (
	DefaultReceiverProgramID = solana.MustPublicKeyFromBase58("rec5EKMGg6MxZYaMdyBfgwp4d5rB9T1VQH5pJv5LtFJ")
	DefaultWormholeProgramID = solana.MustPublicKeyFromBase58("HDwcJBJXjL9FpJ7UBsYBtaDjsBUhuLCUYoz3zr8SWWaQ")

	postUpdateAtomicDisc = tikshot.AnchorInstructionDiscriminator("post_update_atomic")
	reclaimRentDisc      = tikshot.AnchorInstructionDiscriminator("reclaim_rent")
)

const (
	configSeed      = "config"
	treasurySeed    = "treasury"
	guardianSetSeed = "GuardianSet"
)

type merklePriceUpdate struct {
	Message []byte
	Proof   []oracle.MerkleHash
}

type postUpdateAtomicParams struct {
	VAA               []byte
	MerklePriceUpdate merklePriceUpdate
	TreasuryID        uint8
}

// ReceiverAccounts are the programs a posting goes through.
type ReceiverAccounts struct {
	ReceiverProgramID solana.PublicKey
	WormholeProgramID solana.PublicKey
	TreasuryID        uint8
}

func (a ReceiverAccounts) withDefaults() ReceiverAccounts {
	if a.ReceiverProgramID.IsZero() {
		a.ReceiverProgramID = DefaultReceiverProgramID
	}
	if a.WormholeProgramID.IsZero() {
		a.WormholeProgramID = DefaultWormholeProgramID
	}
	return a
}

func deriveGuardianSetPDA(wormhole solana.PublicKey, index uint32) (solana.PublicKey, error) {
	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, index)
	pk, _, err := solana.FindProgramAddress([][]byte{[]byte(guardianSetSeed), idx}, wormhole)
	return pk, err
}

// NewPostUpdateAtomicInstruction posts a partially verified price update into
// the fresh account priceUpdate, which must co-sign the transaction.
func NewPostUpdateAtomicInstruction(
	accounts ReceiverAccounts,
	payer solana.PublicKey,
	priceUpdate solana.PublicKey,
	att *oracle.Attestation,
) (solana.Instruction, error) {
	accounts = accounts.withDefaults()

	guardianSet, err := deriveGuardianSetPDA(accounts.WormholeProgramID, att.GuardianSetIndex)
	if err != nil {
		return nil, fmt.Errorf("derive guardian set PDA: %w", err)
	}
	config, _, err := solana.FindProgramAddress([][]byte{[]byte(configSeed)}, accounts.ReceiverProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive receiver config PDA: %w", err)
	}
	treasury, _, err := solana.FindProgramAddress([][]byte{[]byte(treasurySeed), {accounts.TreasuryID}}, accounts.ReceiverProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive receiver treasury PDA: %w", err)
	}

	buf := new(bytes.Buffer)
	buf.Write(postUpdateAtomicDisc[:])
	params := postUpdateAtomicParams{
		VAA:               att.VAA,
		MerklePriceUpdate: merklePriceUpdate{Message: att.Message, Proof: att.Proof},
		TreasuryID:        accounts.TreasuryID,
	}
	if err := bin.NewBorshEncoder(buf).Encode(params); err != nil {
		return nil, fmt.Errorf("encode post_update_atomic params: %w", err)
	}

	return solana.NewInstruction(accounts.ReceiverProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(guardianSet, false, false),
		solana.NewAccountMeta(config, false, false),
		solana.NewAccountMeta(treasury, true, false),
		solana.NewAccountMeta(priceUpdate, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(payer, false, true),
	}, buf.Bytes()), nil
}

// NewReclaimRentInstruction closes a posted price update account back to payer.
func NewReclaimRentInstruction(accounts ReceiverAccounts, payer, priceUpdate solana.PublicKey) solana.Instruction {
	accounts = accounts.withDefaults()
	return solana.NewInstruction(accounts.ReceiverProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(priceUpdate, true, false),
	}, reclaimRentDisc[:])
}
