package tikshot

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

const (
	gameSeed               = "game"
	roundSeed              = "round"
	playerSeed             = "player"
	delegateBufferSeed     = "buffer"
	delegationRecordSeed   = "delegation"
	delegationMetadataSeed = "delegation-metadata"
)

var (
	DelegationProgramID = solana.MustPublicKeyFromBase58("DELeGGvXpWV2fqJUhqcF5ZSYMS4JTLjteaAMARRSaeSh")
	MagicProgramID      = solana.MustPublicKeyFromBase58("Magic11111111111111111111111111111111111111")
	MagicContextID      = solana.MustPublicKeyFromBase58("MagicContext1111111111111111111111111111111")
)

func DeriveGamePDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(gameSeed)}, programID)
}

// DeriveRoundPDA is pure in (programID, roundID); every id in [0, 2^64) maps to
// its own seed bytes, so distinct ids never share an address.
func DeriveRoundPDA(programID solana.PublicKey, roundID uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(roundSeed), u64LE(roundID)}, programID)
}

func DerivePlayerPDA(programID solana.PublicKey, wallet solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(playerSeed), wallet.Bytes()}, programID)
}

// delegation accounts required by delegate_round, keyed on the delegated account.

func DeriveDelegateBufferPDA(programID, delegated solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(delegateBufferSeed), delegated.Bytes()}, programID)
}

func DeriveDelegationRecordPDA(delegated solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(delegationRecordSeed), delegated.Bytes()}, DelegationProgramID)
}

func DeriveDelegationMetadataPDA(delegated solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(delegationMetadataSeed), delegated.Bytes()}, DelegationProgramID)
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
