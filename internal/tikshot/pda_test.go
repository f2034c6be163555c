package tikshot

import (
	"testing"

	"github.com/gagliardetto/solana-go"
)

var testProgramID = solana.MustPublicKeyFromBase58("33MmuiaGXz9yngFx7kLTEWPmqaALZirSwsNeFF5DJDxX")

func TestDeriveRoundPDADeterministic(t *testing.T) {
	for _, id := range []uint64{0, 1, 42, 1 << 40, ^uint64(0)} {
		a, bumpA, err := DeriveRoundPDA(testProgramID, id)
		if err != nil {
			t.Fatalf("derive round %d: %v", id, err)
		}
		b, bumpB, err := DeriveRoundPDA(testProgramID, id)
		if err != nil {
			t.Fatalf("derive round %d: %v", id, err)
		}
		if !a.Equals(b) || bumpA != bumpB {
			t.Errorf("round %d: got %s/%d then %s/%d", id, a, bumpA, b, bumpB)
		}
	}
}

func TestDeriveRoundPDADistinctIDs(t *testing.T) {
	seen := make(map[solana.PublicKey]uint64)
	for id := uint64(0); id < 64; id++ {
		pk, _, err := DeriveRoundPDA(testProgramID, id)
		if err != nil {
			t.Fatalf("derive round %d: %v", id, err)
		}
		if prev, ok := seen[pk]; ok {
			t.Fatalf("rounds %d and %d share address %s", prev, id, pk)
		}
		seen[pk] = id
	}
}

func TestDerivePDAsAreProgramScoped(t *testing.T) {
	other := solana.SystemProgramID
	a, _, err := DeriveGamePDA(testProgramID)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := DeriveGamePDA(other)
	if err != nil {
		t.Fatal(err)
	}
	if a.Equals(b) {
		t.Error("game PDA should depend on the program id")
	}

	wallet := solana.NewWallet().PublicKey()
	p1, _, err := DerivePlayerPDA(testProgramID, wallet)
	if err != nil {
		t.Fatal(err)
	}
	p2, _, err := DerivePlayerPDA(testProgramID, solana.NewWallet().PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	if p1.Equals(p2) {
		t.Error("player PDA should depend on the wallet")
	}
}

func TestU64LE(t *testing.T) {
	got := u64LE(0x0102030405060708)
	want := []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	if string(got) != string(want) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func roundPDA(t *testing.T, roundID uint64) solana.PublicKey {
	t.Helper()
	pda, _, err := DeriveRoundPDA(testProgramID, roundID)
	if err != nil {
		t.Fatalf("derive round %d: %v", roundID, err)
	}
	return pda
}
