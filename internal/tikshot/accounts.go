package tikshot

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	MaxPlayers      = 8
	CreditDecimals  = 9
	CreditScale     = uint64(1_000_000_000)
	StartingCredits = 1_000 * CreditScale
	BpsDenominator  = uint64(10_000)
)

var (
	Account_Game   = anchorAccountDiscriminator("Game")
	Account_Round  = anchorAccountDiscriminator("Round")
	Account_Player = anchorAccountDiscriminator("Player")
)

type RoundStatus uint8

const (
	RoundStatus_Open RoundStatus = iota
	RoundStatus_Locked
	RoundStatus_Settled
)

func (s RoundStatus) String() string {
	switch s {
	case RoundStatus_Open:
		return "open"
	case RoundStatus_Locked:
		return "locked"
	case RoundStatus_Settled:
		return "settled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

type RoundResult uint8

const (
	RoundResult_Pending RoundResult = iota
	RoundResult_Up
	RoundResult_Down
	RoundResult_Tie
)

func (r RoundResult) String() string {
	switch r {
	case RoundResult_Pending:
		return "pending"
	case RoundResult_Up:
		return "up"
	case RoundResult_Down:
		return "down"
	case RoundResult_Tie:
		return "tie"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// ResultFor applies the settlement rule to a pair of oracle prices.
func ResultFor(startPrice, endPrice int64) RoundResult {
	switch {
	case endPrice > startPrice:
		return RoundResult_Up
	case endPrice < startPrice:
		return RoundResult_Down
	default:
		return RoundResult_Tie
	}
}

type Direction uint8

const (
	Direction_Up Direction = iota
	Direction_Down
)

func (d Direction) String() string {
	if d == Direction_Down {
		return "down"
	}
	return "up"
}

func ParseDirection(raw string) (Direction, error) {
	switch raw {
	case "up", "UP", "Up":
		return Direction_Up, nil
	case "down", "DOWN", "Down":
		return Direction_Down, nil
	default:
		return 0, fmt.Errorf("invalid direction %q (expected up|down)", raw)
	}
}

type Game struct {
	Authority  solana.PublicKey
	FeeBps     uint16
	RoundCount uint64
}

type BetEntry struct {
	Player     solana.PublicKey
	UpAmount   uint64
	DownAmount uint64
}

// Claimed reports whether the entry was zeroed by a claim.
func (b BetEntry) Claimed() bool {
	return b.Player.IsZero()
}

type Round struct {
	RoundID    uint64
	StartTs    int64
	LockTs     int64
	EndTs      int64
	StartPrice int64
	EndPrice   int64
	PriceExpo  int32
	TotalUp    uint64
	TotalDown  uint64
	Status     RoundStatus
	Result     RoundResult
	NumBets    uint8
	Bets       [MaxPlayers]BetEntry
}

func (r *Round) TotalPool() uint64 {
	return r.TotalUp + r.TotalDown
}

// ActiveBets returns the occupied bet slots, claimed entries included.
func (r *Round) ActiveBets() []BetEntry {
	n := int(r.NumBets)
	if n > MaxPlayers {
		n = MaxPlayers
	}
	out := make([]BetEntry, n)
	copy(out, r.Bets[:n])
	return out
}

func (r *Round) FindBet(player solana.PublicKey) (BetEntry, bool) {
	for _, bet := range r.ActiveBets() {
		if bet.Player.Equals(player) {
			return bet, true
		}
	}
	return BetEntry{}, false
}

// Validate checks the status/result pairing and that the pool totals match the
// bet stakes. A claim zeroes the entry's player key but keeps its stakes.
func (r *Round) Validate() error {
	if r.NumBets > MaxPlayers {
		return fmt.Errorf("round %d: num_bets %d exceeds max %d", r.RoundID, r.NumBets, MaxPlayers)
	}
	switch r.Status {
	case RoundStatus_Open, RoundStatus_Locked:
		if r.Result != RoundResult_Pending {
			return fmt.Errorf("round %d: result %s before settlement", r.RoundID, r.Result)
		}
	case RoundStatus_Settled:
		if r.Result == RoundResult_Pending {
			return fmt.Errorf("round %d: settled with pending result", r.RoundID)
		}
	default:
		return fmt.Errorf("round %d: unknown status %d", r.RoundID, uint8(r.Status))
	}

	var up, down uint64
	for _, bet := range r.ActiveBets() {
		up += bet.UpAmount
		down += bet.DownAmount
	}
	if up != r.TotalUp || down != r.TotalDown {
		return fmt.Errorf("round %d: totals mismatch (up %d/%d, down %d/%d)", r.RoundID, up, r.TotalUp, down, r.TotalDown)
	}
	return nil
}

type Player struct {
	Owner   solana.PublicKey
	Credits uint64
}

func ParseAccount_Game(data []byte) (*Game, error) {
	out := new(Game)
	if err := decodeAccount(data, Account_Game, out); err != nil {
		return nil, fmt.Errorf("decode Game: %w", err)
	}
	return out, nil
}

func ParseAccount_Round(data []byte) (*Round, error) {
	out := new(Round)
	if err := decodeAccount(data, Account_Round, out); err != nil {
		return nil, fmt.Errorf("decode Round: %w", err)
	}
	return out, nil
}

func ParseAccount_Player(data []byte) (*Player, error) {
	out := new(Player)
	if err := decodeAccount(data, Account_Player, out); err != nil {
		return nil, fmt.Errorf("decode Player: %w", err)
	}
	return out, nil
}

func decodeAccount(data []byte, discriminator [8]byte, out any) error {
	if len(data) < len(discriminator) {
		return fmt.Errorf("account data too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:8], discriminator[:]) {
		return fmt.Errorf("discriminator mismatch")
	}
	return bin.NewBorshDecoder(data[8:]).Decode(out)
}

// EncodeAccount is the inverse of the ParseAccount_* helpers.
func EncodeAccount(discriminator [8]byte, value any) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(discriminator[:])
	if err := bin.NewBorshEncoder(buf).Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func anchorAccountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
