package redis

import (
	"time"

	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

// BetSnapshot is one bet slot. Wallet is empty once the entry was claimed.
type BetSnapshot struct {
	Wallet     string `json:"wallet,omitempty"`
	UpAmount   uint64 `json:"up_amount"`
	DownAmount uint64 `json:"down_amount"`
}

// RoundSnapshot is the JSON form of a round shared between services.
type RoundSnapshot struct {
	RoundID    uint64        `json:"round_id"`
	Status     string        `json:"status"`
	Result     string        `json:"result"`
	StartTs    int64         `json:"start_ts"`
	LockTs     int64         `json:"lock_ts"`
	EndTs      int64         `json:"end_ts"`
	StartPrice int64         `json:"start_price"`
	EndPrice   int64         `json:"end_price"`
	PriceExpo  int32         `json:"price_expo"`
	TotalUp    uint64        `json:"total_up"`
	TotalDown  uint64        `json:"total_down"`
	Bets       []BetSnapshot `json:"bets"`
	Source     string        `json:"source"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func SnapshotFromRound(round *tikshot.Round, source tikshot.Endpoint, at time.Time) RoundSnapshot {
	bets := make([]BetSnapshot, 0, round.NumBets)
	for _, bet := range round.ActiveBets() {
		entry := BetSnapshot{UpAmount: bet.UpAmount, DownAmount: bet.DownAmount}
		if !bet.Claimed() {
			entry.Wallet = bet.Player.String()
		}
		bets = append(bets, entry)
	}
	return RoundSnapshot{
		RoundID:    round.RoundID,
		Status:     round.Status.String(),
		Result:     round.Result.String(),
		StartTs:    round.StartTs,
		LockTs:     round.LockTs,
		EndTs:      round.EndTs,
		StartPrice: round.StartPrice,
		EndPrice:   round.EndPrice,
		PriceExpo:  round.PriceExpo,
		TotalUp:    round.TotalUp,
		TotalDown:  round.TotalDown,
		Bets:       bets,
		Source:     source.String(),
		UpdatedAt:  at.UTC(),
	}
}

// PriceSnapshot is the latest oracle tick.
type PriceSnapshot struct {
	FeedID      string    `json:"feed_id"`
	Price       float64   `json:"price"`
	Slot        uint64    `json:"slot"`
	PublishedAt time.Time `json:"published_at"`
}
