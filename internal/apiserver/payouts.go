package apiserver

import (
	"fmt"

	rediscache "github.com/Uttam-Singhh/TikShot/internal/cache/redis"
	"github.com/Uttam-Singhh/TikShot/internal/indexer"
	"github.com/Uttam-Singhh/TikShot/internal/payout"
)

func poolFromRecord(round indexer.RoundRecord) payout.Pool {
	return payout.Pool{
		TotalUp:   round.TotalUp,
		TotalDown: round.TotalDown,
		Result:    indexer.ResultFromString(round.Result),
	}
}

// roundPayouts returns one amount per bet slot of a settled round. Claimed
// slots report what was paid out at claim time.
func roundPayouts(round indexer.RoundRecord, feeBps uint16) ([]uint64, error) {
	pool := poolFromRecord(round)
	out := make([]uint64, len(round.Bets))
	for i, bet := range round.Bets {
		amount, err := payout.Payout(pool, payout.Stake{Up: bet.UpAmount, Down: bet.DownAmount}, feeBps)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", bet.SlotIndex, err)
		}
		out[i] = amount
	}
	return out, nil
}

// claimableRounds keeps the unclaimed bets with a non-zero payout.
func claimableRounds(bets []indexer.WalletBet, feeBps uint16) ([]claimableRound, error) {
	out := make([]claimableRound, 0, len(bets))
	for _, item := range bets {
		if item.Bet.Claimed {
			continue
		}
		amount, err := payout.Payout(poolFromRecord(item.Round), payout.Stake{Up: item.Bet.UpAmount, Down: item.Bet.DownAmount}, feeBps)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", item.Round.RoundID, err)
		}
		if amount == 0 {
			continue
		}
		out = append(out, claimableRound{
			RoundID:    item.Round.RoundID,
			Result:     item.Round.Result,
			UpAmount:   item.Bet.UpAmount,
			DownAmount: item.Bet.DownAmount,
			Payout:     amount,
		})
	}
	return out, nil
}

func roundFromSnapshot(snap rediscache.RoundSnapshot) indexer.RoundRecord {
	bets := make([]indexer.BetRecord, len(snap.Bets))
	for i, bet := range snap.Bets {
		bets[i] = indexer.BetRecord{
			SlotIndex:  i,
			Wallet:     bet.Wallet,
			UpAmount:   bet.UpAmount,
			DownAmount: bet.DownAmount,
			Claimed:    bet.Wallet == "",
		}
	}
	return indexer.RoundRecord{
		RoundID:    snap.RoundID,
		Status:     snap.Status,
		Result:     snap.Result,
		StartTs:    snap.StartTs,
		LockTs:     snap.LockTs,
		EndTs:      snap.EndTs,
		StartPrice: snap.StartPrice,
		EndPrice:   snap.EndPrice,
		PriceExpo:  snap.PriceExpo,
		TotalUp:    snap.TotalUp,
		TotalDown:  snap.TotalDown,
		NumBets:    len(snap.Bets),
		Source:     snap.Source,
		UpdatedAt:  snap.UpdatedAt.Unix(),
		Bets:       bets,
	}
}
