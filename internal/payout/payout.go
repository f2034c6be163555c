// Package payout computes pari-mutuel winnings for settled rounds.
//
// All amounts are credit base units (10^9 per credit). Arithmetic is integer
// only with floor division, so the winners of a round can never be allocated
// more than the pool left after the fee.
package payout

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

var (
	ErrRoundNotSettled = errors.New("round not settled")
	ErrInvalidFee      = errors.New("invalid fee bps")
)

// Pool is the part of a round the payout depends on.
type Pool struct {
	TotalUp   uint64
	TotalDown uint64
	Result    tikshot.RoundResult
}

// Stake is one bettor's position in a round.
type Stake struct {
	Up   uint64
	Down uint64
}

func PoolFromRound(round *tikshot.Round) Pool {
	return Pool{TotalUp: round.TotalUp, TotalDown: round.TotalDown, Result: round.Result}
}

func StakeFromBet(bet tikshot.BetEntry) Stake {
	return Stake{Up: bet.UpAmount, Down: bet.DownAmount}
}

// Total returns totalUp + totalDown.
func (p Pool) Total() (uint64, error) {
	total := p.TotalUp + p.TotalDown
	if total < p.TotalUp {
		return 0, fmt.Errorf("pool total overflows uint64 (up %d, down %d)", p.TotalUp, p.TotalDown)
	}
	return total, nil
}

// Fee returns floor(total * feeBps / 10000).
func Fee(total uint64, feeBps uint16) (uint64, error) {
	if uint64(feeBps) > tikshot.BpsDenominator {
		return 0, fmt.Errorf("%w: %d > %d", ErrInvalidFee, feeBps, tikshot.BpsDenominator)
	}
	return mulDivFloor(total, uint64(feeBps), tikshot.BpsDenominator)
}

// Payout returns what a bettor can claim from a settled round.
//
// A tie refunds both stakes with no fee. Otherwise the winning side splits
// total - fee in proportion to stake, and a bettor without stake on the
// winning side gets 0.
func Payout(pool Pool, stake Stake, feeBps uint16) (uint64, error) {
	if uint64(feeBps) > tikshot.BpsDenominator {
		return 0, fmt.Errorf("%w: %d > %d", ErrInvalidFee, feeBps, tikshot.BpsDenominator)
	}

	var winning, sideTotal uint64
	switch pool.Result {
	case tikshot.RoundResult_Tie:
		refund := stake.Up + stake.Down
		if refund < stake.Up {
			return 0, fmt.Errorf("refund overflows uint64")
		}
		return refund, nil
	case tikshot.RoundResult_Up:
		winning, sideTotal = stake.Up, pool.TotalUp
	case tikshot.RoundResult_Down:
		winning, sideTotal = stake.Down, pool.TotalDown
	case tikshot.RoundResult_Pending:
		return 0, ErrRoundNotSettled
	default:
		return 0, fmt.Errorf("unknown round result %d", uint8(pool.Result))
	}

	if winning == 0 {
		return 0, nil
	}
	if winning > sideTotal {
		return 0, fmt.Errorf("stake %d exceeds winning side total %d", winning, sideTotal)
	}

	total, err := pool.Total()
	if err != nil {
		return 0, err
	}
	fee, err := Fee(total, feeBps)
	if err != nil {
		return 0, err
	}
	return mulDivFloor(total-fee, winning, sideTotal)
}

// Distribution is the outcome of paying every bettor in a round.
type Distribution struct {
	Payouts []uint64
	Fee     uint64
	// Remainder is the part of the pool not paid to any bettor: the fee plus
	// rounding dust, or the whole pool when nobody backed the winning side.
	Remainder uint64
}

// Distribute pays each bet in order. Payouts[i] belongs to bets[i].
func Distribute(pool Pool, bets []Stake, feeBps uint16) (Distribution, error) {
	total, err := pool.Total()
	if err != nil {
		return Distribution{}, err
	}

	out := Distribution{Payouts: make([]uint64, len(bets))}
	if pool.Result != tikshot.RoundResult_Tie {
		if out.Fee, err = Fee(total, feeBps); err != nil {
			return Distribution{}, err
		}
	}

	var paid uint64
	for i, bet := range bets {
		amount, err := Payout(pool, bet, feeBps)
		if err != nil {
			return Distribution{}, fmt.Errorf("bet %d: %w", i, err)
		}
		out.Payouts[i] = amount
		paid += amount
	}
	if paid > total {
		return Distribution{}, fmt.Errorf("payouts %d exceed pool %d", paid, total)
	}
	out.Remainder = total - paid
	return out, nil
}

func mulDivFloor(a, b, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	left := new(big.Int).SetUint64(a)
	right := new(big.Int).SetUint64(b)
	left.Mul(left, right)
	left.Div(left, new(big.Int).SetUint64(denominator))
	if !left.IsUint64() {
		return 0, fmt.Errorf("mulDiv overflow")
	}
	return left.Uint64(), nil
}
