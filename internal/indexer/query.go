package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type GameRecord struct {
	Authority  string `json:"authority"`
	FeeBps     uint16 `json:"fee_bps"`
	RoundCount uint64 `json:"round_count"`
	Slot       uint64 `json:"slot"`
	UpdatedAt  int64  `json:"updated_at"`
}

type BetRecord struct {
	SlotIndex  int    `json:"slot_index"`
	Wallet     string `json:"wallet"`
	UpAmount   uint64 `json:"up_amount"`
	DownAmount uint64 `json:"down_amount"`
	Claimed    bool   `json:"claimed"`
}

type RoundRecord struct {
	RoundID    uint64      `json:"round_id"`
	Pubkey     string      `json:"pubkey"`
	Status     string      `json:"status"`
	Result     string      `json:"result"`
	StartTs    int64       `json:"start_ts"`
	LockTs     int64       `json:"lock_ts"`
	EndTs      int64       `json:"end_ts"`
	StartPrice int64       `json:"start_price"`
	EndPrice   int64       `json:"end_price"`
	PriceExpo  int32       `json:"price_expo"`
	TotalUp    uint64      `json:"total_up"`
	TotalDown  uint64      `json:"total_down"`
	NumBets    int         `json:"num_bets"`
	Source     string      `json:"source"`
	Slot       uint64      `json:"slot"`
	UpdatedAt  int64       `json:"updated_at"`
	Bets       []BetRecord `json:"bets,omitempty"`
}

type PlayerRecord struct {
	Pubkey    string `json:"pubkey"`
	Owner     string `json:"owner"`
	Credits   uint64 `json:"credits"`
	Slot      uint64 `json:"slot"`
	UpdatedAt int64  `json:"updated_at"`
}

// WalletBet is a bet joined with the round it was placed in.
type WalletBet struct {
	Round RoundRecord
	Bet   BetRecord
}

type SyncState struct {
	LastSlot  uint64 `json:"last_slot"`
	UpdatedAt int64  `json:"updated_at"`
}

const roundColumns = `round_id, pubkey, status, result, start_ts, lock_ts, end_ts,
	start_price, end_price, price_expo, total_up, total_down, num_bets, source, slot, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (RoundRecord, error) {
	var (
		item                        RoundRecord
		roundID, totalUp, totalDown int64
		slot                        int64
		expo                        int64
	)
	if err := row.Scan(
		&roundID,
		&item.Pubkey,
		&item.Status,
		&item.Result,
		&item.StartTs,
		&item.LockTs,
		&item.EndTs,
		&item.StartPrice,
		&item.EndPrice,
		&expo,
		&totalUp,
		&totalDown,
		&item.NumBets,
		&item.Source,
		&slot,
		&item.UpdatedAt,
	); err != nil {
		return RoundRecord{}, err
	}
	item.RoundID = uint64(roundID)
	item.PriceExpo = int32(expo)
	item.TotalUp = uint64(totalUp)
	item.TotalDown = uint64(totalDown)
	item.Slot = uint64(slot)
	return item, nil
}

func (s *Store) GetGame(ctx context.Context) (GameRecord, error) {
	var (
		item             GameRecord
		feeBps           int64
		roundCount, slot int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT authority, fee_bps, round_count, slot, updated_at
		FROM game_state WHERE id = 1
	`).Scan(&item.Authority, &feeBps, &roundCount, &slot, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GameRecord{}, ErrNotFound
		}
		return GameRecord{}, err
	}
	item.FeeBps = uint16(feeBps)
	item.RoundCount = uint64(roundCount)
	item.Slot = uint64(slot)
	return item, nil
}

func (s *Store) GetSyncState(ctx context.Context) (SyncState, error) {
	var lastSlot int64
	var state SyncState
	err := s.db.QueryRowContext(ctx, `SELECT last_slot, updated_at FROM sync_state WHERE id = 1`).Scan(&lastSlot, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SyncState{}, ErrNotFound
		}
		return SyncState{}, err
	}
	state.LastSlot = uint64(lastSlot)
	return state, nil
}

type RoundFilter struct {
	Status string
	Limit  int
	Offset int
}

// ListRounds returns rounds newest first, without bets.
func (s *Store) ListRounds(ctx context.Context, filter RoundFilter) ([]RoundRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 3)
	if status := strings.ToLower(strings.TrimSpace(filter.Status)); status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, status)
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM rounds
		WHERE %s
		ORDER BY round_id DESC
		LIMIT ? OFFSET ?
	`, roundColumns, strings.Join(clauses, " AND ")), args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]RoundRecord, 0, limit)
	for rows.Next() {
		item, err := scanRound(rows)
		if err != nil {
			return nil, 0, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	return items, limit, offset, nil
}

// GetRound returns one round with its bet slots.
func (s *Store) GetRound(ctx context.Context, roundID uint64) (RoundRecord, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM rounds WHERE round_id = ?`, roundColumns), int64(roundID))
	item, err := scanRound(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RoundRecord{}, ErrNotFound
		}
		return RoundRecord{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT slot_index, wallet, up_amount, down_amount, claimed
		FROM round_bets
		WHERE round_id = ?
		ORDER BY slot_index ASC
	`, int64(roundID))
	if err != nil {
		return RoundRecord{}, err
	}
	defer rows.Close()

	item.Bets = make([]BetRecord, 0, item.NumBets)
	for rows.Next() {
		bet, err := scanBet(rows)
		if err != nil {
			return RoundRecord{}, err
		}
		item.Bets = append(item.Bets, bet)
	}
	return item, rows.Err()
}

// GetLatestRound returns the highest round id stored.
func (s *Store) GetLatestRound(ctx context.Context) (RoundRecord, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT round_id FROM rounds ORDER BY round_id DESC LIMIT 1`).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RoundRecord{}, ErrNotFound
		}
		return RoundRecord{}, err
	}
	return s.GetRound(ctx, uint64(id))
}

func scanBet(row rowScanner) (BetRecord, error) {
	var bet BetRecord
	var up, down int64
	if err := row.Scan(&bet.SlotIndex, &bet.Wallet, &up, &down, &bet.Claimed); err != nil {
		return BetRecord{}, err
	}
	bet.UpAmount = uint64(up)
	bet.DownAmount = uint64(down)
	return bet, nil
}

// GetPlayer looks a player up by wallet (the account owner).
func (s *Store) GetPlayer(ctx context.Context, wallet string) (PlayerRecord, error) {
	var item PlayerRecord
	var credits, slot int64
	err := s.db.QueryRowContext(ctx, `
		SELECT pubkey, owner, credits, slot, updated_at
		FROM players WHERE owner = ?
	`, strings.TrimSpace(wallet)).Scan(&item.Pubkey, &item.Owner, &credits, &slot, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PlayerRecord{}, ErrNotFound
		}
		return PlayerRecord{}, err
	}
	item.Credits = uint64(credits)
	item.Slot = uint64(slot)
	return item, nil
}

// ListWalletBets returns the wallet's bets newest round first. With
// settledOnly set, only bets in settled rounds are returned.
func (s *Store) ListWalletBets(ctx context.Context, wallet string, settledOnly bool, limit int) ([]WalletBet, error) {
	limit, _ = normalizePagination(limit, 0)
	clauses := []string{"b.wallet = ?"}
	args := []any{strings.TrimSpace(wallet)}
	if settledOnly {
		clauses = append(clauses, "r.status = ?")
		args = append(args, tikshot.RoundStatus_Settled.String())
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT r.round_id, r.pubkey, r.status, r.result, r.start_ts, r.lock_ts, r.end_ts,
			r.start_price, r.end_price, r.price_expo, r.total_up, r.total_down, r.num_bets,
			r.source, r.slot, r.updated_at,
			b.slot_index, b.wallet, b.up_amount, b.down_amount, b.claimed
		FROM round_bets b
		JOIN rounds r ON r.round_id = b.round_id
		WHERE %s
		ORDER BY r.round_id DESC
		LIMIT ?
	`, strings.Join(clauses, " AND ")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]WalletBet, 0, limit)
	for rows.Next() {
		var (
			item                        WalletBet
			roundID, totalUp, totalDown int64
			slot, expo                  int64
			up, down                    int64
		)
		if err := rows.Scan(
			&roundID, &item.Round.Pubkey, &item.Round.Status, &item.Round.Result,
			&item.Round.StartTs, &item.Round.LockTs, &item.Round.EndTs,
			&item.Round.StartPrice, &item.Round.EndPrice, &expo,
			&totalUp, &totalDown, &item.Round.NumBets,
			&item.Round.Source, &slot, &item.Round.UpdatedAt,
			&item.Bet.SlotIndex, &item.Bet.Wallet, &up, &down, &item.Bet.Claimed,
		); err != nil {
			return nil, err
		}
		item.Round.RoundID = uint64(roundID)
		item.Round.PriceExpo = int32(expo)
		item.Round.TotalUp = uint64(totalUp)
		item.Round.TotalDown = uint64(totalDown)
		item.Round.Slot = uint64(slot)
		item.Bet.UpAmount = uint64(up)
		item.Bet.DownAmount = uint64(down)
		items = append(items, item)
	}
	return items, rows.Err()
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ResultFromString maps a stored result back to the program enum.
func ResultFromString(raw string) tikshot.RoundResult {
	switch raw {
	case tikshot.RoundResult_Up.String():
		return tikshot.RoundResult_Up
	case tikshot.RoundResult_Down.String():
		return tikshot.RoundResult_Down
	case tikshot.RoundResult_Tie.String():
		return tikshot.RoundResult_Tie
	default:
		return tikshot.RoundResult_Pending
	}
}
