package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

var ErrNotFound = errors.New("not found")

// Store persists indexed program state in Postgres.
type Store struct {
	db  *DB
	now func() time.Time
}

// sqlRunner is the query surface *sql.DB and *sql.Tx share.
type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// postgres numbers '?' placeholders before delegating, so store queries read
// the same inside and outside a transaction.
type postgres[R sqlRunner] struct {
	raw R
}

func (p postgres[R]) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return p.raw.ExecContext(ctx, numberPlaceholders(query), args...)
}

func (p postgres[R]) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return p.raw.QueryContext(ctx, numberPlaceholders(query), args...)
}

func (p postgres[R]) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return p.raw.QueryRowContext(ctx, numberPlaceholders(query), args...)
}

type DB struct {
	postgres[*sql.DB]
}

type Tx struct {
	postgres[*sql.Tx]
}

// numberPlaceholders turns each '?' outside a single-quoted literal into $1,
// $2, and so on. An escaped '' flips the quote state twice and so keeps the
// literal open.
func numberPlaceholders(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n, quoted := 0, false
	for _, r := range query {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func NewStore(ctx context.Context, dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{postgres[*sql.DB]{raw: db}}, now: time.Now}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.raw.Close()
}

// WithTx runs fn in a transaction and commits when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	raw, err := s.db.raw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{postgres[*sql.Tx]{raw: raw}}); err != nil {
		_ = raw.Rollback()
		return err
	}
	return raw.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			last_slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS game_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			authority TEXT NOT NULL,
			fee_bps INTEGER NOT NULL,
			round_count BIGINT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rounds (
			round_id BIGINT PRIMARY KEY,
			pubkey TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL,
			start_ts BIGINT NOT NULL,
			lock_ts BIGINT NOT NULL,
			end_ts BIGINT NOT NULL,
			start_price BIGINT NOT NULL,
			end_price BIGINT NOT NULL,
			price_expo INTEGER NOT NULL,
			total_up BIGINT NOT NULL,
			total_down BIGINT NOT NULL,
			num_bets INTEGER NOT NULL,
			source TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_status ON rounds(status, round_id DESC);`,
		`CREATE TABLE IF NOT EXISTS round_bets (
			round_id BIGINT NOT NULL REFERENCES rounds(round_id) ON DELETE CASCADE,
			slot_index INTEGER NOT NULL,
			wallet TEXT NOT NULL,
			up_amount BIGINT NOT NULL,
			down_amount BIGINT NOT NULL,
			claimed BOOLEAN NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (round_id, slot_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_round_bets_wallet ON round_bets(wallet, round_id DESC);`,
		`CREATE TABLE IF NOT EXISTS players (
			pubkey TEXT PRIMARY KEY,
			owner TEXT NOT NULL UNIQUE,
			credits BIGINT NOT NULL,
			lamports BIGINT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS price_ticks (
			id BIGSERIAL PRIMARY KEY,
			market TEXT NOT NULL,
			feed_id TEXT NOT NULL,
			slot BIGINT NOT NULL,
			publish_time BIGINT NOT NULL,
			price BIGINT NOT NULL,
			conf BIGINT NOT NULL,
			expo INTEGER NOT NULL,
			received_at BIGINT NOT NULL,
			raw_json JSONB NOT NULL,
			UNIQUE (feed_id, publish_time)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_price_ticks_market_time ON price_ticks(market, publish_time DESC);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SyncBatch is everything one sync pass read from the chain. It is written in
// a single transaction.
type SyncBatch struct {
	Slot    uint64
	Game    *tikshot.Game
	Rounds  []IndexedRound
	Players []tikshot.KeyedPlayer
}

type IndexedRound struct {
	Pubkey solana.PublicKey
	Round  *tikshot.Round
	Source tikshot.Endpoint
}

func (s *Store) ApplySync(ctx context.Context, batch SyncBatch) error {
	now := s.now().Unix()
	return s.WithTx(ctx, func(tx *Tx) error {
		if batch.Game != nil {
			if err := s.upsertGameTx(ctx, tx, batch.Game, batch.Slot, now); err != nil {
				return fmt.Errorf("upsert game: %w", err)
			}
		}
		for _, item := range batch.Rounds {
			if err := s.upsertRoundTx(ctx, tx, item, batch.Slot, now); err != nil {
				return fmt.Errorf("upsert round %d: %w", item.Round.RoundID, err)
			}
		}
		for _, item := range batch.Players {
			if err := s.upsertPlayerTx(ctx, tx, item, batch.Slot, now); err != nil {
				return fmt.Errorf("upsert player %s: %w", item.Pubkey, err)
			}
		}
		return s.upsertSyncStateTx(ctx, tx, batch.Slot, now)
	})
}

func (s *Store) upsertSyncStateTx(ctx context.Context, tx *Tx, slot uint64, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_slot, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_slot = excluded.last_slot,
			updated_at = excluded.updated_at
	`, int64(slot), now)
	return err
}

func (s *Store) upsertGameTx(ctx context.Context, tx *Tx, game *tikshot.Game, slot uint64, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO game_state (id, authority, fee_bps, round_count, slot, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			authority = excluded.authority,
			fee_bps = excluded.fee_bps,
			round_count = excluded.round_count,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`, game.Authority.String(), int(game.FeeBps), int64(game.RoundCount), int64(slot), now)
	return err
}

func (s *Store) upsertRoundTx(ctx context.Context, tx *Tx, item IndexedRound, slot uint64, now int64) error {
	round := item.Round
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rounds (
			round_id, pubkey, status, result, start_ts, lock_ts, end_ts,
			start_price, end_price, price_expo, total_up, total_down, num_bets,
			source, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(round_id) DO UPDATE SET
			pubkey = excluded.pubkey,
			status = excluded.status,
			result = excluded.result,
			start_ts = excluded.start_ts,
			lock_ts = excluded.lock_ts,
			end_ts = excluded.end_ts,
			start_price = excluded.start_price,
			end_price = excluded.end_price,
			price_expo = excluded.price_expo,
			total_up = excluded.total_up,
			total_down = excluded.total_down,
			num_bets = excluded.num_bets,
			source = excluded.source,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		int64(round.RoundID),
		item.Pubkey.String(),
		round.Status.String(),
		round.Result.String(),
		round.StartTs,
		round.LockTs,
		round.EndTs,
		round.StartPrice,
		round.EndPrice,
		int(round.PriceExpo),
		int64(round.TotalUp),
		int64(round.TotalDown),
		int(round.NumBets),
		item.Source.String(),
		int64(slot),
		now,
	)
	if err != nil {
		return err
	}

	for i, bet := range round.ActiveBets() {
		wallet := ""
		if !bet.Claimed() {
			wallet = bet.Player.String()
		}
		// a claim zeroes the on-chain key; keep the wallet seen before the claim
		_, err := tx.ExecContext(ctx, `
			INSERT INTO round_bets (round_id, slot_index, wallet, up_amount, down_amount, claimed, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(round_id, slot_index) DO UPDATE SET
				wallet = CASE WHEN excluded.claimed AND round_bets.wallet <> '' THEN round_bets.wallet ELSE excluded.wallet END,
				up_amount = excluded.up_amount,
				down_amount = excluded.down_amount,
				claimed = excluded.claimed,
				updated_at = excluded.updated_at
		`,
			int64(round.RoundID),
			i,
			wallet,
			int64(bet.UpAmount),
			int64(bet.DownAmount),
			bet.Claimed(),
			now,
		)
		if err != nil {
			return fmt.Errorf("upsert bet slot %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) upsertPlayerTx(ctx context.Context, tx *Tx, item tikshot.KeyedPlayer, slot uint64, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO players (pubkey, owner, credits, lamports, slot, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			owner = excluded.owner,
			credits = excluded.credits,
			lamports = excluded.lamports,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		item.Pubkey.String(),
		item.Player.Owner.String(),
		int64(item.Player.Credits),
		int64(item.Lamports),
		int64(slot),
		now,
	)
	return err
}

// FinalizedRounds returns the ids in [from, to] that are settled with every
// bet claimed. Nothing about such a round can change on chain any more.
func (s *Store) FinalizedRounds(ctx context.Context, from, to uint64) (map[uint64]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.round_id
		FROM rounds r
		WHERE r.round_id BETWEEN ? AND ?
		  AND r.status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM round_bets b WHERE b.round_id = r.round_id AND NOT b.claimed
		  )
	`, int64(from), int64(to), tikshot.RoundStatus_Settled.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[uint64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[uint64(id)] = true
	}
	return out, rows.Err()
}
