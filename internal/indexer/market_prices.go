package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Uttam-Singhh/TikShot/internal/oracle"
)

// DefaultMarketSymbol is the market the game settles against.
const DefaultMarketSymbol = "SOLUSD"

const (
	defaultCandleInterval = 60
	defaultCandleLimit    = 120
	maxCandleLimit        = 1440
)

// MarketPriceTickInput is one Pyth update. The quote stays in the feed's
// integer representation so stored prices compare exactly with round prices.
type MarketPriceTickInput struct {
	Market     string
	FeedID     string
	Slot       int64
	Quote      oracle.PriceSnapshot
	ReceivedAt time.Time
	RawJSON    string
}

type MarketPriceRecord struct {
	Market      string  `json:"market"`
	FeedID      string  `json:"feed_id"`
	Slot        int64   `json:"slot"`
	PublishTime int64   `json:"publish_time"`
	PriceRaw    int64   `json:"price_raw"`
	Expo        int32   `json:"expo"`
	Price       float64 `json:"price"`
	Conf        float64 `json:"conf"`
	ReceivedAt  int64   `json:"received_at"`
}

// CandleRecord is one OHLC bucket; Ticks counts the updates folded into it.
type CandleRecord struct {
	TS    int64   `json:"ts"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
	Ticks int     `json:"ticks"`
}

// NormalizeMarketSymbol upper-cases raw and drops everything that is not a
// letter or digit, so "sol/usd" and "SOL-USD" both become "SOLUSD".
func NormalizeMarketSymbol(raw string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		default:
			return -1
		}
	}, raw)
}

func marketOrDefault(raw string) string {
	if market := NormalizeMarketSymbol(raw); market != "" {
		return market
	}
	return DefaultMarketSymbol
}

func normalizeFeedID(raw string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
}

// InsertMarketPriceTick stores a tick unless the feed already has one for the
// same publish time. It reports whether a row was written.
func (s *Store) InsertMarketPriceTick(ctx context.Context, input MarketPriceTickInput) (bool, error) {
	feedID := normalizeFeedID(input.FeedID)
	switch {
	case feedID == "":
		return false, errors.New("feed id is required")
	case input.Quote.Price <= 0:
		return false, fmt.Errorf("non-positive price %d", input.Quote.Price)
	case input.Quote.PublishTime <= 0:
		return false, errors.New("publish time is required")
	case input.Quote.Conf > math.MaxInt64:
		return false, fmt.Errorf("confidence %d out of range", input.Quote.Conf)
	}

	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	payload := strings.TrimSpace(input.RawJSON)
	if payload == "" || !json.Valid([]byte(payload)) {
		payload = "{}"
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO price_ticks (market, feed_id, slot, publish_time, price, conf, expo, received_at, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (feed_id, publish_time) DO NOTHING
	`,
		marketOrDefault(input.Market),
		feedID,
		input.Slot,
		input.Quote.PublishTime,
		input.Quote.Price,
		int64(input.Quote.Conf),
		input.Quote.Expo,
		receivedAt.Unix(),
		payload,
	)
	if err != nil {
		return false, fmt.Errorf("insert price tick: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert price tick: %w", err)
	}
	return affected == 1, nil
}

// PruneMarketPriceTicks deletes ticks published before cutoff and reports how
// many rows went.
func (s *Store) PruneMarketPriceTicks(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM price_ticks WHERE publish_time < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune price ticks: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) GetLatestMarketPrice(ctx context.Context, market string) (MarketPriceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT market, feed_id, slot, publish_time, price, conf, expo, received_at
		FROM price_ticks
		WHERE market = ?
		ORDER BY publish_time DESC, slot DESC
		LIMIT 1
	`, marketOrDefault(market))

	var (
		rec  MarketPriceRecord
		conf int64
	)
	err := row.Scan(&rec.Market, &rec.FeedID, &rec.Slot, &rec.PublishTime, &rec.PriceRaw, &conf, &rec.Expo, &rec.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MarketPriceRecord{}, ErrNotFound
	}
	if err != nil {
		return MarketPriceRecord{}, err
	}
	rec.Price = scalePrice(rec.PriceRaw, rec.Expo)
	rec.Conf = scalePrice(conf, rec.Expo)
	return rec, nil
}

// GetMarketCandles returns up to limit candles of intervalSec seconds, oldest
// first, covering the most recent buckets. Buckets without ticks are omitted.
func (s *Store) GetMarketCandles(ctx context.Context, market string, intervalSec int64, limit int) ([]CandleRecord, error) {
	if intervalSec <= 0 {
		intervalSec = defaultCandleInterval
	}
	if limit <= 0 {
		limit = defaultCandleLimit
	}
	limit = min(limit, maxCandleLimit)

	current := s.now().Unix()
	from := (current/intervalSec - int64(limit) + 1) * intervalSec

	rows, err := s.db.QueryContext(ctx, `
		SELECT publish_time, price, expo
		FROM price_ticks
		WHERE market = ? AND publish_time >= ?
		ORDER BY publish_time ASC, slot ASC
	`, marketOrDefault(market), from)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var samples []priceSample
	for rows.Next() {
		var (
			publishTime, raw int64
			expo             int32
		)
		if err := rows.Scan(&publishTime, &raw, &expo); err != nil {
			return nil, err
		}
		samples = append(samples, priceSample{publishTime: publishTime, price: scalePrice(raw, expo)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	candles := foldCandles(samples, intervalSec)
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

type priceSample struct {
	publishTime int64
	price       float64
}

// foldCandles buckets publish-time-ordered samples into candles aligned to
// multiples of intervalSec.
func foldCandles(samples []priceSample, intervalSec int64) []CandleRecord {
	candles := make([]CandleRecord, 0)
	for _, sample := range samples {
		bucket := sample.publishTime - sample.publishTime%intervalSec
		if n := len(candles); n > 0 && candles[n-1].TS == bucket {
			last := &candles[n-1]
			last.High = max(last.High, sample.price)
			last.Low = min(last.Low, sample.price)
			last.Close = sample.price
			last.Ticks++
			continue
		}
		candles = append(candles, CandleRecord{
			TS:    bucket,
			Open:  sample.price,
			High:  sample.price,
			Low:   sample.price,
			Close: sample.price,
			Ticks: 1,
		})
	}
	return candles
}

func scalePrice(raw int64, expo int32) float64 {
	return oracle.PriceSnapshot{Price: raw, Expo: expo}.Float()
}
