package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RoundCache stores the live round as a JSON string and the latest price as
// a hash. Both keys expire after ttl so a stopped indexer does not leave
// stale data behind.
type RoundCache struct {
	client *Client
	ttl    time.Duration
}

func NewRoundCache(c *Client, ttl time.Duration) *RoundCache {
	return &RoundCache{client: c, ttl: ttl}
}

func (rc *RoundCache) currentKey() string {
	return rc.client.Key("round", "current")
}

func (rc *RoundCache) priceKey(feedID string) string {
	return rc.client.Key("price", feedID)
}

func (rc *RoundCache) SetCurrent(ctx context.Context, snap RoundSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: encode round %d: %w", snap.RoundID, err)
	}
	if err := rc.client.rdb.Set(ctx, rc.currentKey(), payload, rc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set current round: %w", err)
	}
	return nil
}

// GetCurrent returns ErrCacheMiss when no snapshot is stored.
func (rc *RoundCache) GetCurrent(ctx context.Context) (*RoundSnapshot, error) {
	payload, err := rc.client.rdb.Get(ctx, rc.currentKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis: get current round: %w", err)
	}
	var snap RoundSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("redis: decode current round: %w", err)
	}
	return &snap, nil
}

func (rc *RoundCache) SetLatestPrice(ctx context.Context, snap PriceSnapshot) error {
	key := rc.priceKey(snap.FeedID)
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(snap.Price, 'f', -1, 64),
		"slot":  strconv.FormatUint(snap.Slot, 10),
		"ts":    strconv.FormatInt(snap.PublishedAt.UnixNano(), 10),
	}
	pipe := rc.client.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if rc.ttl > 0 {
		pipe.Expire(ctx, key, rc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", snap.FeedID, err)
	}
	return nil
}

func (rc *RoundCache) GetLatestPrice(ctx context.Context, feedID string) (*PriceSnapshot, error) {
	vals, err := rc.client.rdb.HGetAll(ctx, rc.priceKey(feedID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get price %s: %w", feedID, err)
	}
	if len(vals) == 0 {
		return nil, ErrCacheMiss
	}

	price, err := strconv.ParseFloat(vals["price"], 64)
	if err != nil {
		return nil, fmt.Errorf("redis: parse price %s: %w", feedID, err)
	}
	slot, err := strconv.ParseUint(vals["slot"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: parse slot %s: %w", feedID, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: parse ts %s: %w", feedID, err)
	}
	return &PriceSnapshot{
		FeedID:      feedID,
		Price:       price,
		Slot:        slot,
		PublishedAt: time.Unix(0, tsNano).UTC(),
	}, nil
}
