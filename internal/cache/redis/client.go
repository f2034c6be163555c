// Package redis holds the optional shared state between the TikShot
// services: a snapshot of the live round, the latest oracle price, and a
// pub/sub channel announcing settled rounds.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when a cached value does not exist or has expired.
var ErrCacheMiss = errors.New("cache miss")

const defaultKeyPrefix = "tikshot"

type ClientConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Client wraps a go-redis client and namespaces every key it touches.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New connects and pings; a failed ping closes the client.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return NewWithClient(rdb, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing go-redis client without pinging it.
func NewWithClient(rdb *redis.Client, keyPrefix string) *Client {
	prefix := strings.Trim(strings.TrimSpace(keyPrefix), ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Client{rdb: rdb, prefix: prefix}
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key joins parts under the client prefix, e.g. "tikshot:round:current".
func (c *Client) Key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}
