package oracle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	maxReconnectBackoff = 30 * time.Second
	maxSSELine          = 8 << 20
)

// Tick is one parsed price from the stream. RawJSON is the update exactly as
// Hermes sent it.
type Tick struct {
	FeedID     string
	Slot       int64
	Price      PriceSnapshot
	ReceivedAt time.Time
	RawJSON    string
}

type TickHandler func(ctx context.Context, tick Tick) error

// Stream follows the Hermes SSE endpoint for the configured feed until ctx
// ends. A dropped connection is retried after a delay that starts at
// ReconnectDelay, doubles while sessions deliver nothing, and resets after a
// session that delivered ticks. Ticks not newer than the last delivered
// publish time are skipped. A handler error is logged and skips that tick.
func (c *Client) Stream(ctx context.Context, handler TickHandler) error {
	endpoint, err := streamEndpoint(c.cfg.StreamURL, c.cfg.FeedID)
	if err != nil {
		return err
	}
	c.logger.Info("pyth price stream started", "endpoint", endpoint, "feed_id", c.cfg.FeedID)

	backoffCap := max(c.cfg.ReconnectDelay, maxReconnectBackoff)
	delay := c.cfg.ReconnectDelay
	var lastPublish int64
	for {
		delivered, err := c.follow(ctx, endpoint, &lastPublish, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered > 0 {
			delay = c.cfg.ReconnectDelay
		}
		c.logger.Warn("pyth price stream dropped", "err", err, "delivered", delivered, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, backoffCap)
	}
}

// follow runs one SSE session and reports how many ticks reached handler.
func (c *Client) follow(ctx context.Context, endpoint string, lastPublish *int64, handler TickHandler) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("pyth stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("connect pyth stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("connect pyth stream: %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}

	events := newSSEReader(resp.Body)
	delivered := 0
	for {
		data, err := events.Next()
		if errors.Is(err, io.EOF) {
			return delivered, errors.New("pyth stream closed by server")
		}
		if err != nil {
			return delivered, fmt.Errorf("read pyth stream: %w", err)
		}

		ticks, err := c.decodeTicks(data, time.Now())
		if err != nil {
			c.logger.Warn("skipping pyth stream event", "err", err)
			continue
		}
		for _, tick := range ticks {
			if tick.Price.PublishTime <= *lastPublish {
				continue
			}
			if err := handler(ctx, tick); err != nil {
				if ctx.Err() != nil {
					return delivered, ctx.Err()
				}
				c.logger.Warn("pyth tick handler failed", "publish_time", tick.Price.PublishTime, "err", err)
				continue
			}
			*lastPublish = tick.Price.PublishTime
			delivered++
		}
	}
}

// decodeTicks extracts this client's feed from one stream event. Updates for
// other feeds and non-positive prices are dropped.
func (c *Client) decodeTicks(data []byte, received time.Time) ([]Tick, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "[DONE]" {
		return nil, nil
	}

	var event struct {
		Parsed []json.RawMessage `json:"parsed"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode pyth stream event: %w", err)
	}

	var ticks []Tick
	for _, raw := range event.Parsed {
		var update hermesPriceUpdate
		if err := json.Unmarshal(raw, &update); err != nil {
			return nil, fmt.Errorf("decode pyth price update: %w", err)
		}
		if normalizeFeedID(update.ID) != c.cfg.FeedID {
			continue
		}
		price, err := update.Price.snapshot()
		if err != nil || price.Price <= 0 {
			continue
		}
		if price.PublishTime <= 0 {
			price.PublishTime = received.Unix()
		}
		ticks = append(ticks, Tick{
			FeedID:     c.cfg.FeedID,
			Slot:       update.Metadata.Slot,
			Price:      price,
			ReceivedAt: received,
			RawJSON:    string(raw),
		})
	}
	return ticks, nil
}

func streamEndpoint(base, feedID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse pyth stream url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("pyth stream url %q is not absolute", base)
	}
	query := u.Query()
	query["ids[]"] = []string{feedID}
	if query.Get("parsed") == "" {
		query.Set("parsed", "true")
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// sseReader splits a text/event-stream body into event data payloads.
// Multi-line data fields are joined with "\n"; comments and other fields are
// ignored.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxSSELine)
	return &sseReader{scanner: scanner}
}

// Next returns the next non-empty event payload, or io.EOF once the body ends.
func (r *sseReader) Next() ([]byte, error) {
	var data []byte
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			if len(data) > 0 {
				return data, nil
			}
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		if len(data) > 0 {
			data = append(data, '\n')
		}
		data = append(data, bytes.TrimPrefix(value, []byte(" "))...)
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		return data, nil
	}
	return nil, io.EOF
}
