// Package oracle talks to the Pyth Hermes price service: signed latest
// updates for on-chain posting and a server-sent event stream for display.
package oracle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrOracleUnavailable marks a failed or empty fetch from the price service.
var ErrOracleUnavailable = errors.New("oracle unavailable")

const (
	DefaultHermesURL = "https://hermes.pyth.network"
	// SOL/USD
	DefaultFeedID = "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d"

	latestPath = "/v2/updates/price/latest"
	streamPath = "/v2/updates/price/stream"
)

type ClientConfig struct {
	HermesURL      string
	StreamURL      string
	FeedID         string
	RequestTimeout time.Duration
	ReconnectDelay time.Duration
}

type Client struct {
	cfg    ClientConfig
	feedID [32]byte
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.HermesURL) == "" {
		cfg.HermesURL = DefaultHermesURL
	}
	cfg.HermesURL = strings.TrimRight(strings.TrimSpace(cfg.HermesURL), "/")
	if strings.TrimSpace(cfg.StreamURL) == "" {
		cfg.StreamURL = cfg.HermesURL + streamPath
	}
	if strings.TrimSpace(cfg.FeedID) == "" {
		cfg.FeedID = DefaultFeedID
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	feedID, err := ParseFeedID(cfg.FeedID)
	if err != nil {
		return nil, err
	}
	cfg.FeedID = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cfg.FeedID)), "0x")
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		feedID: feedID,
		http:   &http.Client{},
		logger: logger,
	}, nil
}

func (c *Client) FeedID() [32]byte {
	return c.feedID
}

// Update is the latest signed update for the configured feed.
type Update struct {
	FeedID string
	// Binary holds the raw accumulator blobs; each decodes with ParseAccumulatorUpdate.
	Binary [][]byte
	Price  PriceSnapshot
	EMA    PriceSnapshot
	Slot   int64
}

// PriceSnapshot is an integer price with its decimal exponent.
type PriceSnapshot struct {
	Price       int64
	Conf        uint64
	Expo        int32
	PublishTime int64
}

// Float scales the integer price by its exponent.
func (p PriceSnapshot) Float() float64 {
	return scaleByExpo(float64(p.Price), p.Expo)
}

type hermesLatestResponse struct {
	Binary struct {
		Encoding string   `json:"encoding"`
		Data     []string `json:"data"`
	} `json:"binary"`
	Parsed []hermesPriceUpdate `json:"parsed"`
}

type hermesPriceUpdate struct {
	ID       string         `json:"id"`
	Price    hermesPrice    `json:"price"`
	EMAPrice hermesPrice    `json:"ema_price"`
	Metadata hermesMetadata `json:"metadata"`
}

type hermesPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type hermesMetadata struct {
	Slot int64 `json:"slot"`
}

// Latest fetches the most recent signed update for the feed. Every failure,
// including an empty response, wraps ErrOracleUnavailable.
func (c *Client) Latest(ctx context.Context) (*Update, error) {
	reqURL, err := c.latestURL()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrOracleUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch latest: %v", ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrOracleUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload hermesLatestResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode latest: %v", ErrOracleUnavailable, err)
	}
	if len(payload.Binary.Data) == 0 {
		return nil, fmt.Errorf("%w: no update for feed %s", ErrOracleUnavailable, c.cfg.FeedID)
	}

	out := &Update{FeedID: c.cfg.FeedID, Binary: make([][]byte, 0, len(payload.Binary.Data))}
	for i, raw := range payload.Binary.Data {
		blob, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: decode binary[%d]: %v", ErrOracleUnavailable, i, err)
		}
		out.Binary = append(out.Binary, blob)
	}

	for _, parsed := range payload.Parsed {
		if normalizeFeedID(parsed.ID) != c.cfg.FeedID {
			continue
		}
		if out.Price, err = parsed.Price.snapshot(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
		}
		out.EMA, _ = parsed.EMAPrice.snapshot()
		out.Slot = parsed.Metadata.Slot
		break
	}
	return out, nil
}

// LatestAttestation fetches the latest update and extracts a verified,
// postable attestation for the feed.
func (c *Client) LatestAttestation(ctx context.Context, maxSignatures int) (*Attestation, error) {
	update, err := c.Latest(ctx)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, blob := range update.Binary {
		att, err := BuildAttestation(blob, c.feedID, maxSignatures)
		if err == nil {
			return att, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, lastErr)
}

func (c *Client) latestURL() (string, error) {
	parsed, err := url.Parse(c.cfg.HermesURL + latestPath)
	if err != nil {
		return "", fmt.Errorf("parse hermes url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid hermes url: %q", c.cfg.HermesURL)
	}
	query := parsed.Query()
	query.Add("ids[]", c.cfg.FeedID)
	query.Set("encoding", "base64")
	query.Set("parsed", "true")
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (p hermesPrice) snapshot() (PriceSnapshot, error) {
	price, err := strconv.ParseInt(strings.TrimSpace(p.Price), 10, 64)
	if err != nil {
		return PriceSnapshot{}, fmt.Errorf("parse price %q: %w", p.Price, err)
	}
	var conf uint64
	if trimmed := strings.TrimSpace(p.Conf); trimmed != "" {
		if conf, err = strconv.ParseUint(trimmed, 10, 64); err != nil {
			return PriceSnapshot{}, fmt.Errorf("parse conf %q: %w", p.Conf, err)
		}
	}
	return PriceSnapshot{Price: price, Conf: conf, Expo: p.Expo, PublishTime: p.PublishTime}, nil
}

func normalizeFeedID(raw string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
}

func scaleByExpo(value float64, expo int32) float64 {
	if expo < 0 {
		return value / math.Pow10(int(-expo))
	}
	if expo > 0 {
		return value * math.Pow10(int(expo))
	}
	return value
}
