package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	rediscache "github.com/Uttam-Singhh/TikShot/internal/cache/redis"
	"github.com/Uttam-Singhh/TikShot/internal/config"
	"github.com/Uttam-Singhh/TikShot/internal/indexer"
)

// Store is the indexed read model the API serves from.
type Store interface {
	GetGame(ctx context.Context) (indexer.GameRecord, error)
	GetSyncState(ctx context.Context) (indexer.SyncState, error)
	ListRounds(ctx context.Context, filter indexer.RoundFilter) ([]indexer.RoundRecord, int, int, error)
	GetRound(ctx context.Context, roundID uint64) (indexer.RoundRecord, error)
	GetLatestRound(ctx context.Context) (indexer.RoundRecord, error)
	GetPlayer(ctx context.Context, wallet string) (indexer.PlayerRecord, error)
	ListWalletBets(ctx context.Context, wallet string, settledOnly bool, limit int) ([]indexer.WalletBet, error)
	GetLatestMarketPrice(ctx context.Context, market string) (indexer.MarketPriceRecord, error)
	GetMarketCandles(ctx context.Context, market string, intervalSec int64, limit int) ([]indexer.CandleRecord, error)
}

// SnapshotCache is the redis view written by the indexer. Optional.
type SnapshotCache interface {
	GetCurrent(ctx context.Context) (*rediscache.RoundSnapshot, error)
	GetLatestPrice(ctx context.Context, feedID string) (*rediscache.PriceSnapshot, error)
}

// SettledEvents delivers round_settled notifications published by the crank. Optional.
type SettledEvents interface {
	SubscribeRoundSettled(ctx context.Context) (<-chan rediscache.RoundSnapshot, error)
}

type Deps struct {
	Store  Store
	Cache  SnapshotCache
	Events SettledEvents
}

type Service struct {
	cfg     config.APIServerConfig
	logger  *slog.Logger
	store   Store
	cache   SnapshotCache
	events  SettledEvents
	settled *settledHub
	cors    corsPolicy
}

func New(cfg config.APIServerConfig, deps Deps, logger *slog.Logger) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("api-server requires a store")
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		cfg:     cfg,
		logger:  logger,
		store:   deps.Store,
		cache:   deps.Cache,
		events:  deps.Events,
		settled: newSettledHub(),
		cors:    newCORSPolicy(cfg.AllowedOrigins),
	}, nil
}

// Handler returns the routed API with CORS applied. Every route is GET only;
// the mux answers other methods with 405.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/game", s.handleGame)
	mux.HandleFunc("GET /api/v1/rounds", s.handleRounds)
	mux.HandleFunc("GET /api/v1/rounds/{id}", s.handleRound)
	mux.HandleFunc("GET /api/v1/players/{wallet}", s.handlePlayer)
	mux.HandleFunc("GET /api/v1/prices/latest", s.handleLatestPrice)
	mux.HandleFunc("GET /api/v1/prices/candles", s.handleCandles)
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	return s.cors.wrap(mux)
}

func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		s.logger.Info("api-server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return nil
	})
	if s.events != nil {
		group.Go(func() error {
			return s.forwardSettled(groupCtx)
		})
	}

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"redis", s.cache != nil,
		"cors_any_origin", s.cors.any,
	)
	return group.Wait()
}

// forwardSettled fans crank notifications out to websocket clients until ctx ends.
func (s *Service) forwardSettled(ctx context.Context) error {
	events, err := s.events.SubscribeRoundSettled(ctx)
	if err != nil {
		return fmt.Errorf("subscribe round_settled: %w", err)
	}
	for snap := range events {
		s.settled.Broadcast(roundFromSnapshot(snap))
	}
	return nil
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type healthResponse struct {
	OK       bool   `json:"ok"`
	LastSlot uint64 `json:"last_slot,omitempty"`
	SyncedAt int64  `json:"synced_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type roundDetailResponse struct {
	indexer.RoundRecord
	// Payouts[i] is what Bets[i] can claim; only present once the round is settled.
	Payouts []uint64 `json:"payouts,omitempty"`
}

type claimableRound struct {
	RoundID    uint64 `json:"round_id"`
	Result     string `json:"result"`
	UpAmount   uint64 `json:"up_amount"`
	DownAmount uint64 `json:"down_amount"`
	Payout     uint64 `json:"payout"`
}

type playerResponse struct {
	indexer.PlayerRecord
	Claimable []claimableRound `json:"claimable"`
}

type priceResponse struct {
	Market      string  `json:"market"`
	FeedID      string  `json:"feed_id"`
	Price       float64 `json:"price"`
	Slot        int64   `json:"slot"`
	PublishTime int64   `json:"publish_time"`
	Source      string  `json:"source"`
}

type candlesResponse struct {
	Market      string                 `json:"market"`
	Timeframe   string                 `json:"timeframe"`
	IntervalSec int64                  `json:"interval_sec"`
	Candles     []indexer.CandleRecord `json:"candles"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{OK: true}
	state, err := s.store.GetSyncState(r.Context())
	switch {
	case err == nil:
		response.LastSlot = state.LastSlot
		response.SyncedAt = state.UpdatedAt
	case !errors.Is(err, indexer.ErrNotFound):
		s.logger.Error("get sync state failed", "err", err)
		s.respondJSON(w, http.StatusServiceUnavailable, healthResponse{OK: false})
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Service) handleGame(w http.ResponseWriter, r *http.Request) {
	game, err := s.store.GetGame(r.Context())
	if err != nil {
		s.respondLookupError(w, err, "game not initialized", "load game")
		return
	}
	s.respondJSON(w, http.StatusOK, game)
}

func (s *Service) handleRounds(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case "", "open", "locked", "settled":
	default:
		s.respondError(w, http.StatusBadRequest, "status must be one of open, locked, settled")
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListRounds(r.Context(), indexer.RoundFilter{
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("list rounds failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list rounds")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.RoundRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleRound(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	var (
		round indexer.RoundRecord
		err   error
	)
	if raw == "latest" {
		round, err = s.store.GetLatestRound(r.Context())
	} else {
		roundID, parseErr := strconv.ParseUint(raw, 10, 64)
		if parseErr != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid round id %q", raw))
			return
		}
		round, err = s.store.GetRound(r.Context(), roundID)
	}
	if err != nil {
		s.respondLookupError(w, err, "round not found", "load round", "round", raw)
		return
	}

	response := roundDetailResponse{RoundRecord: round}
	if round.Status == "settled" {
		feeBps, err := s.feeBps(r.Context())
		if err != nil {
			s.logger.Error("load fee for payouts failed", "round", round.RoundID, "err", err)
			s.respondError(w, http.StatusInternalServerError, "failed to load game")
			return
		}
		payouts, err := roundPayouts(round, feeBps)
		if err != nil {
			s.logger.Error("compute payouts failed", "round", round.RoundID, "err", err)
			s.respondError(w, http.StatusInternalServerError, "failed to compute payouts")
			return
		}
		response.Payouts = payouts
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Service) handlePlayer(w http.ResponseWriter, r *http.Request) {
	wallet := strings.TrimSpace(r.PathValue("wallet"))
	limit, err := parseOptionalInt(r, "limit", 20)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	player, err := s.store.GetPlayer(r.Context(), wallet)
	if err != nil {
		s.respondLookupError(w, err, "player not registered", "load player", "wallet", wallet)
		return
	}

	bets, err := s.store.ListWalletBets(r.Context(), wallet, true, limit)
	if err != nil {
		s.logger.Error("list wallet bets failed", "wallet", wallet, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load bets")
		return
	}
	feeBps, err := s.feeBps(r.Context())
	if err != nil {
		s.logger.Error("load fee for claimable rounds failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load game")
		return
	}
	claimable, err := claimableRounds(bets, feeBps)
	if err != nil {
		s.logger.Error("compute claimable rounds failed", "wallet", wallet, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to compute payouts")
		return
	}

	s.respondJSON(w, http.StatusOK, playerResponse{PlayerRecord: player, Claimable: claimable})
}

func (s *Service) handleLatestPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.latestPrice(r.Context(), r.URL.Query().Get("market"))
	if err != nil {
		s.respondLookupError(w, err, "no price recorded", "load price")
		return
	}
	s.respondJSON(w, http.StatusOK, price)
}

func (s *Service) handleCandles(w http.ResponseWriter, r *http.Request) {
	market := indexer.NormalizeMarketSymbol(r.URL.Query().Get("market"))
	if market == "" {
		market = indexer.DefaultMarketSymbol
	}
	timeframe, intervalSec, err := parseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseOptionalInt(r, "limit", 120)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	candles, err := s.store.GetMarketCandles(r.Context(), market, intervalSec, limit)
	if err != nil {
		s.logger.Error("get market candles failed", "market", market, "timeframe", timeframe, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load candles")
		return
	}

	s.respondJSON(w, http.StatusOK, candlesResponse{
		Market:      market,
		Timeframe:   timeframe,
		IntervalSec: intervalSec,
		Candles:     candles,
	})
}

// latestPrice prefers the redis hash for the configured feed and falls back
// to the newest stored tick.
func (s *Service) latestPrice(ctx context.Context, rawMarket string) (priceResponse, error) {
	market := indexer.NormalizeMarketSymbol(rawMarket)
	if market == "" {
		market = indexer.DefaultMarketSymbol
	}

	if s.cache != nil && market == indexer.DefaultMarketSymbol && s.cfg.PriceFeedID != "" {
		snap, err := s.cache.GetLatestPrice(ctx, s.cfg.PriceFeedID)
		switch {
		case err == nil:
			return priceResponse{
				Market:      market,
				FeedID:      snap.FeedID,
				Price:       snap.Price,
				Slot:        int64(snap.Slot),
				PublishTime: snap.PublishedAt.Unix(),
				Source:      "cache",
			}, nil
		case !errors.Is(err, rediscache.ErrCacheMiss):
			s.logger.Warn("price cache read failed; using store", "err", err)
		}
	}

	record, err := s.store.GetLatestMarketPrice(ctx, market)
	if err != nil {
		return priceResponse{}, err
	}
	return priceResponse{
		Market:      record.Market,
		FeedID:      record.FeedID,
		Price:       record.Price,
		Slot:        record.Slot,
		PublishTime: record.PublishTime,
		Source:      "store",
	}, nil
}

// currentRound prefers the live snapshot cached by the indexer.
func (s *Service) currentRound(ctx context.Context) (indexer.RoundRecord, error) {
	if s.cache != nil {
		snap, err := s.cache.GetCurrent(ctx)
		switch {
		case err == nil:
			return roundFromSnapshot(*snap), nil
		case !errors.Is(err, rediscache.ErrCacheMiss):
			s.logger.Warn("round cache read failed; using store", "err", err)
		}
	}
	return s.store.GetLatestRound(ctx)
}

func (s *Service) feeBps(ctx context.Context) (uint16, error) {
	game, err := s.store.GetGame(ctx)
	if err != nil {
		return 0, err
	}
	return game.FeeBps, nil
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

// candleTimeframes are the chart resolutions served, each with its accepted
// spellings.
var candleTimeframes = []struct {
	label   string
	seconds int64
	aliases []string
}{
	{"1m", 60, []string{"", "1", "1min"}},
	{"5m", 5 * 60, []string{"5", "5min"}},
	{"15m", 15 * 60, []string{"15", "15min"}},
	{"1h", 60 * 60, []string{"60m", "60min"}},
}

func parseTimeframe(raw string) (string, int64, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for _, tf := range candleTimeframes {
		if raw == tf.label || slices.Contains(tf.aliases, raw) {
			return tf.label, tf.seconds, nil
		}
	}
	return "", 0, errors.New("timeframe must be one of 1m, 5m, 15m, 1h")
}

// respondLookupError answers 404 with notFound for indexer.ErrNotFound and
// logs anything else as a failed op before answering 500.
func (s *Service) respondLookupError(w http.ResponseWriter, err error, notFound, op string, attrs ...any) {
	if errors.Is(err, indexer.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, notFound)
		return
	}
	s.logger.Error(op+" failed", append(attrs, "err", err)...)
	s.respondError(w, http.StatusInternalServerError, "failed to "+op)
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
