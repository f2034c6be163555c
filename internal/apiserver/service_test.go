package apiserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	rediscache "github.com/Uttam-Singhh/TikShot/internal/cache/redis"
	"github.com/Uttam-Singhh/TikShot/internal/config"
	"github.com/Uttam-Singhh/TikShot/internal/indexer"
)

const (
	walletA = "4Nd1mYQzvWdn6ZpN7sYhm3kJ5VbGw1sS2bwW7q3nYFQp"
	walletB = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
)

type fakeStore struct {
	sync       *indexer.SyncState
	game       *indexer.GameRecord
	rounds     map[uint64]indexer.RoundRecord
	players    map[string]indexer.PlayerRecord
	walletBets []indexer.WalletBet
	price      *indexer.MarketPriceRecord
	lastFilter indexer.RoundFilter
}

func (f *fakeStore) GetGame(ctx context.Context) (indexer.GameRecord, error) {
	if f.game == nil {
		return indexer.GameRecord{}, indexer.ErrNotFound
	}
	return *f.game, nil
}

func (f *fakeStore) GetSyncState(ctx context.Context) (indexer.SyncState, error) {
	if f.sync == nil {
		return indexer.SyncState{}, indexer.ErrNotFound
	}
	return *f.sync, nil
}

func (f *fakeStore) ListRounds(ctx context.Context, filter indexer.RoundFilter) ([]indexer.RoundRecord, int, int, error) {
	f.lastFilter = filter
	items := make([]indexer.RoundRecord, 0, len(f.rounds))
	for _, round := range f.rounds {
		if filter.Status != "" && round.Status != filter.Status {
			continue
		}
		items = append(items, round)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	return items, limit, filter.Offset, nil
}

func (f *fakeStore) GetRound(ctx context.Context, roundID uint64) (indexer.RoundRecord, error) {
	round, ok := f.rounds[roundID]
	if !ok {
		return indexer.RoundRecord{}, indexer.ErrNotFound
	}
	return round, nil
}

func (f *fakeStore) GetLatestRound(ctx context.Context) (indexer.RoundRecord, error) {
	var (
		latest indexer.RoundRecord
		found  bool
	)
	for id, round := range f.rounds {
		if !found || id > latest.RoundID {
			latest, found = round, true
		}
	}
	if !found {
		return indexer.RoundRecord{}, indexer.ErrNotFound
	}
	return latest, nil
}

func (f *fakeStore) GetPlayer(ctx context.Context, wallet string) (indexer.PlayerRecord, error) {
	player, ok := f.players[wallet]
	if !ok {
		return indexer.PlayerRecord{}, indexer.ErrNotFound
	}
	return player, nil
}

func (f *fakeStore) ListWalletBets(ctx context.Context, wallet string, settledOnly bool, limit int) ([]indexer.WalletBet, error) {
	out := make([]indexer.WalletBet, 0, len(f.walletBets))
	for _, item := range f.walletBets {
		if item.Bet.Wallet != wallet {
			continue
		}
		if settledOnly && item.Round.Status != "settled" {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (f *fakeStore) GetLatestMarketPrice(ctx context.Context, market string) (indexer.MarketPriceRecord, error) {
	if f.price == nil {
		return indexer.MarketPriceRecord{}, indexer.ErrNotFound
	}
	return *f.price, nil
}

func (f *fakeStore) GetMarketCandles(ctx context.Context, market string, intervalSec int64, limit int) ([]indexer.CandleRecord, error) {
	return []indexer.CandleRecord{{TS: 60, Open: 1, High: 2, Low: 1, Close: 2}}, nil
}

type fakeCache struct {
	current *rediscache.RoundSnapshot
	price   *rediscache.PriceSnapshot
}

func (f *fakeCache) GetCurrent(ctx context.Context) (*rediscache.RoundSnapshot, error) {
	if f.current == nil {
		return nil, rediscache.ErrCacheMiss
	}
	return f.current, nil
}

func (f *fakeCache) GetLatestPrice(ctx context.Context, feedID string) (*rediscache.PriceSnapshot, error) {
	if f.price == nil || f.price.FeedID != feedID {
		return nil, rediscache.ErrCacheMiss
	}
	return f.price, nil
}

func settledRound(id uint64) indexer.RoundRecord {
	return indexer.RoundRecord{
		RoundID:   id,
		Status:    "settled",
		Result:    "up",
		TotalUp:   100,
		TotalDown: 50,
		NumBets:   2,
		Bets: []indexer.BetRecord{
			{SlotIndex: 0, Wallet: walletA, UpAmount: 100},
			{SlotIndex: 1, Wallet: walletB, DownAmount: 50},
		},
	}
}

func newTestService(t *testing.T, store *fakeStore, cache SnapshotCache) *Service {
	t.Helper()
	cfg := config.APIServerConfig{
		AllowedOrigins: []string{"https://app.tikshot.xyz"},
		PushInterval:   10 * time.Millisecond,
		PriceFeedID:    "feed",
	}
	svc, err := New(cfg, Deps{Store: store, Cache: cache}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func get(t *testing.T, handler http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestRoundDetailIncludesPayoutsOnceSettled(t *testing.T) {
	open := indexer.RoundRecord{RoundID: 8, Status: "open", Result: "pending", TotalUp: 10, NumBets: 1,
		Bets: []indexer.BetRecord{{SlotIndex: 0, Wallet: walletA, UpAmount: 10}}}
	store := &fakeStore{
		game:   &indexer.GameRecord{FeeBps: 100, RoundCount: 9},
		rounds: map[uint64]indexer.RoundRecord{7: settledRound(7), 8: open},
	}
	handler := newTestService(t, store, nil).Handler()

	var settled roundDetailResponse
	if code := get(t, handler, "/api/v1/rounds/7", &settled); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	// pool 150, fee floor(1.5) = 1, the single up bettor takes the rest.
	if len(settled.Payouts) != 2 || settled.Payouts[0] != 149 || settled.Payouts[1] != 0 {
		t.Fatalf("payouts = %v, want [149 0]", settled.Payouts)
	}

	var pending roundDetailResponse
	if code := get(t, handler, "/api/v1/rounds/latest", &pending); code != http.StatusOK {
		t.Fatalf("latest status = %d", code)
	}
	if pending.RoundID != 8 || pending.Payouts != nil {
		t.Fatalf("latest = %+v", pending)
	}
}

func TestRoundLookupErrors(t *testing.T) {
	handler := newTestService(t, &fakeStore{rounds: map[uint64]indexer.RoundRecord{}}, nil).Handler()

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/rounds/42", http.StatusNotFound},
		{"/api/v1/rounds/abc", http.StatusBadRequest},
		{"/api/v1/rounds?status=cancelled", http.StatusBadRequest},
		{"/api/v1/rounds?limit=x", http.StatusBadRequest},
		{"/api/v1/game", http.StatusNotFound},
		{"/api/v1/players/" + walletA, http.StatusNotFound},
		{"/api/v1/prices/latest", http.StatusNotFound},
		{"/api/v1/prices/candles?timeframe=3w", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if code := get(t, handler, tt.path, nil); code != tt.want {
				t.Fatalf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestListRoundsPassesFilter(t *testing.T) {
	store := &fakeStore{rounds: map[uint64]indexer.RoundRecord{7: settledRound(7)}}
	handler := newTestService(t, store, nil).Handler()

	var resp listResponse[indexer.RoundRecord]
	if code := get(t, handler, "/api/v1/rounds?status=Settled&limit=5&offset=2", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if store.lastFilter.Status != "settled" || store.lastFilter.Limit != 5 || store.lastFilter.Offset != 2 {
		t.Fatalf("filter = %+v", store.lastFilter)
	}
	if len(resp.Items) != 1 || resp.Limit != 5 || resp.Offset != 2 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestPlayerListsClaimableRounds(t *testing.T) {
	claimedRound := settledRound(6)
	lostRound := settledRound(5)
	lostRound.Result = "down"
	tieRound := settledRound(4)
	tieRound.Result = "tie"

	store := &fakeStore{
		game:    &indexer.GameRecord{FeeBps: 100},
		players: map[string]indexer.PlayerRecord{walletA: {Owner: walletA, Credits: 900}},
		walletBets: []indexer.WalletBet{
			{Round: settledRound(7), Bet: indexer.BetRecord{Wallet: walletA, UpAmount: 100}},
			{Round: claimedRound, Bet: indexer.BetRecord{Wallet: walletA, UpAmount: 100, Claimed: true}},
			{Round: lostRound, Bet: indexer.BetRecord{Wallet: walletA, UpAmount: 100}},
			{Round: tieRound, Bet: indexer.BetRecord{Wallet: walletA, UpAmount: 100}},
		},
	}
	handler := newTestService(t, store, nil).Handler()

	var resp playerResponse
	if code := get(t, handler, "/api/v1/players/"+walletA, &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Credits != 900 {
		t.Fatalf("credits = %d", resp.Credits)
	}
	if len(resp.Claimable) != 2 {
		t.Fatalf("claimable = %+v, want rounds 7 and 4", resp.Claimable)
	}
	if resp.Claimable[0].RoundID != 7 || resp.Claimable[0].Payout != 149 {
		t.Fatalf("winner = %+v", resp.Claimable[0])
	}
	if resp.Claimable[1].RoundID != 4 || resp.Claimable[1].Payout != 100 {
		t.Fatalf("tie refund = %+v", resp.Claimable[1])
	}
}

func TestLatestPricePrefersCache(t *testing.T) {
	store := &fakeStore{price: &indexer.MarketPriceRecord{Market: "SOLUSD", FeedID: "feed", Price: 150.5, PublishTime: 100}}
	cache := &fakeCache{price: &rediscache.PriceSnapshot{FeedID: "feed", Price: 151.25, Slot: 9, PublishedAt: time.Unix(200, 0)}}

	var fromCache priceResponse
	if code := get(t, newTestService(t, store, cache).Handler(), "/api/v1/prices/latest", &fromCache); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if fromCache.Source != "cache" || fromCache.Price != 151.25 || fromCache.PublishTime != 200 {
		t.Fatalf("cached price = %+v", fromCache)
	}

	var fromStore priceResponse
	if code := get(t, newTestService(t, store, &fakeCache{}).Handler(), "/api/v1/prices/latest", &fromStore); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if fromStore.Source != "store" || fromStore.Price != 150.5 {
		t.Fatalf("stored price = %+v", fromStore)
	}
}

func TestCurrentRoundPrefersCache(t *testing.T) {
	store := &fakeStore{rounds: map[uint64]indexer.RoundRecord{7: settledRound(7)}}
	cache := &fakeCache{current: &rediscache.RoundSnapshot{
		RoundID: 8,
		Status:  "open",
		Result:  "pending",
		TotalUp: 10,
		Bets:    []rediscache.BetSnapshot{{Wallet: walletA, UpAmount: 10}, {DownAmount: 3}},
		Source:  "ephemeral",
	}}

	round, err := newTestService(t, store, cache).currentRound(context.Background())
	if err != nil {
		t.Fatalf("currentRound: %v", err)
	}
	if round.RoundID != 8 || round.Source != "ephemeral" || round.NumBets != 2 {
		t.Fatalf("round = %+v", round)
	}
	if round.Bets[0].Claimed || !round.Bets[1].Claimed {
		t.Fatalf("bets = %+v", round.Bets)
	}

	round, err = newTestService(t, store, &fakeCache{}).currentRound(context.Background())
	if err != nil || round.RoundID != 7 {
		t.Fatalf("fallback round = %+v, err = %v", round, err)
	}
}

func TestHealthReportsSyncState(t *testing.T) {
	var empty healthResponse
	if code := get(t, newTestService(t, &fakeStore{}, nil).Handler(), "/healthz", &empty); code != http.StatusOK || !empty.OK {
		t.Fatalf("status = %d, body = %+v", code, empty)
	}

	store := &fakeStore{sync: &indexer.SyncState{LastSlot: 777, UpdatedAt: 1_700_000_000}}
	var synced healthResponse
	if code := get(t, newTestService(t, store, nil).Handler(), "/healthz", &synced); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if synced.LastSlot != 777 || synced.SyncedAt != 1_700_000_000 {
		t.Fatalf("health = %+v", synced)
	}
}

func TestCORS(t *testing.T) {
	handler := newTestService(t, &fakeStore{}, nil).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/rounds", nil)
	req.Header.Set("Origin", "https://app.tikshot.xyz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.tikshot.xyz" {
		t.Fatalf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestWebsocketPushesSubscribedChannels(t *testing.T) {
	store := &fakeStore{rounds: map[uint64]indexer.RoundRecord{7: settledRound(7)}}
	svc := newTestService(t, store, nil)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// round.settled is subscribed first; a round.current push proves both
	// subscriptions were processed.
	for _, channel := range []string{channelRoundSettled, channelRoundCurrent} {
		if err := conn.WriteJSON(wsCommand{Type: "subscribe", Channel: channel}); err != nil {
			t.Fatalf("subscribe %s: %v", channel, err)
		}
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	type envelope struct {
		Type    string          `json:"type"`
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	readUntil := func(channel string) indexer.RoundRecord {
		t.Helper()
		for {
			var msg envelope
			if err := conn.ReadJSON(&msg); err != nil {
				t.Fatalf("read waiting for %s: %v", channel, err)
			}
			if msg.Type != "event" || msg.Channel != channel {
				continue
			}
			var round indexer.RoundRecord
			if err := json.Unmarshal(msg.Data, &round); err != nil {
				t.Fatalf("decode %s: %v", channel, err)
			}
			return round
		}
	}

	if current := readUntil(channelRoundCurrent); current.RoundID != 7 {
		t.Fatalf("round.current = %+v", current)
	}

	svc.settled.Broadcast(indexer.RoundRecord{RoundID: 7, Status: "settled", Result: "up"})
	if settled := readUntil(channelRoundSettled); settled.RoundID != 7 || settled.Result != "up" {
		t.Fatalf("round.settled = %+v", settled)
	}
}

func TestWebsocketRejectsUnknownChannel(t *testing.T) {
	svc := newTestService(t, &fakeStore{}, nil)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsCommand{Type: "subscribe", Channel: "orders.book"}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "error" || frame.Channel != "orders.book" {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestValidChannel(t *testing.T) {
	cases := map[string]bool{
		channelRoundCurrent:    true,
		channelRoundSettled:    true,
		channelMarketPrice:     true,
		"market.price.sol-usd": true,
		"market.price./":       false,
		"market.prices":        false,
		"round":                false,
	}
	for channel, want := range cases {
		if got := validChannel(channel); got != want {
			t.Errorf("validChannel(%q) = %v, want %v", channel, got, want)
		}
	}
}

func TestSettledHubDropsSlowClients(t *testing.T) {
	hub := newSettledHub()
	ch, unsubscribe := hub.Subscribe()
	for i := 0; i < 20; i++ {
		hub.Broadcast(indexer.RoundRecord{RoundID: uint64(i)})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffered %d, want %d", len(ch), cap(ch))
	}
	unsubscribe()
	if hub.Len() != 0 {
		t.Fatalf("clients = %d after unsubscribe", hub.Len())
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(config.APIServerConfig{}, Deps{}, nil); err == nil {
		t.Fatal("expected error without a store")
	}
}
