package indexer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	rediscache "github.com/Uttam-Singhh/TikShot/internal/cache/redis"
	"github.com/Uttam-Singhh/TikShot/internal/config"
	"github.com/Uttam-Singhh/TikShot/internal/oracle"
	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

var testProgramID = solana.MustPublicKeyFromBase58("33MmuiaGXz9yngFx7kLTEWPmqaALZirSwsNeFF5DJDxX")

type fakeChain struct {
	game      *tikshot.Game
	base      map[uint64]*tikshot.Round
	ephemeral map[uint64]*tikshot.Round
	players   []tikshot.KeyedPlayer
	fetched   []uint64
}

func (f *fakeChain) ProgramID() solana.PublicKey { return testProgramID }

func (f *fakeChain) CurrentSlot(ctx context.Context) (uint64, error) { return 777, nil }

func (f *fakeChain) ScanPlayers(ctx context.Context) ([]tikshot.KeyedPlayer, error) {
	return f.players, nil
}

func (f *fakeChain) FetchGame(ctx context.Context, endpoint tikshot.Endpoint) (*tikshot.Game, error) {
	if f.game == nil {
		return nil, tikshot.ErrAccountNotFound
	}
	return f.game, nil
}

func (f *fakeChain) FetchRound(ctx context.Context, endpoint tikshot.Endpoint, roundID uint64) (*tikshot.Round, error) {
	source := f.base
	if endpoint == tikshot.EndpointEphemeral {
		source = f.ephemeral
	} else {
		f.fetched = append(f.fetched, roundID)
	}
	round, ok := source[roundID]
	if !ok {
		return nil, tikshot.ErrAccountNotFound
	}
	return round, nil
}

func (f *fakeChain) FetchPlayer(ctx context.Context, endpoint tikshot.Endpoint, wallet solana.PublicKey) (*tikshot.Player, error) {
	return nil, tikshot.ErrAccountNotFound
}

type fakeStore struct {
	batches []SyncBatch
	final   map[uint64]bool
	ticks   []MarketPriceTickInput
	pruned  []time.Time
}

func (f *fakeStore) ApplySync(ctx context.Context, batch SyncBatch) error {
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeStore) FinalizedRounds(ctx context.Context, from, to uint64) (map[uint64]bool, error) {
	out := map[uint64]bool{}
	for id := range f.final {
		if id >= from && id <= to {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeStore) InsertMarketPriceTick(ctx context.Context, input MarketPriceTickInput) (bool, error) {
	for _, tick := range f.ticks {
		if tick.FeedID == input.FeedID && tick.Quote.PublishTime == input.Quote.PublishTime {
			return false, nil
		}
	}
	f.ticks = append(f.ticks, input)
	return true, nil
}

func (f *fakeStore) PruneMarketPriceTicks(ctx context.Context, cutoff time.Time) (int64, error) {
	f.pruned = append(f.pruned, cutoff)
	return 3, nil
}

type fakeCache struct {
	rounds []rediscache.RoundSnapshot
	prices []rediscache.PriceSnapshot
}

func (f *fakeCache) SetCurrent(ctx context.Context, snap rediscache.RoundSnapshot) error {
	f.rounds = append(f.rounds, snap)
	return nil
}

func (f *fakeCache) SetLatestPrice(ctx context.Context, snap rediscache.PriceSnapshot) error {
	f.prices = append(f.prices, snap)
	return nil
}

var testNow = time.Unix(1_700_000_000, 0)

func newTestService(t *testing.T, chain *fakeChain, store *fakeStore, cache *fakeCache, recent int) *Service {
	t.Helper()
	deps := Deps{Chain: chain, Store: store, Now: func() time.Time { return testNow }}
	if cache != nil {
		deps.Cache = cache
	}
	svc, err := New(config.IndexerConfig{
		PollInterval:       time.Second,
		RecentRounds:       recent,
		PriceTickRetention: time.Hour,
	}, deps, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestSyncOnceSkipsUninitializedGame(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(t, &fakeChain{}, store, nil, 5)
	if err := svc.syncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(store.batches) != 0 {
		t.Fatalf("expected no batch before game exists")
	}
}

func TestSyncOnceCollectsRounds(t *testing.T) {
	wallet := solana.PublicKey{4}
	chain := &fakeChain{
		game: &tikshot.Game{FeeBps: 100, RoundCount: 6},
		base: map[uint64]*tikshot.Round{
			5: {RoundID: 5, Status: tikshot.RoundStatus_Open},
			4: {RoundID: 4, Status: tikshot.RoundStatus_Settled, Result: tikshot.RoundResult_Up},
			3: {RoundID: 3, Status: tikshot.RoundStatus_Settled, Result: tikshot.RoundResult_Down},
			2: {RoundID: 2, Status: tikshot.RoundStatus_Settled, Result: tikshot.RoundResult_Tie},
		},
		ephemeral: map[uint64]*tikshot.Round{
			5: {RoundID: 5, Status: tikshot.RoundStatus_Open, TotalUp: 10, NumBets: 1,
				Bets: [tikshot.MaxPlayers]tikshot.BetEntry{{Player: wallet, UpAmount: 10}}},
		},
		players: []tikshot.KeyedPlayer{{Pubkey: solana.PublicKey{9}, Player: &tikshot.Player{Owner: wallet, Credits: 990}}},
	}
	store := &fakeStore{final: map[uint64]bool{3: true}}
	cache := &fakeCache{}
	svc := newTestService(t, chain, store, cache, 3)

	if err := svc.syncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(store.batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(store.batches))
	}
	batch := store.batches[0]
	if batch.Slot != 777 || batch.Game.RoundCount != 6 {
		t.Fatalf("unexpected batch header: slot %d game %+v", batch.Slot, batch.Game)
	}

	// live round from the rollup, then 4 and 2 from base; 3 is finalized
	var ids []uint64
	for _, item := range batch.Rounds {
		ids = append(ids, item.Round.RoundID)
	}
	want := []uint64{5, 4, 2}
	if len(ids) != len(want) {
		t.Fatalf("unexpected rounds %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("unexpected rounds %v want %v", ids, want)
		}
	}
	if batch.Rounds[0].Source != tikshot.EndpointEphemeral || batch.Rounds[0].Round.TotalUp != 10 {
		t.Fatalf("live round should come from the ephemeral endpoint: %+v", batch.Rounds[0])
	}
	expectedPDA, _, _ := tikshot.DeriveRoundPDA(testProgramID, 5)
	if !batch.Rounds[0].Pubkey.Equals(expectedPDA) {
		t.Fatalf("unexpected round pubkey %s", batch.Rounds[0].Pubkey)
	}
	for _, id := range chain.fetched {
		if id == 3 {
			t.Fatalf("finalized round 3 should not be fetched")
		}
	}
	if len(batch.Players) != 1 {
		t.Fatalf("expected one player, got %d", len(batch.Players))
	}

	if len(cache.rounds) != 1 || cache.rounds[0].RoundID != 5 || cache.rounds[0].Source != "ephemeral" {
		t.Fatalf("unexpected cached snapshot: %+v", cache.rounds)
	}
}

func TestSyncOnceFirstRound(t *testing.T) {
	chain := &fakeChain{
		game: &tikshot.Game{RoundCount: 1},
		base: map[uint64]*tikshot.Round{0: {RoundID: 0, Status: tikshot.RoundStatus_Locked}},
	}
	store := &fakeStore{}
	svc := newTestService(t, chain, store, nil, 10)
	if err := svc.syncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	rounds := store.batches[0].Rounds
	if len(rounds) != 1 || rounds[0].Source != tikshot.EndpointBase {
		t.Fatalf("expected round 0 from base fallback, got %+v", rounds)
	}
}

func TestHandleTickStoresAndCaches(t *testing.T) {
	store := &fakeStore{}
	cache := &fakeCache{}
	svc := newTestService(t, &fakeChain{}, store, cache, 0)

	tick := oracle.Tick{
		FeedID:     "ef0d",
		Slot:       42,
		Price:      oracle.PriceSnapshot{Price: 15_012_345_678, Conf: 1_000_000, Expo: -8, PublishTime: 1_700_000_000},
		ReceivedAt: testNow,
	}
	for i := 0; i < 2; i++ {
		if err := svc.handleTick(context.Background(), tick); err != nil {
			t.Fatalf("handle tick: %v", err)
		}
	}
	if len(store.ticks) != 1 {
		t.Fatalf("expected one stored tick, got %d", len(store.ticks))
	}
	if got := store.ticks[0].Quote.Float(); got < 150.12 || got > 150.13 {
		t.Fatalf("unexpected scaled price %f", got)
	}
	if store.ticks[0].Market != DefaultMarketSymbol {
		t.Fatalf("unexpected market %q", store.ticks[0].Market)
	}
	if len(cache.prices) != 1 {
		t.Fatalf("duplicate tick should not refresh the cache, got %d writes", len(cache.prices))
	}
}

func TestPruneTicksUsesRetention(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(t, &fakeChain{}, store, nil, 0)
	svc.pruneTicks(context.Background())
	if len(store.pruned) != 1 || !store.pruned[0].Equal(testNow.Add(-time.Hour)) {
		t.Fatalf("unexpected prune cutoff %v", store.pruned)
	}
}

func TestNewValidatesDeps(t *testing.T) {
	if _, err := New(config.IndexerConfig{}, Deps{}, nil); err == nil {
		t.Fatalf("expected error without chain and store")
	}
	_, err := New(config.IndexerConfig{EnablePriceStream: true}, Deps{Chain: &fakeChain{}, Store: &fakeStore{}}, nil)
	if err == nil {
		t.Fatalf("expected error when the stream has no source")
	}
}
