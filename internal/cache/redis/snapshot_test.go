package redis

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

func TestSnapshotFromRound(t *testing.T) {
	wallet := solana.PublicKey{3}
	round := &tikshot.Round{
		RoundID:    12,
		StartPrice: 100,
		EndPrice:   99,
		PriceExpo:  -8,
		TotalUp:    30,
		TotalDown:  20,
		Status:     tikshot.RoundStatus_Settled,
		Result:     tikshot.RoundResult_Down,
		NumBets:    2,
	}
	round.Bets[0] = tikshot.BetEntry{Player: wallet, UpAmount: 30}
	round.Bets[1] = tikshot.BetEntry{DownAmount: 20}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	snap := SnapshotFromRound(round, tikshot.EndpointEphemeral, at)

	if snap.RoundID != 12 || snap.Status != "settled" || snap.Result != "down" {
		t.Fatalf("unexpected header: %+v", snap)
	}
	if snap.Source != "ephemeral" {
		t.Fatalf("unexpected source %q", snap.Source)
	}
	if !snap.UpdatedAt.Equal(at) || snap.UpdatedAt.Location() != time.UTC {
		t.Fatalf("updated_at should be the same instant in UTC, got %s", snap.UpdatedAt)
	}
	if len(snap.Bets) != 2 {
		t.Fatalf("expected 2 bets, got %d", len(snap.Bets))
	}
	if snap.Bets[0].Wallet != wallet.String() {
		t.Fatalf("unexpected wallet %q", snap.Bets[0].Wallet)
	}
	if snap.Bets[1].Wallet != "" {
		t.Fatalf("claimed entry should have no wallet, got %q", snap.Bets[1].Wallet)
	}
}

func TestClientKey(t *testing.T) {
	cases := []struct {
		prefix string
		want   string
	}{
		{"", "tikshot:round:current"},
		{"dev:", "dev:round:current"},
		{"  stage ", "stage:round:current"},
	}
	for _, tc := range cases {
		c := NewWithClient(nil, tc.prefix)
		if got := c.Key("round", "current"); got != tc.want {
			t.Fatalf("prefix %q: got %q want %q", tc.prefix, got, tc.want)
		}
	}
}
