package oracle

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, url string, feed [32]byte) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		HermesURL:      url,
		FeedID:         hex.EncodeToString(feed[:]),
		ReconnectDelay: 10 * time.Millisecond,
	}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestLatest(t *testing.T) {
	blob, msg := buildTestBlob(t, 7)
	feedHex := hex.EncodeToString(msg.FeedID[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != latestPath {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("ids[]"); got != feedHex {
			t.Errorf("ids[] = %q, want %q", got, feedHex)
		}
		fmt.Fprintf(w, `{"binary":{"encoding":"base64","data":[%q]},"parsed":[{"id":%q,"price":{"price":"15012345678","conf":"7000000","expo":-8,"publish_time":1700000100},"ema_price":{"price":"15000000000","conf":"6000000","expo":-8,"publish_time":1700000100},"metadata":{"slot":987}}]}`,
			base64.StdEncoding.EncodeToString(blob), feedHex)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, msg.FeedID)
	update, err := c.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if update.Price.Price != msg.Price || update.Price.Expo != -8 || update.Slot != 987 {
		t.Errorf("update = %+v", update)
	}
	if got := update.Price.Float(); got < 150.12 || got > 150.13 {
		t.Errorf("Float() = %f", got)
	}

	att, err := c.LatestAttestation(context.Background(), DefaultMaxSignatures)
	if err != nil {
		t.Fatalf("LatestAttestation: %v", err)
	}
	if att.Price.Price != msg.Price {
		t.Errorf("attested price = %d, want %d", att.Price.Price, msg.Price)
	}
}

func TestLatestUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"empty binary", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"binary":{"encoding":"base64","data":[]},"parsed":[]}`)
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := newTestClient(t, srv.URL, testFeedID(0xef))
			_, err := c.Latest(context.Background())
			if !errors.Is(err, ErrOracleUnavailable) {
				t.Errorf("got %v, want ErrOracleUnavailable", err)
			}
		})
	}
}

func TestStreamDeliversTicks(t *testing.T) {
	feed := testFeedID(0xef)
	feedHex := hex.EncodeToString(feed[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"parsed\":[{\"id\":%q,\"price\":{\"price\":\"15000000000\",\"conf\":\"1\",\"expo\":-8,\"publish_time\":1700000000},\"metadata\":{\"slot\":5}}]}\n\n", feedHex)
		fmt.Fprint(w, "data: {\"parsed\":[{\"id\":\"00\",\"price\":{\"price\":\"1\",\"expo\":0,\"publish_time\":1}}]}\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, feed)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ticks []Tick
	err := c.Stream(ctx, func(ctx context.Context, tick Tick) error {
		ticks = append(ticks, tick)
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Stream returned %v, want context.Canceled", err)
	}
	if len(ticks) != 1 {
		t.Fatalf("got %d ticks, want 1", len(ticks))
	}
	if ticks[0].Price.Price != 15_000_000_000 || ticks[0].Slot != 5 || ticks[0].FeedID != feedHex {
		t.Errorf("tick = %+v", ticks[0])
	}
}
