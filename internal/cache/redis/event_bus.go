package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

// EventBus announces settled rounds over redis pub/sub. Delivery is
// best-effort: subscribers that are not connected miss the event and are
// expected to catch up from the indexer.
type EventBus struct {
	client *Client
	now    func() time.Time
}

func NewEventBus(c *Client) *EventBus {
	return &EventBus{client: c, now: time.Now}
}

func (b *EventBus) settledChannel() string {
	return b.client.Key("events", "round_settled")
}

func (b *EventBus) PublishRoundSettled(ctx context.Context, round *tikshot.Round) error {
	payload, err := json.Marshal(SnapshotFromRound(round, tikshot.EndpointBase, b.now()))
	if err != nil {
		return fmt.Errorf("redis: encode settled round %d: %w", round.RoundID, err)
	}
	if err := b.client.rdb.Publish(ctx, b.settledChannel(), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish settled round %d: %w", round.RoundID, err)
	}
	return nil
}

// SubscribeRoundSettled returns settled-round snapshots until ctx is done,
// then closes the channel. Malformed payloads are dropped.
func (b *EventBus) SubscribeRoundSettled(ctx context.Context) (<-chan RoundSnapshot, error) {
	channel := b.settledChannel()
	pubsub := b.client.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan RoundSnapshot, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var snap RoundSnapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					continue
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
