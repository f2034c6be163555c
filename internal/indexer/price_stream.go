package indexer

import (
	"context"
	"time"

	rediscache "github.com/Uttam-Singhh/TikShot/internal/cache/redis"
	"github.com/Uttam-Singhh/TikShot/internal/oracle"
)

func (s *Service) handleTick(ctx context.Context, tick oracle.Tick) error {
	inserted, err := s.store.InsertMarketPriceTick(ctx, MarketPriceTickInput{
		Market:     DefaultMarketSymbol,
		FeedID:     tick.FeedID,
		Slot:       tick.Slot,
		Quote:      tick.Price,
		ReceivedAt: tick.ReceivedAt,
		RawJSON:    tick.RawJSON,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	if s.cache != nil {
		err := s.cache.SetLatestPrice(ctx, rediscache.PriceSnapshot{
			FeedID:      tick.FeedID,
			Price:       tick.Price.Float(),
			Slot:        uint64(tick.Slot),
			PublishedAt: time.Unix(tick.Price.PublishTime, 0).UTC(),
		})
		if err != nil {
			s.logger.Warn("cache latest price failed", "err", err)
		}
	}
	return nil
}
