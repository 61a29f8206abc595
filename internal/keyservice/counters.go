package keyservice

import (
	"context"
	"fmt"
	"time"
)

// costStore is the subset of kvstore.Store needed for cost counters, kept
// separate from the evaler/kv interfaces since it talks in plain
// increment-and-expire terms rather than scripts or hashes.
type costStore interface {
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

func (s *Service) storeIncrementDailyCost(ctx context.Context, keyID string, microUSD int64, day string) error {
	return incrementCost(ctx, s.costs, "daily_cost:"+keyID+":"+day, microUSD, 48*time.Hour)
}

func (s *Service) incrementWeeklyOpusCost(ctx context.Context, keyID string, microUSD int64, week string) error {
	return incrementCost(ctx, s.costs, "weekly_opus_cost:"+keyID+":"+week, microUSD, 9*24*time.Hour)
}

func incrementCost(ctx context.Context, store costStore, key string, microUSD int64, ttl time.Duration) error {
	if _, err := store.IncrBy(ctx, key, microUSD); err != nil {
		return fmt.Errorf("keyservice: incrementing %q: %w", key, err)
	}
	if err := store.Expire(ctx, key, ttl); err != nil {
		return fmt.Errorf("keyservice: setting ttl on %q: %w", key, err)
	}
	return nil
}
