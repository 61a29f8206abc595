// Package kvstore is a typed wrapper over Redis exposing the primitives
// the hot path needs: get/set with TTL, atomic increments, an atomic
// compare-and-delete script (the basis for lock release and window
// resets), and the handful of domain-shaped lookups the rest of the
// system builds on.
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps a redis.Client with the operations components A–I need.
type Store struct {
	rdb *redis.Client
}

// New wraps an already-connected Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Get returns the string value at key, or ("", false, nil) if absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore get %q: %w", key, err)
	}
	return v, true, nil
}

// Set stores value at key. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore set %q: %w", key, err)
	}
	return nil
}

// SetNX sets key to value only if it does not already exist, with ttl.
// Returns true if the key was set by this call.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kvstore setnx %q: %w", key, err)
	}
	return ok, nil
}

// Incr increments key by 1, returning the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.IncrBy(ctx, key, 1)
}

// IncrBy increments key by delta, returning the new value.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := s.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore incrby %q: %w", key, err)
	}
	return v, nil
}

// TTL returns the remaining time-to-live on key, or 0 if it has none or
// does not exist.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore ttl %q: %w", key, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore expire %q: %w", key, err)
	}
	return nil
}

// Del removes one or more keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kvstore del: %w", err)
	}
	return nil
}

// KeysByPattern returns all keys matching a glob pattern. Uses SCAN so it
// never blocks the server the way KEYS would; it is still too slow for
// the hot path.
func (s *Store) KeysByPattern(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kvstore scan %q: %w", pattern, err)
	}
	return keys, nil
}

// EvalScript runs a Lua script atomically, returning its raw result.
func (s *Store) EvalScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	v, err := script.Run(ctx, s.rdb, keys, args...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("kvstore eval: %w", err)
	}
	return v, nil
}

// HGet reads a single hash field.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore hget %q/%q: %w", key, field, err)
	}
	return v, true, nil
}

// HGetAll reads every field of a hash.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore hgetall %q: %w", key, err)
	}
	return m, nil
}

// HSet writes a set of hash fields in one round trip.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("kvstore hset %q: %w", key, err)
	}
	return nil
}

// Pipeline gives direct access to the underlying client for a pipelined
// batch of ops the generic wrapper above doesn't model.
func (s *Store) Pipeline() redis.Pipeliner {
	return s.rdb.Pipeline()
}

// --- domain helpers named directly in spec §4.A ---

const tenantKeyHashIndexPrefix = "apikey:hash:"

// FindTenantKeyByHashedSecret resolves a tenant key's id from the
// hashed-secret index, the sole lookup path into the key store.
func (s *Store) FindTenantKeyByHashedSecret(ctx context.Context, hashedSecret string) (string, bool, error) {
	return s.Get(ctx, tenantKeyHashIndexPrefix+hashedSecret)
}

// IncrementTokenUsage adds to a key's total and per-model token counters.
func (s *Store) IncrementTokenUsage(ctx context.Context, keyID, model string, tokens int64) error {
	pipe := s.rdb.Pipeline()
	pipe.IncrBy(ctx, fmt.Sprintf("usage:%s:total", keyID), tokens)
	pipe.IncrBy(ctx, fmt.Sprintf("usage:%s:model:%s", keyID, model), tokens)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kvstore incrementTokenUsage: %w", err)
	}
	return nil
}

// IncrementDailyCost adds microUSD to a key's cost counter for today (UTC),
// creating it with a 48h TTL so stale day buckets self-expire.
func (s *Store) IncrementDailyCost(ctx context.Context, keyID string, microUSD int64, day string) error {
	key := fmt.Sprintf("daily_cost:%s:%s", keyID, day)
	pipe := s.rdb.Pipeline()
	incr := pipe.IncrBy(ctx, key, microUSD)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kvstore incrementDailyCost: %w", err)
	}
	_ = incr
	return nil
}
