package keyservice

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript atomically advances the rate-limit window: if the window
// has elapsed, it resets start to now and counters to the supplied
// deltas; otherwise it increments in place. Avoids the split-brain spec
// §4.F calls out where two concurrent increments straddling a window
// boundary would otherwise both "win" the reset.
var windowScript = redis.NewScript(`
local start = tonumber(redis.call("GET", KEYS[1]) or "0")
local now = tonumber(ARGV[1])
local windowSeconds = tonumber(ARGV[2])

if start == 0 or (now - start) >= windowSeconds then
	start = now
	redis.call("SET", KEYS[1], start)
	redis.call("SET", KEYS[2], ARGV[3])
	redis.call("SET", KEYS[3], ARGV[4])
	redis.call("SET", KEYS[4], ARGV[5])
else
	redis.call("INCRBY", KEYS[2], ARGV[3])
	redis.call("INCRBY", KEYS[3], ARGV[4])
	redis.call("INCRBY", KEYS[4], ARGV[5])
end

local ttl = windowSeconds * 2
redis.call("EXPIRE", KEYS[1], ttl)
redis.call("EXPIRE", KEYS[2], ttl)
redis.call("EXPIRE", KEYS[3], ttl)
redis.call("EXPIRE", KEYS[4], ttl)

return {redis.call("GET", KEYS[2]), redis.call("GET", KEYS[3]), redis.call("GET", KEYS[4])}
`)

// evaler is the subset of kvstore.Store the rate limiter needs.
type evaler interface {
	EvalScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error)
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
}

// RateLimiter enforces the per-key window and concurrency limits.
type RateLimiter struct {
	store evaler
}

// NewRateLimiter wraps a kv-store client.
func NewRateLimiter(store evaler) *RateLimiter {
	return &RateLimiter{store: store}
}

// WindowUsage is the current window's accumulated request/token/cost
// counts, after applying reqDelta/tokenDelta/costDelta.
type WindowUsage struct {
	Requests int64
	Tokens   int64
	Cost     int64
}

// Advance applies deltas to key's rate-limit window, resetting the window
// first if it has elapsed.
func (r *RateLimiter) Advance(ctx context.Context, keyID string, windowMinutes int64, reqDelta, tokenDelta, costDelta int64) (WindowUsage, error) {
	windowSeconds := windowMinutes * 60
	if windowSeconds <= 0 {
		windowSeconds = 60
	}

	keys := []string{
		"rate_limit:window_start:" + keyID,
		"rate_limit:requests:" + keyID,
		"rate_limit:tokens:" + keyID,
		"rate_limit:cost:" + keyID,
	}

	res, err := r.store.EvalScript(ctx, windowScript, keys,
		time.Now().Unix(), windowSeconds, reqDelta, tokenDelta, costDelta)
	if err != nil {
		return WindowUsage{}, fmt.Errorf("keyservice ratelimit: advancing window for %q: %w", keyID, err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return WindowUsage{}, fmt.Errorf("keyservice ratelimit: unexpected script result for %q", keyID)
	}

	return WindowUsage{
		Requests: toInt64(vals[0]),
		Tokens:   toInt64(vals[1]),
		Cost:     toInt64(vals[2]),
	}, nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

// IncrConcurrency atomically increments key's in-flight counter, returning
// the new value.
func (r *RateLimiter) IncrConcurrency(ctx context.Context, keyID string) (int64, error) {
	v, err := r.store.Incr(ctx, "concurrency:"+keyID)
	if err != nil {
		return 0, fmt.Errorf("keyservice ratelimit: incrementing concurrency for %q: %w", keyID, err)
	}
	return v, nil
}

// DecrConcurrency atomically decrements key's in-flight counter. Called
// on request completion, regardless of outcome.
func (r *RateLimiter) DecrConcurrency(ctx context.Context, keyID string) error {
	if _, err := r.store.IncrBy(ctx, "concurrency:"+keyID, -1); err != nil {
		return fmt.Errorf("keyservice ratelimit: decrementing concurrency for %q: %w", keyID, err)
	}
	return nil
}
