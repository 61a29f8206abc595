// Package lock implements the distributed mutex that serializes upstream
// OAuth token refresh per (accountId, platform): keys of the form
// token_refresh_lock:{platform}:{accountId}.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if its stored value matches the
// owner token supplied — a compare-and-delete so a holder that has lost
// the lock to TTL expiry and takeover can't release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// evaler is the subset of kvstore.Store used here, small enough to keep
// this package decoupled and independently testable.
type evaler interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	EvalScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error)
	Get(ctx context.Context, key string) (string, bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Coordinator acquires and releases token-refresh locks.
type Coordinator struct {
	store evaler

	mu     sync.Mutex
	owners map[string]string // lock key -> owner token held locally
}

// New creates a Coordinator backed by store.
func New(store evaler) *Coordinator {
	return &Coordinator{store: store, owners: make(map[string]string)}
}

// Key formats the lock key for a given platform and account.
func Key(platform, accountID string) string {
	return fmt.Sprintf("token_refresh_lock:%s:%s", platform, accountID)
}

// AcquireLock attempts to take the lock for key with the given TTL.
// Returns false, without error, if another holder already has it.
func (c *Coordinator) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token, err := newOwnerToken()
	if err != nil {
		return false, fmt.Errorf("generating lock owner token: %w", err)
	}

	ok, err := c.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return false, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	c.mu.Lock()
	c.owners[key] = token
	c.mu.Unlock()
	return true, nil
}

// ReleaseLock releases key if this process still holds it. A stale
// holder (lost to TTL expiry and takeover by another process) no-ops.
func (c *Coordinator) ReleaseLock(ctx context.Context, key string) error {
	c.mu.Lock()
	token, ok := c.owners[key]
	delete(c.owners, key)
	c.mu.Unlock()

	if !ok {
		return nil
	}

	if _, err := c.store.EvalScript(ctx, releaseScript, []string{key}, token); err != nil {
		return fmt.Errorf("releasing lock %q: %w", key, err)
	}
	return nil
}

// IsLocked reports whether key is currently held by anyone.
func (c *Coordinator) IsLocked(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("checking lock %q: %w", key, err)
	}
	return ok, nil
}

// GetLockTTL returns the remaining TTL on key, or 0 if it doesn't exist.
func (c *Coordinator) GetLockTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.store.TTL(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("reading lock ttl %q: %w", key, err)
	}
	return ttl, nil
}

// Cleanup drops all in-memory owner records without touching Redis; any
// locks still held simply expire on their TTL. The sweeper calls it on
// every lock-sweep tick.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners = make(map[string]string)
}

func newOwnerToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
