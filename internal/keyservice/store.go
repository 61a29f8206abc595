package keyservice

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// kv is the subset of kvstore.Store the key store needs, kept narrow so
// this package is independently testable.
type kv interface {
	Get(ctx context.Context, key string) (string, bool, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]any) error
	FindTenantKeyByHashedSecret(ctx context.Context, hashedSecret string) (string, bool, error)
}

// Store reads and writes tenant-key records in the KV store.
type Store struct {
	kv kv
}

// NewStore wraps a kv-store client.
func NewStore(store kv) *Store {
	return &Store{kv: store}
}

func keyHashKey(id string) string { return "apikey:" + id }

// FindByHashedSecret resolves a key id from the hashed-secret index, then
// loads the full record.
func (s *Store) FindByHashedSecret(ctx context.Context, hashedSecret string) (Key, bool, error) {
	id, ok, err := s.kv.FindTenantKeyByHashedSecret(ctx, hashedSecret)
	if err != nil {
		return Key{}, false, fmt.Errorf("keyservice store: resolving hashed secret: %w", err)
	}
	if !ok {
		return Key{}, false, nil
	}
	return s.Get(ctx, id)
}

// Get loads a key record by id.
func (s *Store) Get(ctx context.Context, id string) (Key, bool, error) {
	fields, err := s.kv.HGetAll(ctx, keyHashKey(id))
	if err != nil {
		return Key{}, false, fmt.Errorf("keyservice store: loading key %q: %w", id, err)
	}
	if len(fields) == 0 {
		return Key{}, false, nil
	}
	return parseKey(id, fields), true, nil
}

func parseKey(id string, f map[string]string) Key {
	k := Key{
		ID:              id,
		Name:            f["name"],
		Active:          f["active"] == "true" || f["active"] == "1",
		Permissions:     Permission(orDefault(f["permissions"], string(PermissionAll))),
		BoundAccountIDs: parseBindings(f["bound_account_ids"]),

		TokenLimit:       parseInt(f["token_limit"]),
		ConcurrencyLimit: parseInt(f["concurrency_limit"]),

		RateLimitWindowMinutes: parseInt(f["rate_limit_window_minutes"]),
		RateLimitRequests:      parseInt(f["rate_limit_requests"]),
		RateLimitCost:          parseInt(f["rate_limit_cost"]),

		DailyCostLimit:      parseInt(f["daily_cost_limit"]),
		WeeklyOpusCostLimit: parseInt(f["weekly_opus_cost_limit"]),

		RestrictedModels: parseList(f["restricted_models"]),
		AllowedClients:   parseList(f["allowed_clients"]),
		Tags:             parseList(f["tags"]),
	}

	if ts := f["expires_at"]; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			k.ExpiresAt = &t
		}
	}
	if ts := f["created_at"]; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			k.CreatedAt = t
		}
	}
	if ts := f["last_used_at"]; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			k.LastUsedAt = &t
		}
	}

	return k
}

// parseInt tolerates absence/garbage by defaulting to 0, per spec §3's
// "callers must parse on read and tolerate absence".
func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseList parses a comma-separated scalar with fallback to an empty
// list on parse failure (there is nothing to fail here beyond emptiness,
// but the contract is kept explicit to mirror spec §4.F step 7).
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBindings(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// TouchLastUsed updates only the lastUsedAt field on a key.
func (s *Store) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	if err := s.kv.HSet(ctx, keyHashKey(id), map[string]any{
		"last_used_at": at.UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("keyservice store: touching last_used_at for %q: %w", id, err)
	}
	return nil
}
