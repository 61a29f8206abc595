package tenantkey

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// kv is the subset of kvstore.Store this package needs to project a
// tenant key into the hot-path store keyservice reads from.
type kv interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	HSet(ctx context.Context, key string, fields map[string]any) error
	Del(ctx context.Context, keys ...string) error
}

func apikeyHashKey(id string) string { return "apikey:" + id }
func apikeyIndexKey(hash string) string { return "apikey:hash:" + hash }

// provision writes r into the KV store's apikey:{id} hash and the
// apikey:hash:{hash} index, so keyservice.ValidateKey can resolve it on
// the next relay request.
func provision(ctx context.Context, store kv, r row) error {
	fields := map[string]any{
		"name":        r.Name,
		"active":      strconv.FormatBool(r.Active),
		"permissions": r.Permissions,

		"bound_account_ids": joinBindings(r.BoundAccountIDs),

		"token_limit":       strconv.FormatInt(r.TokenLimit, 10),
		"concurrency_limit": strconv.FormatInt(r.ConcurrencyLimit, 10),

		"rate_limit_window_minutes": strconv.FormatInt(r.RateLimitWindowMinutes, 10),
		"rate_limit_requests":       strconv.FormatInt(r.RateLimitRequests, 10),
		"rate_limit_cost":           strconv.FormatInt(r.RateLimitCost, 10),

		"daily_cost_limit":        strconv.FormatInt(r.DailyCostLimit, 10),
		"weekly_opus_cost_limit":  strconv.FormatInt(r.WeeklyOpusCostLimit, 10),

		"restricted_models": strings.Join(r.RestrictedModels, ","),
		"allowed_clients":   strings.Join(r.AllowedClients, ","),
		"tags":              strings.Join(r.Tags, ","),

		"created_at": r.CreatedAt.UTC().Format(time.RFC3339),
	}
	if r.ExpiresAt.Valid {
		fields["expires_at"] = r.ExpiresAt.Time.UTC().Format(time.RFC3339)
	}

	if err := store.HSet(ctx, apikeyHashKey(r.ID.String()), fields); err != nil {
		return fmt.Errorf("tenantkey: writing key hash for %q: %w", r.ID, err)
	}
	if err := store.Set(ctx, apikeyIndexKey(r.KeyHash), r.ID.String(), 0); err != nil {
		return fmt.Errorf("tenantkey: writing hash index for %q: %w", r.ID, err)
	}
	return nil
}

// deprovisionIndex removes the hash index entry so the key can no longer be
// resolved by secret, without touching the apikey:{id} hash (kept for
// any in-flight request already holding the parsed Key).
func deprovisionIndex(ctx context.Context, store kv, keyHash string) error {
	if keyHash == "" {
		return nil
	}
	return store.Del(ctx, apikeyIndexKey(keyHash))
}

// deprovision removes both the hash and the index entry entirely.
func deprovision(ctx context.Context, store kv, id, keyHash string) error {
	keys := []string{apikeyHashKey(id)}
	if keyHash != "" {
		keys = append(keys, apikeyIndexKey(keyHash))
	}
	return store.Del(ctx, keys...)
}

func joinBindings(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}
