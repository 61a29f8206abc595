package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// kv is the subset of kvstore.Store the scheduler needs.
type kv interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]any) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Store persists account records, the platform index, sticky-session
// mappings, and the 401/5xx failure counters.
type Store struct {
	kv kv

	unauthorizedTTL time.Duration
	tempErrorTTL    time.Duration
}

// StoreConfig configures the counter TTLs.
type StoreConfig struct {
	UnauthorizedCounterTTL time.Duration
	TempErrorCounterTTL    time.Duration
}

// NewStore wraps a kv-store client.
func NewStore(store kv, cfg StoreConfig) *Store {
	if cfg.UnauthorizedCounterTTL <= 0 {
		cfg.UnauthorizedCounterTTL = 5 * time.Minute
	}
	if cfg.TempErrorCounterTTL <= 0 {
		cfg.TempErrorCounterTTL = 5 * time.Minute
	}
	return &Store{kv: store, unauthorizedTTL: cfg.UnauthorizedCounterTTL, tempErrorTTL: cfg.TempErrorCounterTTL}
}

func accountKey(id string) string        { return "account:" + id }
func platformIndexKey(platform string) string { return "accounts:by_platform:" + platform }
func sessionKey(hash string) string       { return "session:" + hash }
func unauthorizedCounterKey(id string) string { return id + ":401_errors" }
func tempErrorCounterKey(id string) string    { return id + ":5xx_errors" }

// Get loads an account record by id.
func (s *Store) Get(ctx context.Context, id string) (Account, bool, error) {
	fields, err := s.kv.HGetAll(ctx, accountKey(id))
	if err != nil {
		return Account{}, false, fmt.Errorf("scheduler store: loading account %q: %w", id, err)
	}
	if len(fields) == 0 {
		return Account{}, false, nil
	}
	return parseAccount(id, fields), true, nil
}

// Save writes the full account record and ensures it is present in its
// platform's candidate index.
func (s *Store) Save(ctx context.Context, a Account) error {
	fields := accountFields(a)
	if err := s.kv.HSet(ctx, accountKey(a.ID), fields); err != nil {
		return fmt.Errorf("scheduler store: saving account %q: %w", a.ID, err)
	}
	return s.addToIndex(ctx, a.Platform, a.ID)
}

// UpdateFields merges a partial set of fields into an existing account
// record without touching the rest — used by state-transition methods
// that only need to flip status/resetAt.
func (s *Store) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	if err := s.kv.HSet(ctx, accountKey(id), fields); err != nil {
		return fmt.Errorf("scheduler store: updating account %q: %w", id, err)
	}
	return nil
}

func (s *Store) addToIndex(ctx context.Context, platform, id string) error {
	key := platformIndexKey(platform)
	existing, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("scheduler store: reading platform index %q: %w", platform, err)
	}
	ids := map[string]struct{}{}
	if ok && existing != "" {
		for _, part := range strings.Split(existing, ",") {
			ids[part] = struct{}{}
		}
	}
	ids[id] = struct{}{}
	return s.kv.Set(ctx, key, joinKeys(ids), 0)
}

func joinKeys(ids map[string]struct{}) string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return strings.Join(out, ",")
}

// ListByPlatform returns every account registered under platform's
// candidate index, in undefined order.
func (s *Store) ListByPlatform(ctx context.Context, platform string) ([]Account, error) {
	existing, ok, err := s.kv.Get(ctx, platformIndexKey(platform))
	if err != nil {
		return nil, fmt.Errorf("scheduler store: listing platform %q: %w", platform, err)
	}
	if !ok || existing == "" {
		return nil, nil
	}

	var accounts []Account
	for _, id := range strings.Split(existing, ",") {
		if id == "" {
			continue
		}
		acc, found, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			accounts = append(accounts, acc)
		}
	}
	return accounts, nil
}

// GetSticky resolves a session hash to its bound account id, if any.
func (s *Store) GetSticky(ctx context.Context, hash string) (string, bool, error) {
	v, ok, err := s.kv.Get(ctx, sessionKey(hash))
	if err != nil {
		return "", false, fmt.Errorf("scheduler store: reading sticky mapping: %w", err)
	}
	return v, ok, nil
}

// SetSticky binds hash to accountID with ttl.
func (s *Store) SetSticky(ctx context.Context, hash, accountID string, ttl time.Duration) error {
	if err := s.kv.Set(ctx, sessionKey(hash), accountID, ttl); err != nil {
		return fmt.Errorf("scheduler store: setting sticky mapping: %w", err)
	}
	return nil
}

// ClearSticky removes a sticky mapping, called whenever the mapped
// account leaves the ready state.
func (s *Store) ClearSticky(ctx context.Context, hash string) error {
	if hash == "" {
		return nil
	}
	if err := s.kv.Del(ctx, sessionKey(hash)); err != nil {
		return fmt.Errorf("scheduler store: clearing sticky mapping: %w", err)
	}
	return nil
}

// IncrUnauthorizedCounter increments accountID's 401 counter, refreshing
// its TTL, and returns the new count.
func (s *Store) IncrUnauthorizedCounter(ctx context.Context, accountID string) (int64, error) {
	return s.incrCounter(ctx, unauthorizedCounterKey(accountID), s.unauthorizedTTL)
}

// IncrTempErrorCounter increments accountID's 5xx counter, refreshing its
// TTL, and returns the new count.
func (s *Store) IncrTempErrorCounter(ctx context.Context, accountID string) (int64, error) {
	return s.incrCounter(ctx, tempErrorCounterKey(accountID), s.tempErrorTTL)
}

func (s *Store) incrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.kv.Incr(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("scheduler store: incrementing %q: %w", key, err)
	}
	if err := s.kv.Expire(ctx, key, ttl); err != nil {
		return 0, fmt.Errorf("scheduler store: expiring %q: %w", key, err)
	}
	return n, nil
}

// ClearCounters zeroes both failure counters for accountID, called on any
// observed 2xx.
func (s *Store) ClearCounters(ctx context.Context, accountID string) error {
	if err := s.kv.Del(ctx, unauthorizedCounterKey(accountID), tempErrorCounterKey(accountID)); err != nil {
		return fmt.Errorf("scheduler store: clearing counters for %q: %w", accountID, err)
	}
	return nil
}

func accountFields(a Account) map[string]any {
	fields := map[string]any{
		"type":              string(a.Type),
		"platform":          a.Platform,
		"active":            boolStr(a.Active),
		"schedulable":       boolStr(a.Schedulable),
		"status":            string(a.Status),
		"access_token":      a.AccessToken,
		"refresh_token":     a.RefreshToken,
		"token_expiry":      a.TokenExpiry.UTC().Format(time.RFC3339),
		"scopes":            strings.Join(a.Scopes, ","),
		"proxy_url":         a.ProxyURL,
		"unified_ua":        boolStr(a.UnifiedUserAgent),
		"restricted_models": strings.Join(a.RestrictedModels, ","),
		"session_window":    a.SessionWindowState,
	}
	if len(a.CapturedHeaders) > 0 {
		if encoded, err := json.Marshal(a.CapturedHeaders); err == nil {
			fields["captured_headers"] = string(encoded)
		}
	}
	if a.ResetAt != nil {
		fields["reset_at"] = a.ResetAt.UTC().Format(time.RFC3339)
	} else {
		fields["reset_at"] = ""
	}
	if a.LastUsedAt != nil {
		fields["last_used_at"] = a.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return fields
}

func parseAccount(id string, f map[string]string) Account {
	a := Account{
		ID:                 id,
		Type:               AccountType(f["type"]),
		Platform:           f["platform"],
		Active:             parseBool(f["active"]),
		Schedulable:        parseBool(f["schedulable"]),
		Status:             Status(orDefault(f["status"], string(StatusReady))),
		AccessToken:        f["access_token"],
		RefreshToken:       f["refresh_token"],
		ProxyURL:           f["proxy_url"],
		UnifiedUserAgent:   parseBool(f["unified_ua"]),
		RestrictedModels:   parseList(f["restricted_models"]),
		SessionWindowState: f["session_window"],
	}

	if ts := f["token_expiry"]; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			a.TokenExpiry = t
		}
	}
	if ts := f["reset_at"]; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			a.ResetAt = &t
		}
	}
	if ts := f["last_used_at"]; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			a.LastUsedAt = &t
		}
	}
	if scopes := f["scopes"]; scopes != "" {
		a.Scopes = strings.Split(scopes, ",")
	}
	if raw := f["captured_headers"]; raw != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(raw), &headers); err == nil {
			a.CapturedHeaders = headers
		}
	}

	return a
}

func parseBool(s string) bool { return s == "true" || s == "1" }

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

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

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func parseIntDefault(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}
