package keyservice

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/pricing"
	"github.com/relaygate/relaygate/internal/relayerr"
	"github.com/relaygate/relaygate/internal/usageledger"
)

// fakeLedger records events passed to it in-memory, standing in for
// *usageledger.Writer in tests.
type fakeLedger struct {
	events []usageledger.Event
}

func (f *fakeLedger) Record(e usageledger.Event) {
	f.events = append(f.events, e)
}

// memKV is an in-memory stand-in for kvstore.Store satisfying kv, evaler,
// and costStore, letting this package's tests run without Redis.
type memKV struct {
	hashes map[string]string            // hashedSecret -> key id
	store  map[string]map[string]string // key -> field -> value
	ints   map[string]int64
}

func newMemKV() *memKV {
	return &memKV{
		hashes: make(map[string]string),
		store:  make(map[string]map[string]string),
		ints:   make(map[string]int64),
	}
}

func (m *memKV) Get(ctx context.Context, key string) (string, bool, error) { return "", false, nil }

func (m *memKV) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, ok := m.store[key][field]
	return v, ok, nil
}

func (m *memKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	for k, v := range m.store[key] {
		out[k] = v
	}
	return out, nil
}

func (m *memKV) HSet(ctx context.Context, key string, fields map[string]any) error {
	if m.store[key] == nil {
		m.store[key] = make(map[string]string)
	}
	for k, v := range fields {
		m.store[key][k] = toStr(v)
	}
	return nil
}

func toStr(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return ""
	}
}

func (m *memKV) FindTenantKeyByHashedSecret(ctx context.Context, hashedSecret string) (string, bool, error) {
	id, ok := m.hashes[hashedSecret]
	return id, ok, nil
}

func (m *memKV) EvalScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	// Minimal stand-in: counters accumulate across calls; the window never resets.
	reqDelta := args[2]
	tokenDelta := args[3]
	costDelta := args[4]
	m.ints[keys[1]] += toInt(reqDelta)
	m.ints[keys[2]] += toInt(tokenDelta)
	m.ints[keys[3]] += toInt(costDelta)
	return []any{
		m.ints[keys[1]],
		m.ints[keys[2]],
		m.ints[keys[3]],
	}, nil
}

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}

func (m *memKV) Incr(ctx context.Context, key string) (int64, error) {
	m.ints[key]++
	return m.ints[key], nil
}

func (m *memKV) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	m.ints[key] += delta
	return m.ints[key], nil
}

func (m *memKV) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }

func newTestService(t *testing.T) (*Service, *memKV) {
	t.Helper()
	kvClient := newMemKV()
	store := NewStore(kvClient)
	rl := NewRateLimiter(kvClient)
	validationCache := cache.New(100, 5*time.Minute)
	priceTable := pricing.NewTable(map[string]pricing.ModelPrice{
		"claude-opus-4": {InputPerToken: 15, OutputPerToken: 75},
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := New(store, rl, validationCache, priceTable, kvClient, nil, Config{
		KeyPrefix:    "rg_",
		KeyMinLength: 20,
		Salt:         "pepper",
	}, logger)
	return svc, kvClient
}

func TestValidateKeyRejectsMalformedSecret(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ValidateKey(context.Background(), "nope")
	if code, ok := relayerr.CodeOf(err); !ok || code != relayerr.CodeInvalidFormat {
		t.Fatalf("expected CodeInvalidFormat, got %v", err)
	}
}

func TestValidateKeyRejectsUnknownSecret(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ValidateKey(context.Background(), "rg_doesnotexist000000000000")
	if code, ok := relayerr.CodeOf(err); !ok || code != relayerr.CodeNotFound {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}
}

func TestValidateKeyAcceptsActiveKeyAndPopulatesCache(t *testing.T) {
	svc, kvClient := newTestService(t)

	secret := "rg_activekey0000000000000000"
	hashed := svc.HashSecret(secret)
	kvClient.hashes[hashed] = "key-1"
	kvClient.store["apikey:key-1"] = map[string]string{
		"name":   "test tenant",
		"active": "true",
	}

	key, err := svc.ValidateKey(context.Background(), secret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.ID != "key-1" {
		t.Fatalf("expected key-1, got %q", key.ID)
	}

	if _, ok := svc.cache.Get(hashed); !ok {
		t.Fatalf("expected validated key to be cached")
	}
}

func TestValidateKeyRejectsDisabledKey(t *testing.T) {
	svc, kvClient := newTestService(t)

	secret := "rg_disabledkey00000000000000"
	hashed := svc.HashSecret(secret)
	kvClient.hashes[hashed] = "key-2"
	kvClient.store["apikey:key-2"] = map[string]string{
		"active": "false",
	}

	_, err := svc.ValidateKey(context.Background(), secret)
	if code, ok := relayerr.CodeOf(err); !ok || code != relayerr.CodeDisabled {
		t.Fatalf("expected CodeDisabled, got %v", err)
	}
}

func TestValidateKeyRejectsExpiredKey(t *testing.T) {
	svc, kvClient := newTestService(t)

	secret := "rg_expiredkey000000000000000"
	hashed := svc.HashSecret(secret)
	kvClient.hashes[hashed] = "key-3"
	kvClient.store["apikey:key-3"] = map[string]string{
		"active":     "true",
		"expires_at": time.Now().Add(-time.Hour).Format(time.RFC3339),
	}

	_, err := svc.ValidateKey(context.Background(), secret)
	if code, ok := relayerr.CodeOf(err); !ok || code != relayerr.CodeExpired {
		t.Fatalf("expected CodeExpired, got %v", err)
	}
}

func TestCheckRateLimitEnforcesConcurrencyLimit(t *testing.T) {
	svc, _ := newTestService(t)

	key := Key{ID: "key-4", ConcurrencyLimit: 1}

	if err := svc.CheckRateLimit(context.Background(), key); err != nil {
		t.Fatalf("first admission should succeed: %v", err)
	}
	err := svc.CheckRateLimit(context.Background(), key)
	if code, ok := relayerr.CodeOf(err); !ok || code != relayerr.CodeConcurrencyLimit {
		t.Fatalf("expected CodeConcurrencyLimit on second admission, got %v", err)
	}
}

func TestRecordUsageWritesToLedgerWhenConfigured(t *testing.T) {
	svc, _ := newTestService(t)
	fl := &fakeLedger{}
	svc.ledger = fl

	key := Key{ID: "key-5"}
	usage := pricing.Usage{Model: "claude-opus-4", InputTokens: 100, OutputTokens: 50}

	if err := svc.RecordUsage(context.Background(), key, usage, "acct-1", "claude-official"); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	if len(fl.events) != 1 {
		t.Fatalf("expected 1 ledger event, got %d", len(fl.events))
	}
	got := fl.events[0]
	if got.KeyID != "key-5" || got.AccountID != "acct-1" || got.Model != "claude-opus-4" {
		t.Fatalf("unexpected ledger event: %+v", got)
	}
	wantCost := int64(100*15 + 50*75)
	if got.CostMicroUSD != wantCost {
		t.Fatalf("expected cost %d, got %d", wantCost, got.CostMicroUSD)
	}
}
