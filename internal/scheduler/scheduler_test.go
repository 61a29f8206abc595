package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

type memKV struct {
	strs  map[string]string
	ttls  map[string]time.Time
	hash  map[string]map[string]string
	ints  map[string]int64
}

func newMemKV() *memKV {
	return &memKV{
		strs: make(map[string]string),
		ttls: make(map[string]time.Time),
		hash: make(map[string]map[string]string),
		ints: make(map[string]int64),
	}
}

func (m *memKV) Get(ctx context.Context, key string) (string, bool, error) {
	if exp, ok := m.ttls[key]; ok && time.Now().After(exp) {
		delete(m.strs, key)
		return "", false, nil
	}
	v, ok := m.strs[key]
	return v, ok, nil
}

func (m *memKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.strs[key] = value
	if ttl > 0 {
		m.ttls[key] = time.Now().Add(ttl)
	} else {
		delete(m.ttls, key)
	}
	return nil
}

func (m *memKV) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.strs, k)
		delete(m.ints, k)
	}
	return nil
}

func (m *memKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	for k, v := range m.hash[key] {
		out[k] = v
	}
	return out, nil
}

func (m *memKV) HSet(ctx context.Context, key string, fields map[string]any) error {
	if m.hash[key] == nil {
		m.hash[key] = make(map[string]string)
	}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			m.hash[key][k] = s
		}
	}
	return nil
}

func (m *memKV) Incr(ctx context.Context, key string) (int64, error) {
	m.ints[key]++
	return m.ints[key], nil
}

func (m *memKV) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }

func newTestScheduler(t *testing.T) (*Scheduler, *Store) {
	t.Helper()
	kvClient := newMemKV()
	store := NewStore(kvClient, StoreConfig{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := New(store, Config{UnauthorizedThreshold: 1, TempErrorThreshold: 2, StickySessionTTL: 15 * time.Minute}, logger)
	return sched, store
}

func TestSelectAccountForKeyPrefersBoundAccount(t *testing.T) {
	sched, store := newTestScheduler(t)
	ctx := context.Background()

	bound := Account{ID: "acc-bound", Platform: "claude", Active: true, Schedulable: true, Status: StatusReady}
	other := Account{ID: "acc-other", Platform: "claude", Active: true, Schedulable: true, Status: StatusReady}
	if err := store.Save(ctx, bound); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, other); err != nil {
		t.Fatal(err)
	}

	sel, err := sched.SelectAccountForKey(ctx, "acc-bound", "", "claude", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Account.ID != "acc-bound" {
		t.Fatalf("expected acc-bound, got %s", sel.Account.ID)
	}
}

func TestSelectAccountForKeyFallsBackToEnumeration(t *testing.T) {
	sched, store := newTestScheduler(t)
	ctx := context.Background()

	acc := Account{ID: "acc-1", Platform: "gemini", Active: true, Schedulable: true, Status: StatusReady}
	if err := store.Save(ctx, acc); err != nil {
		t.Fatal(err)
	}

	sel, err := sched.SelectAccountForKey(ctx, "", "", "gemini", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Account.ID != "acc-1" {
		t.Fatalf("expected acc-1, got %s", sel.Account.ID)
	}
}

func TestSelectAccountForKeyReturnsExhaustedWhenNoneReady(t *testing.T) {
	sched, store := newTestScheduler(t)
	ctx := context.Background()

	acc := Account{ID: "acc-1", Platform: "openai", Active: true, Schedulable: true, Status: StatusRateLimited}
	future := time.Now().Add(time.Hour)
	acc.ResetAt = &future
	if err := store.Save(ctx, acc); err != nil {
		t.Fatal(err)
	}

	_, err := sched.SelectAccountForKey(ctx, "", "", "openai", "")
	if err == nil {
		t.Fatal("expected all-accounts-exhausted error")
	}
}

func TestMarkUnauthorizedCrossesThresholdAndClearsSticky(t *testing.T) {
	sched, store := newTestScheduler(t)
	ctx := context.Background()

	acc := Account{ID: "acc-1", Platform: "claude", Active: true, Schedulable: true, Status: StatusReady}
	if err := store.Save(ctx, acc); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSticky(ctx, "hash-1", "acc-1", time.Minute); err != nil {
		t.Fatal(err)
	}

	transitioned, err := sched.MarkUnauthorized(ctx, "acc-1", "hash-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !transitioned {
		t.Fatal("expected transition at threshold 1")
	}

	updated, found, err := store.Get(ctx, "acc-1")
	if err != nil || !found {
		t.Fatalf("expected account to be found: %v", err)
	}
	if updated.Status != StatusUnauthorized {
		t.Fatalf("expected status unauthorized, got %s", updated.Status)
	}

	if _, ok, _ := store.GetSticky(ctx, "hash-1"); ok {
		t.Fatal("expected sticky mapping to be cleared")
	}
}

func TestRemoveRateLimitReturnsAccountToReady(t *testing.T) {
	sched, store := newTestScheduler(t)
	ctx := context.Background()

	resetAt := time.Now().Add(time.Hour)
	acc := Account{ID: "acc-1", Platform: "claude", Active: true, Schedulable: true, Status: StatusRateLimited, ResetAt: &resetAt}
	if err := store.Save(ctx, acc); err != nil {
		t.Fatal(err)
	}

	if err := sched.RemoveRateLimit(ctx, "acc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, _, err := store.Get(ctx, "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusReady {
		t.Fatalf("expected ready, got %s", updated.Status)
	}
	if updated.ResetAt != nil {
		t.Fatal("expected resetAt to be cleared")
	}
}
