package tokenrefresh

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaygate/relaygate/internal/lock"
)

type memStore struct {
	mu    sync.Mutex
	vals  map[string]string
}

func newMemStore() *memStore { return &memStore{vals: make(map[string]string)} }

func (m *memStore) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vals[key]; ok {
		return false, nil
	}
	m.vals[key] = value
	return true, nil
}

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	return v, ok, nil
}

func (m *memStore) TTL(_ context.Context, _ string) (time.Duration, error) { return time.Minute, nil }

func (m *memStore) EvalScript(_ context.Context, _ *redis.Script, keys []string, args ...any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vals[keys[0]] == args[0].(string) {
		delete(m.vals, keys[0])
		return int64(1), nil
	}
	return int64(0), nil
}

type fakeAccountStore struct {
	mu    sync.Mutex
	creds Credentials
}

func (f *fakeAccountStore) GetCredentials(_ context.Context, _ string) (Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds, nil
}

func (f *fakeAccountStore) SetCredentials(_ context.Context, _ string, creds Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = creds
	return nil
}

type countingRefresher struct {
	calls int32
}

func (c *countingRefresher) Refresh(_ context.Context, refreshToken string) (Credentials, error) {
	atomic.AddInt32(&c.calls, 1)
	time.Sleep(20 * time.Millisecond) // simulate network latency
	return Credentials{
		AccessToken:  "new-token",
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func TestConcurrentRefreshesDeduplicate(t *testing.T) {
	store := &fakeAccountStore{creds: Credentials{
		AccessToken:  "stale",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(-time.Minute), // already expired
	}}
	refresher := &countingRefresher{}
	locks := lock.New(newMemStore())
	svc := New(locks, store, map[string]PlatformRefresher{"claude": refresher}, Config{}, slog.Default())

	var wg sync.WaitGroup
	results := make([]Credentials, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds, err := svc.EnsureFresh(context.Background(), "acct-1", "claude")
			if err == nil {
				results[i] = creds
			}
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&refresher.calls) != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", refresher.calls)
	}
}

func TestEnsureFreshSkipsWhenAlreadyValid(t *testing.T) {
	store := &fakeAccountStore{creds: Credentials{
		AccessToken:  "still-good",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	refresher := &countingRefresher{}
	locks := lock.New(newMemStore())
	svc := New(locks, store, map[string]PlatformRefresher{"claude": refresher}, Config{}, slog.Default())

	creds, err := svc.EnsureFresh(context.Background(), "acct-1", "claude")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.AccessToken != "still-good" {
		t.Fatalf("expected existing token to be returned untouched, got %q", creds.AccessToken)
	}
	if refresher.calls != 0 {
		t.Fatalf("expected no refresh call, got %d", refresher.calls)
	}
}
