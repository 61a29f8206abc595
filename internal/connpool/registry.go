package connpool

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registry owns one Pool per upstream account, created on first use and
// torn down on Close. It implements relay.PoolProvider.
type Registry struct {
	mu     sync.RWMutex
	pools  map[string]*Pool
	logger *slog.Logger
	cfg    Config // per-account defaults; AccountID/ProxyURL are overridden per call
}

// NewRegistry creates an empty Registry. cfg supplies the pool-size and
// reconnect defaults shared by every account's pool.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	return &Registry{pools: make(map[string]*Pool), logger: logger, cfg: cfg}
}

// Ensure returns the pool for accountID, creating and warming it with the
// given proxy descriptor if this is the first call for that account. A
// proxyURL change on a later call does not rebuild an existing pool —
// callers that provision a new proxy for an account should call Remove
// first.
func (r *Registry) Ensure(ctx context.Context, accountID, proxyURL string) (*Pool, error) {
	r.mu.RLock()
	if p, ok := r.pools[accountID]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[accountID]; ok {
		return p, nil
	}

	cfg := r.cfg
	cfg.AccountID = accountID
	cfg.ProxyURL = proxyURL

	p := New(cfg)
	if err := p.Initialize(ctx); err != nil {
		r.logger.Warn("warming connection pool", "error", err, "account_id", accountID)
	}
	r.pools[accountID] = p
	return p, nil
}

// GetPool implements relay.PoolProvider.
func (r *Registry) GetPool(accountID string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[accountID]
	return p, ok
}

// Remove destroys and forgets an account's pool, e.g. when its proxy
// descriptor changes or the account is deprovisioned.
func (r *Registry) Remove(accountID string, timeout time.Duration) {
	r.mu.Lock()
	p, ok := r.pools[accountID]
	delete(r.pools, accountID)
	r.mu.Unlock()

	if ok {
		p.Destroy(timeout)
	}
}

// Close destroys every pool this registry owns, with a shared deadline.
func (r *Registry) Close(timeout time.Duration) {
	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Destroy(timeout)
		}(p)
	}
	wg.Wait()
}
