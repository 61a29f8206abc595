package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/relaygate/relaygate/internal/relayerr"
	"github.com/relaygate/relaygate/internal/telemetry"
)

// Config holds the selection/transition thresholds that spec §9's Open
// Questions leave to the implementer.
type Config struct {
	UnauthorizedThreshold int64
	TempErrorThreshold    int64
	StickySessionTTL      time.Duration
}

// Scheduler selects upstream accounts for tenant keys and drives the
// account status state machine from relay-observed outcomes.
type Scheduler struct {
	store  *Store
	logger *slog.Logger
	cfg    Config
}

// New creates a Scheduler.
func New(store *Store, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.UnauthorizedThreshold <= 0 {
		cfg.UnauthorizedThreshold = 1
	}
	if cfg.TempErrorThreshold <= 0 {
		cfg.TempErrorThreshold = 10
	}
	if cfg.StickySessionTTL <= 0 {
		cfg.StickySessionTTL = 15 * time.Minute
	}
	return &Scheduler{store: store, cfg: cfg, logger: logger}
}

// Selection is the outcome of selectAccountForKey.
type Selection struct {
	Account Account
	// Sticky reports whether this selection came from an existing session
	// binding rather than fresh enumeration (informational, for logging).
	Sticky bool
}

// SelectAccountForKey resolves an account for a request, in priority
// order: the key's bound account for the platform, the session's sticky
// account, then fresh candidate enumeration. When sessionHash is
// non-empty and a fresh candidate is chosen, the binding is (re)written
// with the configured TTL.
func (s *Scheduler) SelectAccountForKey(ctx context.Context, boundAccountID, sessionHash, platform, model string) (Selection, error) {
	now := time.Now()

	if boundAccountID != "" {
		acc, found, err := s.store.Get(ctx, boundAccountID)
		if err != nil {
			return Selection{}, err
		}
		if found && acc.Selectable(now) && acc.AllowsModel(model) {
			telemetry.SchedulerSelectionsTotal.WithLabelValues("bound").Inc()
			return Selection{Account: acc}, nil
		}
	}

	if sessionHash != "" {
		if acc, ok, err := s.stickyAccount(ctx, sessionHash, model, now); err != nil {
			return Selection{}, err
		} else if ok {
			telemetry.SchedulerSelectionsTotal.WithLabelValues("sticky").Inc()
			return Selection{Account: acc, Sticky: true}, nil
		}
	}

	candidates, err := s.store.ListByPlatform(ctx, platform)
	if err != nil {
		return Selection{}, err
	}

	eligible := make([]Account, 0, len(candidates))
	for _, acc := range candidates {
		if acc.Selectable(now) && acc.AllowsModel(model) {
			eligible = append(eligible, acc)
		}
	}
	if len(eligible) == 0 {
		telemetry.SchedulerSelectionsTotal.WithLabelValues("exhausted").Inc()
		return Selection{}, relayerr.New(relayerr.CodeAllAccountsExhausted, fmt.Sprintf("no ready account for platform %q", platform))
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].InFlight != eligible[j].InFlight {
			return eligible[i].InFlight < eligible[j].InFlight
		}
		lru1, lru2 := leastRecentlyUsed(eligible[i]), leastRecentlyUsed(eligible[j])
		if !lru1.Equal(lru2) {
			return lru1.Before(lru2)
		}
		return eligible[i].ID < eligible[j].ID
	})
	chosen := eligible[0]
	telemetry.SchedulerSelectionsTotal.WithLabelValues("fresh").Inc()

	if sessionHash != "" {
		if err := s.store.SetSticky(ctx, sessionHash, chosen.ID, s.cfg.StickySessionTTL); err != nil {
			s.logger.Warn("binding sticky session", "error", err, "session_hash", sessionHash)
		}
	}

	return Selection{Account: chosen}, nil
}

func (s *Scheduler) stickyAccount(ctx context.Context, sessionHash, model string, now time.Time) (Account, bool, error) {
	accountID, ok, err := s.store.GetSticky(ctx, sessionHash)
	if err != nil {
		return Account{}, false, err
	}
	if !ok || accountID == "" {
		return Account{}, false, nil
	}
	acc, found, err := s.store.Get(ctx, accountID)
	if err != nil {
		return Account{}, false, err
	}
	if !found || !acc.Selectable(now) || !acc.AllowsModel(model) {
		return Account{}, false, nil
	}
	return acc, true, nil
}

// leastRecentlyUsed returns a comparable instant for ordering, treating
// never-used accounts as least-recently-used (zero time sorts first).
func leastRecentlyUsed(a Account) time.Time {
	if a.LastUsedAt == nil {
		return time.Time{}
	}
	return *a.LastUsedAt
}

// MarkRateLimited transitions an account to rate-limited until resetAt
// and drops any sticky mapping that pointed to it.
func (s *Scheduler) MarkRateLimited(ctx context.Context, accountID, sessionHash string, resetAt time.Time) error {
	if err := s.store.UpdateFields(ctx, accountID, map[string]any{
		"status":   string(StatusRateLimited),
		"reset_at": resetAt.UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	return s.store.ClearSticky(ctx, sessionHash)
}

// MarkUnauthorized increments the account's 401 counter and, once the
// threshold is crossed, transitions it to unauthorized and clears its
// sticky mapping. Returns whether the transition fired.
func (s *Scheduler) MarkUnauthorized(ctx context.Context, accountID, sessionHash string) (bool, error) {
	count, err := s.store.IncrUnauthorizedCounter(ctx, accountID)
	if err != nil {
		return false, err
	}
	if count < s.cfg.UnauthorizedThreshold {
		return false, nil
	}
	if err := s.store.UpdateFields(ctx, accountID, map[string]any{"status": string(StatusUnauthorized)}); err != nil {
		return false, err
	}
	if err := s.store.ClearSticky(ctx, sessionHash); err != nil {
		return false, err
	}
	return true, nil
}

// MarkBlocked transitions an account to blocked — terminal until an
// operator re-activates it.
func (s *Scheduler) MarkBlocked(ctx context.Context, accountID, sessionHash string) error {
	if err := s.store.UpdateFields(ctx, accountID, map[string]any{"status": string(StatusBlocked)}); err != nil {
		return err
	}
	return s.store.ClearSticky(ctx, sessionHash)
}

// MarkTempError increments the account's 5xx counter and, once the
// threshold is crossed, transitions it to temp-error. Recovery happens
// out-of-band via ClearInternalErrors.
func (s *Scheduler) MarkTempError(ctx context.Context, accountID, sessionHash string) (bool, error) {
	count, err := s.store.IncrTempErrorCounter(ctx, accountID)
	if err != nil {
		return false, err
	}
	if count < s.cfg.TempErrorThreshold {
		return false, nil
	}
	if err := s.store.UpdateFields(ctx, accountID, map[string]any{"status": string(StatusTempError)}); err != nil {
		return false, err
	}
	return true, s.store.ClearSticky(ctx, sessionHash)
}

// RemoveRateLimit returns an account to ready and clears its failure
// counters, invoked on any observed 2xx.
func (s *Scheduler) RemoveRateLimit(ctx context.Context, accountID string) error {
	if err := s.store.UpdateFields(ctx, accountID, map[string]any{
		"status":   string(StatusReady),
		"reset_at": "",
	}); err != nil {
		return err
	}
	return s.store.ClearCounters(ctx, accountID)
}

// UpdateSessionState persists the session-window advisory status and/or
// captured Claude-Code request headers observed on a 2xx response. Either
// argument may be empty/nil, in which case that half is left untouched.
func (s *Scheduler) UpdateSessionState(ctx context.Context, accountID, sessionWindowState string, capturedHeaders map[string]string) error {
	fields := map[string]any{}
	if sessionWindowState != "" {
		fields["session_window"] = sessionWindowState
	}
	if len(capturedHeaders) > 0 {
		encoded, err := json.Marshal(capturedHeaders)
		if err != nil {
			return fmt.Errorf("scheduler: encoding captured headers: %w", err)
		}
		fields["captured_headers"] = string(encoded)
	}
	if len(fields) == 0 {
		return nil
	}
	return s.store.UpdateFields(ctx, accountID, fields)
}

// MarkRefreshing marks an account as mid-token-refresh, making it
// temporarily unselectable.
func (s *Scheduler) MarkRefreshing(ctx context.Context, accountID string) error {
	return s.store.UpdateFields(ctx, accountID, map[string]any{"status": string(StatusRefreshing)})
}

// MarkReady returns an account to ready.
func (s *Scheduler) MarkReady(ctx context.Context, accountID string) error {
	return s.store.UpdateFields(ctx, accountID, map[string]any{"status": string(StatusReady)})
}

// ClearInternalErrors sweeps temp-error accounts back to ready. Intended
// to run on a periodic cadence (sweeper mode), since temp-error has no
// explicit resetAt.
func (s *Scheduler) ClearInternalErrors(ctx context.Context, platform string) (int, error) {
	accounts, err := s.store.ListByPlatform(ctx, platform)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, acc := range accounts {
		if acc.Status != StatusTempError {
			continue
		}
		if err := s.store.UpdateFields(ctx, acc.ID, map[string]any{"status": string(StatusReady)}); err != nil {
			return cleared, err
		}
		if err := s.store.ClearCounters(ctx, acc.ID); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}
