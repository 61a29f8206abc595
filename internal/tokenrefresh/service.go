// Package tokenrefresh coordinates refreshing upstream OAuth tokens under
// contention: at most one refresh per (accountId, platform) at any
// instant, enforced by the distributed lock coordinator, with an
// in-process singleflight fast path ahead of it.
package tokenrefresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaygate/relaygate/internal/lock"
	"github.com/relaygate/relaygate/internal/telemetry"
)

// ErrLockContended is returned when another worker already holds the
// refresh lock for this account/platform; callers should treat this as
// "not my job right now", not a failure.
var ErrLockContended = errors.New("tokenrefresh: lock contended")

// Credentials is the OAuth credential bundle persisted per account.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// Valid reports whether the access token is still usable, with the given
// grace period subtracted from its expiry.
func (c Credentials) Valid(grace time.Duration) bool {
	return c.AccessToken != "" && time.Until(c.ExpiresAt) > grace
}

// AccountStore reads and persists per-account credentials. Implemented by
// the scheduler's account store.
type AccountStore interface {
	GetCredentials(ctx context.Context, accountID string) (Credentials, error)
	SetCredentials(ctx context.Context, accountID string, creds Credentials) error
}

// PlatformRefresher exchanges a refresh token for a new access token
// against a specific upstream platform's OAuth endpoint.
type PlatformRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}

// Service coordinates token refresh across concurrent callers.
type Service struct {
	locks   *lock.Coordinator
	store   AccountStore
	platforms map[string]PlatformRefresher

	lockTTL time.Duration
	grace   time.Duration
	logger  *slog.Logger

	sf singleflight.Group
}

// Config configures a Service.
type Config struct {
	LockTTL time.Duration
	Grace   time.Duration
}

// New creates a token refresh Service.
func New(locks *lock.Coordinator, store AccountStore, platforms map[string]PlatformRefresher, cfg Config, logger *slog.Logger) *Service {
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	return &Service{
		locks:     locks,
		store:     store,
		platforms: platforms,
		lockTTL:   lockTTL,
		grace:     grace,
		logger:    logger,
	}
}

// EnsureFresh guarantees accountID's access token is valid (beyond grace)
// on return, refreshing it if necessary. Safe to call concurrently: only
// one refresh reaches the OAuth endpoint per (accountID, platform);
// concurrent callers in this process share its result, and a caller that
// finds the refresh lock already held gets ErrLockContended.
func (s *Service) EnsureFresh(ctx context.Context, accountID, platform string) (Credentials, error) {
	sfKey := platform + ":" + accountID
	v, err, _ := s.sf.Do(sfKey, func() (any, error) {
		return s.ensureFresh(ctx, accountID, platform)
	})
	if err != nil {
		return Credentials{}, err
	}
	return v.(Credentials), nil
}

func (s *Service) ensureFresh(ctx context.Context, accountID, platform string) (Credentials, error) {
	creds, err := s.store.GetCredentials(ctx, accountID)
	if err != nil {
		return Credentials{}, fmt.Errorf("tokenrefresh: reading credentials for %s/%s: %w", platform, accountID, err)
	}
	if creds.Valid(s.grace) {
		return creds, nil
	}

	lockKey := lock.Key(platform, accountID)
	acquired, err := s.locks.AcquireLock(ctx, lockKey, s.lockTTL)
	if err != nil {
		return Credentials{}, fmt.Errorf("tokenrefresh: acquiring lock: %w", err)
	}
	if !acquired {
		s.logger.Info("token refresh skipped, lock contended", "account_id", accountID, "platform", platform)
		return Credentials{}, ErrLockContended
	}
	defer func() {
		if releaseErr := s.locks.ReleaseLock(context.WithoutCancel(ctx), lockKey); releaseErr != nil {
			s.logger.Warn("releasing refresh lock", "error", releaseErr, "account_id", accountID, "platform", platform)
		}
	}()

	// Re-read: another process may have refreshed between our first read
	// and taking the lock.
	creds, err = s.store.GetCredentials(ctx, accountID)
	if err != nil {
		return Credentials{}, fmt.Errorf("tokenrefresh: re-reading credentials for %s/%s: %w", platform, accountID, err)
	}
	if creds.Valid(s.grace) {
		return creds, nil
	}

	refresher, ok := s.platforms[platform]
	if !ok {
		return Credentials{}, fmt.Errorf("tokenrefresh: no refresher registered for platform %q", platform)
	}

	s.logger.Info("token refresh start", "account_id", accountID, "platform", platform, "refresh_token", mask(creds.RefreshToken))

	start := time.Now()
	newCreds, err := refresher.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		telemetry.RefreshDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		s.logger.Error("token refresh error", "account_id", accountID, "platform", platform, "error", err)
		return Credentials{}, fmt.Errorf("tokenrefresh: refreshing %s/%s: %w", platform, accountID, err)
	}

	if err := s.store.SetCredentials(ctx, accountID, newCreds); err != nil {
		telemetry.RefreshDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return Credentials{}, fmt.Errorf("tokenrefresh: persisting refreshed credentials: %w", err)
	}

	telemetry.RefreshDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	s.logger.Info("token refresh success", "account_id", accountID, "platform", platform, "access_token", mask(newCreds.AccessToken))

	return newCreds, nil
}

// mask returns only the first and last few characters of a token, for
// safe structured logging.
func mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
