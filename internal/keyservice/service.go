package keyservice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/pricing"
	"github.com/relaygate/relaygate/internal/relayerr"
	"github.com/relaygate/relaygate/internal/telemetry"
	"github.com/relaygate/relaygate/internal/usageledger"
)

// ledger durably records billed usage events beyond the Redis rolling
// counters; satisfied by *usageledger.Writer. Optional — a nil ledger
// simply skips durable recording.
type ledger interface {
	Record(e usageledger.Event)
}

// Service validates tenant keys, enforces rate/quota limits, and records
// usage and cost.
type Service struct {
	store       *Store
	rateLimiter *RateLimiter
	cache       *cache.LRU
	pricing     *pricing.Table
	costs       costStore
	ledger      ledger
	logger      *slog.Logger

	prefix    string
	minLength int
	salt      string
}

// Config configures a Service.
type Config struct {
	KeyPrefix    string
	KeyMinLength int
	Salt         string
}

// New creates a key Service. ledgerWriter may be nil to skip durable
// usage-event recording.
func New(store *Store, rateLimiter *RateLimiter, validationCache *cache.LRU, priceTable *pricing.Table, costs costStore, ledgerWriter ledger, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		rateLimiter: rateLimiter,
		cache:       validationCache,
		pricing:     priceTable,
		costs:       costs,
		ledger:      ledgerWriter,
		prefix:      cfg.KeyPrefix,
		minLength:   cfg.KeyMinLength,
		salt:        cfg.Salt,
		logger:      logger,
	}
}

// HashSecret computes SHA-256(secret ∥ salt), hex-encoded — the sole
// lookup index for a tenant key.
func (s *Service) HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret + s.salt))
	return hex.EncodeToString(h[:])
}

// ValidateKey resolves a raw secret to its Key record, applying format
// checks, the validation cache, and active/expiry checks in that order.
func (s *Service) ValidateKey(ctx context.Context, secret string) (Key, error) {
	if !strings.HasPrefix(secret, s.prefix) || len(secret) < s.minLength {
		telemetry.KeyAdmissionTotal.WithLabelValues(string(relayerr.CodeInvalidFormat)).Inc()
		return Key{}, relayerr.New(relayerr.CodeInvalidFormat, "malformed api key")
	}

	hashed := s.HashSecret(secret)

	if cached, ok := s.cache.Get(hashed); ok {
		telemetry.KeyCacheTotal.WithLabelValues("hit").Inc()
		return cached.(Key), nil
	}
	telemetry.KeyCacheTotal.WithLabelValues("miss").Inc()

	key, found, err := s.store.FindByHashedSecret(ctx, hashed)
	if err != nil {
		return Key{}, fmt.Errorf("keyservice: validating key: %w", err)
	}
	if !found {
		telemetry.KeyAdmissionTotal.WithLabelValues(string(relayerr.CodeNotFound)).Inc()
		return Key{}, relayerr.New(relayerr.CodeNotFound, "unknown api key")
	}
	if !key.Active {
		telemetry.KeyAdmissionTotal.WithLabelValues(string(relayerr.CodeDisabled)).Inc()
		return Key{}, relayerr.New(relayerr.CodeDisabled, "api key disabled")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		telemetry.KeyAdmissionTotal.WithLabelValues(string(relayerr.CodeExpired)).Inc()
		return Key{}, relayerr.New(relayerr.CodeExpired, "api key expired")
	}

	now := time.Now().UTC()
	if v, ok, err := s.store.kv.Get(ctx, "daily_cost:"+key.ID+":"+now.Format("2006-01-02")); err == nil && ok {
		key.DailyCost = parseInt(v)
	}
	year, week := now.ISOWeek()
	if v, ok, err := s.store.kv.Get(ctx, fmt.Sprintf("weekly_opus_cost:%s:%d-W%02d", key.ID, year, week)); err == nil && ok {
		key.WeeklyOpusCost = parseInt(v)
	}

	// Populate the validation cache only on valid=true results — the
	// plaintext secret is never retained, so there is nothing to
	// selectively invalidate beyond this full-clear-on-mutation policy.
	s.cache.Set(hashed, key)
	telemetry.KeyAdmissionTotal.WithLabelValues("ok").Inc()
	return key, nil
}

// CheckRateLimit enforces the key's request-count window limit and its
// concurrency limit, to be called by the relay on accepted requests
// (not inside ValidateKey). The window's token and cost counters, which
// RecordUsage advances, are not checked here. Returns a *relayerr.Error with
// CodeRateLimitExceeded or CodeConcurrencyLimit on rejection.
func (s *Service) CheckRateLimit(ctx context.Context, key Key) error {
	if key.RateLimitWindowMinutes > 0 && key.RateLimitRequests > 0 {
		usage, err := s.rateLimiter.Advance(ctx, key.ID, key.RateLimitWindowMinutes, 1, 0, 0)
		if err != nil {
			return fmt.Errorf("keyservice: checking rate limit: %w", err)
		}
		if usage.Requests > key.RateLimitRequests {
			return relayerr.New(relayerr.CodeRateLimitExceeded, "request rate limit exceeded")
		}
	}

	if key.ConcurrencyLimit > 0 {
		n, err := s.rateLimiter.IncrConcurrency(ctx, key.ID)
		if err != nil {
			return fmt.Errorf("keyservice: checking concurrency: %w", err)
		}
		if n > key.ConcurrencyLimit {
			_ = s.rateLimiter.DecrConcurrency(ctx, key.ID)
			return relayerr.New(relayerr.CodeConcurrencyLimit, "concurrency limit exceeded")
		}
	}

	return nil
}

// ReleaseConcurrency decrements the in-flight counter on request
// completion. Must be called exactly once per CheckRateLimit call that
// incremented it, on every exit path.
func (s *Service) ReleaseConcurrency(ctx context.Context, key Key) {
	if key.ConcurrencyLimit <= 0 {
		return
	}
	if err := s.rateLimiter.DecrConcurrency(ctx, key.ID); err != nil {
		s.logger.Warn("releasing concurrency slot", "error", err, "key_id", key.ID)
	}
}

// RecordUsage computes cost from the pricing table, updates the key's
// rate-limit window token/cost counters, daily cost, weekly Opus cost
// (when applicable), lastUsedAt, and (if configured) a durable usage
// ledger entry for reconciliation/reporting.
func (s *Service) RecordUsage(ctx context.Context, key Key, usage pricing.Usage, accountID, accountType string) error {
	cost, err := s.pricing.Cost(usage)
	if err != nil {
		s.logger.Warn("recording usage with unknown model pricing", "error", err, "model", usage.Model)
		cost = 0
	}

	totalTokens := usage.InputTokens + usage.OutputTokens + usage.CacheCreateTokens + usage.CacheReadTokens

	if key.RateLimitWindowMinutes > 0 {
		if _, err := s.rateLimiter.Advance(ctx, key.ID, key.RateLimitWindowMinutes, 0, totalTokens, cost); err != nil {
			s.logger.Warn("advancing usage window", "error", err, "key_id", key.ID)
		}
	}

	day := time.Now().UTC().Format("2006-01-02")
	if err := s.storeIncrementDailyCost(ctx, key.ID, cost, day); err != nil {
		s.logger.Warn("incrementing daily cost", "error", err, "key_id", key.ID)
	}

	if pricing.IsOpusFamily(usage.Model) && isClaudeAccount(accountType) {
		y, w := time.Now().UTC().ISOWeek()
		week := fmt.Sprintf("%d-W%02d", y, w)
		if err := s.incrementWeeklyOpusCost(ctx, key.ID, cost, week); err != nil {
			s.logger.Warn("incrementing weekly opus cost", "error", err, "key_id", key.ID)
		}
	}

	if err := s.store.TouchLastUsed(ctx, key.ID, time.Now()); err != nil {
		s.logger.Warn("touching last_used_at", "error", err, "key_id", key.ID)
	}

	if s.ledger != nil {
		s.ledger.Record(usageledger.Event{
			KeyID:             key.ID,
			AccountID:         accountID,
			Model:             usage.Model,
			InputTokens:       usage.InputTokens,
			OutputTokens:      usage.OutputTokens,
			CacheCreateTokens: usage.CacheCreateTokens,
			CacheReadTokens:   usage.CacheReadTokens,
			CostMicroUSD:      cost,
			LongContext:       pricing.IsLongContext(usage.Model, usage.InputTokens),
			RecordedAt:        time.Now().UTC(),
		})
	}

	telemetry.UsageCostTotal.WithLabelValues(usage.Model).Add(float64(cost))
	return nil
}

func isClaudeAccount(accountType string) bool {
	return accountType == "claude-official" || accountType == "claude-console"
}
