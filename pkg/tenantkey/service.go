package tenantkey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config configures a Service with the same prefix/salt convention
// keyservice validates against, so a key minted here is accepted there.
type Config struct {
	KeyPrefix string
	Salt      string
}

// Service provisions and revokes tenant keys: the durable Postgres
// record plus the KV-store projection the relay path reads.
type Service struct {
	store  *store
	kv     kv
	cfg    Config
	logger *slog.Logger
}

// NewService creates a tenant-key Service.
func NewService(pool *pgxpool.Pool, kvStore kv, cfg Config, logger *slog.Logger) *Service {
	return &Service{store: newStore(pool), kv: kvStore, cfg: cfg, logger: logger}
}

// Create mints a new tenant key, persists it durably, and projects it
// into the KV store so it is immediately usable on the relay path.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	raw, hash, prefix := s.generateSecret()

	var expiresAt pgtype.Timestamptz
	if req.ExpiresAt != nil {
		expiresAt = pgtype.Timestamptz{Time: *req.ExpiresAt, Valid: true}
	}

	r, err := s.store.create(ctx, createParams{
		KeyHash:                hash,
		KeyPrefix:              prefix,
		Name:                   req.Name,
		Permissions:            string(req.Permissions),
		BoundAccountIDs:        req.BoundAccountIDs,
		TokenLimit:             req.TokenLimit,
		ConcurrencyLimit:       req.ConcurrencyLimit,
		RateLimitWindowMinutes: req.RateLimitWindowMinutes,
		RateLimitRequests:      req.RateLimitRequests,
		RateLimitCost:          req.RateLimitCost,
		DailyCostLimit:         req.DailyCostLimit,
		WeeklyOpusCostLimit:    req.WeeklyOpusCostLimit,
		RestrictedModels:       req.RestrictedModels,
		AllowedClients:         req.AllowedClients,
		Tags:                   req.Tags,
		ExpiresAt:              expiresAt,
	})
	if err != nil {
		return CreateResponse{}, fmt.Errorf("tenantkey: creating key: %w", err)
	}

	if err := provision(ctx, s.kv, r); err != nil {
		// The durable row exists but isn't usable on the relay path;
		// Enable and Disable only rewrite the active field and do not
		// re-provision the key.
		s.logger.Error("provisioning tenant key into kv store", "error", err, "id", r.ID)
		return CreateResponse{}, fmt.Errorf("tenantkey: provisioning key %q: %w", r.ID, err)
	}

	return CreateResponse{Response: r.toResponse(), RawKey: raw}, nil
}

// List returns every tenant key's metadata (never the raw secret).
func (s *Service) List(ctx context.Context) ([]Response, error) {
	rows, err := s.store.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("tenantkey: listing keys: %w", err)
	}
	out := make([]Response, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toResponse())
	}
	return out, nil
}

// Get returns a single tenant key's metadata.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Response, error) {
	r, err := s.store.get(ctx, id)
	if err != nil {
		return Response{}, err
	}
	return r.toResponse(), nil
}

// Disable deactivates a key both durably and in the KV store, so
// keyservice.ValidateKey starts rejecting it on the next lookup (the
// validation cache entry, if any, expires within ValidationCacheTTL).
func (s *Service) Disable(ctx context.Context, id uuid.UUID) error {
	hash, err := s.store.setActive(ctx, id, false)
	if err != nil {
		return fmt.Errorf("tenantkey: disabling key %q: %w", id, err)
	}
	if err := s.kv.HSet(ctx, apikeyHashKey(id.String()), map[string]any{"active": "false"}); err != nil {
		return fmt.Errorf("tenantkey: disabling key %q in kv store: %w", id, err)
	}
	_ = hash
	return nil
}

// Enable reactivates a previously disabled key.
func (s *Service) Enable(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.setActive(ctx, id, true); err != nil {
		return fmt.Errorf("tenantkey: enabling key %q: %w", id, err)
	}
	if err := s.kv.HSet(ctx, apikeyHashKey(id.String()), map[string]any{"active": "true"}); err != nil {
		return fmt.Errorf("tenantkey: enabling key %q in kv store: %w", id, err)
	}
	return nil
}

// Delete permanently removes a tenant key, durably and from the KV
// store.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	hash, err := s.store.delete(ctx, id)
	if err != nil {
		return fmt.Errorf("tenantkey: deleting key %q: %w", id, err)
	}
	if err := deprovision(ctx, s.kv, id.String(), hash); err != nil {
		return fmt.Errorf("tenantkey: deprovisioning key %q: %w", id, err)
	}
	return nil
}

// SweepExpired disables every active key whose expiry has passed, both
// durably and in the KV store. It is driven by sweeper mode on
// KeySweepInterval and returns the number of keys disabled.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	ids, err := s.store.listExpiredActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("tenantkey: listing expired keys: %w", err)
	}
	for _, id := range ids {
		if err := s.Disable(ctx, id); err != nil {
			s.logger.Error("disabling expired tenant key", "error", err, "id", id)
			continue
		}
	}
	return len(ids), nil
}

// generateSecret creates a random secret with the configured prefix, its
// lookup hash, and a short prefix for display — mirroring
// keyservice.Service.HashSecret's SHA-256(secret ∥ salt) convention.
func (s *Service) generateSecret() (raw, hash, displayPrefix string) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	raw = fmt.Sprintf("%s%x", s.cfg.KeyPrefix, b)
	h := sha256.Sum256([]byte(raw + s.cfg.Salt))
	hash = hex.EncodeToString(h[:])
	displayPrefix = raw[:min(len(raw), len(s.cfg.KeyPrefix)+6)]
	return
}
