package account

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaygate/relaygate/internal/credcrypto"
	"github.com/relaygate/relaygate/internal/scheduler"
)

// Service provisions and updates upstream accounts: the durable
// Postgres record plus the scheduler's Redis-backed operational copy.
// Credentials are sealed with box before being written to either store.
type Service struct {
	store     *store
	scheduler *scheduler.Store
	box       *credcrypto.Box
	logger    *slog.Logger
}

// NewService creates an account Service. box may be nil only for
// local/dev use — see credcrypto.
func NewService(pool *pgxpool.Pool, schedulerStore *scheduler.Store, box *credcrypto.Box, logger *slog.Logger) *Service {
	return &Service{store: newStore(pool), scheduler: schedulerStore, box: box, logger: logger}
}

// Create provisions a new upstream account, sealing its credential
// bundle before persisting it durably and projecting it into the
// scheduler's candidate pool.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Response, error) {
	sealedAccess, sealedRefresh, err := s.seal(req.AccessToken, req.RefreshToken)
	if err != nil {
		return Response{}, fmt.Errorf("account: sealing credentials: %w", err)
	}

	var expiry pgtype.Timestamptz
	if req.TokenExpiry != nil {
		expiry = pgtype.Timestamptz{Time: *req.TokenExpiry, Valid: true}
	}

	r, err := s.store.create(ctx, createParams{
		Type:             string(req.Type),
		Platform:         req.Platform,
		AccessToken:      sealedAccess,
		RefreshToken:     sealedRefresh,
		TokenExpiry:      expiry,
		Scopes:           req.Scopes,
		ProxyURL:         req.ProxyURL,
		UnifiedUserAgent: req.UnifiedUserAgent,
		RestrictedModels: req.RestrictedModels,
		Schedulable:      req.Schedulable,
	})
	if err != nil {
		return Response{}, fmt.Errorf("account: creating account: %w", err)
	}

	acc := toSchedulerAccount(r)
	if err := s.scheduler.Save(ctx, acc); err != nil {
		s.logger.Error("projecting account into scheduler store", "error", err, "id", r.ID)
		return Response{}, fmt.Errorf("account: projecting account %q: %w", r.ID, err)
	}

	return r.toResponse(scheduler.StatusReady), nil
}

// List returns every account's descriptor, with its live scheduler
// status where available.
func (s *Service) List(ctx context.Context) ([]Response, error) {
	rows, err := s.store.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("account: listing accounts: %w", err)
	}
	out := make([]Response, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toResponse(s.liveStatus(ctx, r.ID)))
	}
	return out, nil
}

// Get returns a single account's descriptor with its live status.
func (s *Service) Get(ctx context.Context, id string) (Response, error) {
	r, err := s.store.get(ctx, id)
	if err != nil {
		return Response{}, err
	}
	return r.toResponse(s.liveStatus(ctx, id)), nil
}

// Update patches the mutable descriptor fields and reprojects the
// account into the scheduler store.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (Response, error) {
	r, err := s.store.updateDescriptor(ctx, id, req.ProxyURL, req.UnifiedUserAgent, req.RestrictedModels, req.Schedulable, req.Active)
	if err != nil {
		return Response{}, fmt.Errorf("account: updating account %q: %w", id, err)
	}

	fields := map[string]any{
		"proxy_url":         r.ProxyURL,
		"unified_ua":        boolField(r.UnifiedUserAgent),
		"restricted_models": joinModels(r.RestrictedModels),
		"schedulable":       boolField(r.Schedulable),
		"active":            boolField(r.Active),
	}
	if err := s.scheduler.UpdateFields(ctx, id, fields); err != nil {
		return Response{}, fmt.Errorf("account: reprojecting account %q: %w", id, err)
	}

	return r.toResponse(s.liveStatus(ctx, id)), nil
}

// RotateCredentials replaces an account's credential bundle and clears
// its status back to ready, mirroring what a successful token refresh
// does.
func (s *Service) RotateCredentials(ctx context.Context, id string, req RotateCredentialsRequest) (Response, error) {
	sealedAccess, sealedRefresh, err := s.seal(req.AccessToken, req.RefreshToken)
	if err != nil {
		return Response{}, fmt.Errorf("account: sealing credentials: %w", err)
	}

	var expiry pgtype.Timestamptz
	if req.TokenExpiry != nil {
		expiry = pgtype.Timestamptz{Time: *req.TokenExpiry, Valid: true}
	}

	r, err := s.store.rotateCredentials(ctx, id, sealedAccess, sealedRefresh, expiry, req.Scopes)
	if err != nil {
		return Response{}, fmt.Errorf("account: rotating credentials for %q: %w", id, err)
	}

	fields := map[string]any{
		"access_token":  sealedAccess,
		"refresh_token": sealedRefresh,
		"status":        string(scheduler.StatusReady),
	}
	if req.TokenExpiry != nil {
		fields["token_expiry"] = req.TokenExpiry.UTC().Format(time.RFC3339)
	}
	if err := s.scheduler.UpdateFields(ctx, id, fields); err != nil {
		return Response{}, fmt.Errorf("account: reprojecting rotated credentials for %q: %w", id, err)
	}

	return r.toResponse(scheduler.StatusReady), nil
}

// Delete permanently removes an account's durable record. The
// scheduler's operational copy is left in place but marked
// unschedulable, so in-flight requests against it fail closed rather
// than racing a concurrent delete.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.scheduler.UpdateFields(ctx, id, map[string]any{"schedulable": "false", "active": "false"}); err != nil {
		s.logger.Warn("unschedule before delete", "error", err, "id", id)
	}
	if err := s.store.delete(ctx, id); err != nil {
		return fmt.Errorf("account: deleting account %q: %w", id, err)
	}
	return nil
}

func (s *Service) liveStatus(ctx context.Context, id string) scheduler.Status {
	acc, found, err := s.scheduler.Get(ctx, id)
	if err != nil || !found {
		return ""
	}
	return acc.Status
}

func (s *Service) seal(access, refresh string) (string, string, error) {
	if s.box == nil {
		return access, refresh, nil
	}
	sealedAccess, err := s.box.Seal(access)
	if err != nil {
		return "", "", err
	}
	sealedRefresh, err := s.box.Seal(refresh)
	if err != nil {
		return "", "", err
	}
	return sealedAccess, sealedRefresh, nil
}

func toSchedulerAccount(r row) scheduler.Account {
	acc := scheduler.Account{
		ID:               r.ID,
		Type:             scheduler.AccountType(r.Type),
		Platform:         r.Platform,
		Active:           r.Active,
		Schedulable:      r.Schedulable,
		Status:           scheduler.StatusReady,
		AccessToken:      r.AccessToken,
		RefreshToken:     r.RefreshToken,
		Scopes:           r.Scopes,
		ProxyURL:         r.ProxyURL,
		UnifiedUserAgent: r.UnifiedUserAgent,
		RestrictedModels: r.RestrictedModels,
	}
	if r.TokenExpiry.Valid {
		acc.TokenExpiry = r.TokenExpiry.Time
	}
	return acc
}

func boolField(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func joinModels(models []string) string {
	out := ""
	for i, m := range models {
		if i > 0 {
			out += ","
		}
		out += m
	}
	return out
}
