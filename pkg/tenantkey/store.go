package tenantkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tenantKeyColumns = `id, key_hash, key_prefix, name, active, permissions, bound_account_ids,
	token_limit, concurrency_limit,
	rate_limit_window_minutes, rate_limit_requests, rate_limit_cost,
	daily_cost_limit, weekly_opus_cost_limit,
	restricted_models, allowed_clients, tags,
	last_used, expires_at, created_at`

// store provides the Postgres-backed durable record for tenant keys.
type store struct {
	pool *pgxpool.Pool
}

func newStore(pool *pgxpool.Pool) *store {
	return &store{pool: pool}
}

type createParams struct {
	KeyHash     string
	KeyPrefix   string
	Name        string
	Permissions string

	BoundAccountIDs map[string]string

	TokenLimit       int64
	ConcurrencyLimit int64

	RateLimitWindowMinutes int64
	RateLimitRequests      int64
	RateLimitCost          int64

	DailyCostLimit      int64
	WeeklyOpusCostLimit int64

	RestrictedModels []string
	AllowedClients   []string
	Tags             []string

	ExpiresAt pgtype.Timestamptz
}

func scanRow(r pgx.Row) (row, error) {
	var out row
	var bindings []byte
	err := r.Scan(
		&out.ID, &out.KeyHash, &out.KeyPrefix, &out.Name, &out.Active, &out.Permissions, &bindings,
		&out.TokenLimit, &out.ConcurrencyLimit,
		&out.RateLimitWindowMinutes, &out.RateLimitRequests, &out.RateLimitCost,
		&out.DailyCostLimit, &out.WeeklyOpusCostLimit,
		&out.RestrictedModels, &out.AllowedClients, &out.Tags,
		&out.LastUsed, &out.ExpiresAt, &out.CreatedAt,
	)
	if err != nil {
		return row{}, err
	}
	out.BoundAccountIDs, err = decodeBindings(bindings)
	if err != nil {
		return row{}, fmt.Errorf("decoding bound_account_ids: %w", err)
	}
	return out, nil
}

func decodeBindings(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *store) create(ctx context.Context, p createParams) (row, error) {
	bindings, err := json.Marshal(p.BoundAccountIDs)
	if err != nil {
		return row{}, fmt.Errorf("encoding bound_account_ids: %w", err)
	}

	query := `INSERT INTO public.tenant_keys (
		key_hash, key_prefix, name, active, permissions, bound_account_ids,
		token_limit, concurrency_limit,
		rate_limit_window_minutes, rate_limit_requests, rate_limit_cost,
		daily_cost_limit, weekly_opus_cost_limit,
		restricted_models, allowed_clients, tags, expires_at
	) VALUES ($1, $2, $3, true, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	RETURNING ` + tenantKeyColumns

	r := s.pool.QueryRow(ctx, query,
		p.KeyHash, p.KeyPrefix, p.Name, p.Permissions, bindings,
		p.TokenLimit, p.ConcurrencyLimit,
		p.RateLimitWindowMinutes, p.RateLimitRequests, p.RateLimitCost,
		p.DailyCostLimit, p.WeeklyOpusCostLimit,
		p.RestrictedModels, p.AllowedClients, p.Tags, p.ExpiresAt,
	)
	return scanRow(r)
}

func (s *store) list(ctx context.Context) ([]row, error) {
	query := `SELECT ` + tenantKeyColumns + ` FROM public.tenant_keys ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing tenant keys: %w", err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant key row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *store) get(ctx context.Context, id uuid.UUID) (row, error) {
	query := `SELECT ` + tenantKeyColumns + ` FROM public.tenant_keys WHERE id = $1`
	return scanRow(s.pool.QueryRow(ctx, query, id))
}

// setActive flips the active flag and returns the key's hash, so the
// caller can re-key or drop the KV-store index accordingly.
func (s *store) setActive(ctx context.Context, id uuid.UUID, active bool) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		`UPDATE public.tenant_keys SET active = $2 WHERE id = $1 RETURNING key_hash`,
		id, active,
	).Scan(&hash)
	return hash, err
}

func (s *store) delete(ctx context.Context, id uuid.UUID) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		`DELETE FROM public.tenant_keys WHERE id = $1 RETURNING key_hash`,
		id,
	).Scan(&hash)
	return hash, err
}

func (s *store) touchLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE public.tenant_keys SET last_used = now() WHERE id = $1`, id)
	return err
}

// listExpiredActive returns every still-active key whose expires_at has
// passed, for the periodic expiry sweep.
func (s *store) listExpiredActive(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM public.tenant_keys WHERE active AND expires_at IS NOT NULL AND expires_at < now()`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired tenant keys: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning expired tenant key id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
