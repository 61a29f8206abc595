package account

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const accountColumns = `id, type, platform, active,
	access_token, refresh_token, token_expiry, scopes,
	proxy_url, unified_user_agent, restricted_models, schedulable, created_at`

// store provides the Postgres-backed durable record for upstream
// accounts, distinct from the scheduler's Redis-backed operational copy.
type store struct {
	pool *pgxpool.Pool
}

func newStore(pool *pgxpool.Pool) *store {
	return &store{pool: pool}
}

type createParams struct {
	Type     string
	Platform string

	AccessToken  string
	RefreshToken string
	TokenExpiry  pgtype.Timestamptz
	Scopes       []string

	ProxyURL         string
	UnifiedUserAgent bool
	RestrictedModels []string
	Schedulable      bool
}

func scanRow(r pgx.Row) (row, error) {
	var out row
	err := r.Scan(
		&out.ID, &out.Type, &out.Platform, &out.Active,
		&out.AccessToken, &out.RefreshToken, &out.TokenExpiry, &out.Scopes,
		&out.ProxyURL, &out.UnifiedUserAgent, &out.RestrictedModels, &out.Schedulable, &out.CreatedAt,
	)
	return out, err
}

func (s *store) create(ctx context.Context, p createParams) (row, error) {
	query := `INSERT INTO public.accounts (
		type, platform, active,
		access_token, refresh_token, token_expiry, scopes,
		proxy_url, unified_user_agent, restricted_models, schedulable
	) VALUES ($1, $2, true, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING ` + accountColumns

	r := s.pool.QueryRow(ctx, query,
		p.Type, p.Platform,
		p.AccessToken, p.RefreshToken, p.TokenExpiry, p.Scopes,
		p.ProxyURL, p.UnifiedUserAgent, p.RestrictedModels, p.Schedulable,
	)
	return scanRow(r)
}

func (s *store) list(ctx context.Context) ([]row, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM public.accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *store) get(ctx context.Context, id string) (row, error) {
	return scanRow(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM public.accounts WHERE id = $1`, id))
}

func (s *store) updateDescriptor(ctx context.Context, id string, proxyURL *string, unifiedUA *bool, restrictedModels *[]string, schedulable, active *bool) (row, error) {
	query := `UPDATE public.accounts SET
		proxy_url = COALESCE($2, proxy_url),
		unified_user_agent = COALESCE($3, unified_user_agent),
		restricted_models = COALESCE($4, restricted_models),
		schedulable = COALESCE($5, schedulable),
		active = COALESCE($6, active)
	WHERE id = $1
	RETURNING ` + accountColumns

	r := s.pool.QueryRow(ctx, query, id, proxyURL, unifiedUA, restrictedModels, schedulable, active)
	return scanRow(r)
}

func (s *store) rotateCredentials(ctx context.Context, id, accessToken, refreshToken string, tokenExpiry pgtype.Timestamptz, scopes []string) (row, error) {
	query := `UPDATE public.accounts SET
		access_token = $2, refresh_token = $3, token_expiry = $4, scopes = $5
	WHERE id = $1
	RETURNING ` + accountColumns

	r := s.pool.QueryRow(ctx, query, id, accessToken, refreshToken, tokenExpiry, scopes)
	return scanRow(r)
}

func (s *store) delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM public.accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
