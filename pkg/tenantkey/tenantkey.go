// Package tenantkey is the admin-facing provisioning surface for tenant
// keys: the durable record of record lives in Postgres, and every
// mutation is projected into the KV store's apikey:{id} hash and
// apikey:hash:{hash} index that keyservice reads on the hot path.
package tenantkey

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/relaygate/relaygate/internal/keyservice"
)

// CreateRequest is the JSON body for POST /admin/v1/tenant-keys.
type CreateRequest struct {
	Name        string              `json:"name" validate:"required"`
	Permissions keyservice.Permission `json:"permissions" validate:"required,oneof=claude gemini openai all"`

	BoundAccountIDs map[string]string `json:"bound_account_ids,omitempty"`

	TokenLimit       int64 `json:"token_limit,omitempty"`
	ConcurrencyLimit int64 `json:"concurrency_limit,omitempty"`

	RateLimitWindowMinutes int64 `json:"rate_limit_window_minutes,omitempty"`
	RateLimitRequests      int64 `json:"rate_limit_requests,omitempty"`
	RateLimitCost          int64 `json:"rate_limit_cost,omitempty"`

	DailyCostLimit      int64 `json:"daily_cost_limit,omitempty"`
	WeeklyOpusCostLimit int64 `json:"weekly_opus_cost_limit,omitempty"`

	RestrictedModels []string   `json:"restricted_models,omitempty"`
	AllowedClients   []string   `json:"allowed_clients,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// Response is the JSON response for a single tenant key (never includes
// the raw secret).
type Response struct {
	ID          uuid.UUID             `json:"id"`
	KeyPrefix   string                `json:"key_prefix"`
	Name        string                `json:"name"`
	Active      bool                  `json:"active"`
	Permissions keyservice.Permission `json:"permissions"`

	BoundAccountIDs map[string]string `json:"bound_account_ids,omitempty"`

	TokenLimit       int64 `json:"token_limit,omitempty"`
	ConcurrencyLimit int64 `json:"concurrency_limit,omitempty"`

	RateLimitWindowMinutes int64 `json:"rate_limit_window_minutes,omitempty"`
	RateLimitRequests      int64 `json:"rate_limit_requests,omitempty"`
	RateLimitCost          int64 `json:"rate_limit_cost,omitempty"`

	DailyCostLimit      int64 `json:"daily_cost_limit,omitempty"`
	WeeklyOpusCostLimit int64 `json:"weekly_opus_cost_limit,omitempty"`

	RestrictedModels []string `json:"restricted_models,omitempty"`
	AllowedClients   []string `json:"allowed_clients,omitempty"`
	Tags             []string `json:"tags,omitempty"`

	LastUsed  *time.Time `json:"last_used,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreateResponse includes the raw secret, shown only once at creation.
type CreateResponse struct {
	Response
	RawKey string `json:"raw_key"`
}

// row is the durable row shape stored in public.tenant_keys.
type row struct {
	ID          uuid.UUID
	KeyHash     string
	KeyPrefix   string
	Name        string
	Active      bool
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

	LastUsed  pgtype.Timestamptz
	ExpiresAt pgtype.Timestamptz
	CreatedAt time.Time
}

func (r row) toResponse() Response {
	resp := Response{
		ID:                     r.ID,
		KeyPrefix:              r.KeyPrefix,
		Name:                   r.Name,
		Active:                 r.Active,
		Permissions:            keyservice.Permission(r.Permissions),
		BoundAccountIDs:        r.BoundAccountIDs,
		TokenLimit:             r.TokenLimit,
		ConcurrencyLimit:       r.ConcurrencyLimit,
		RateLimitWindowMinutes: r.RateLimitWindowMinutes,
		RateLimitRequests:      r.RateLimitRequests,
		RateLimitCost:          r.RateLimitCost,
		DailyCostLimit:         r.DailyCostLimit,
		WeeklyOpusCostLimit:    r.WeeklyOpusCostLimit,
		RestrictedModels:       r.RestrictedModels,
		AllowedClients:         r.AllowedClients,
		Tags:                   r.Tags,
		CreatedAt:              r.CreatedAt,
	}
	if r.LastUsed.Valid {
		t := r.LastUsed.Time
		resp.LastUsed = &t
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time
		resp.ExpiresAt = &t
	}
	return resp
}
