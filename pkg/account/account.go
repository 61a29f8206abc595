// Package account is the admin-facing provisioning surface for upstream
// provider accounts: Postgres holds the durable descriptor and
// encrypted credential bundle, and every mutation is projected into the
// scheduler's Redis-backed account record and platform index.
package account

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/relaygate/relaygate/internal/scheduler"
)

// CreateRequest is the JSON body for POST /admin/v1/accounts.
type CreateRequest struct {
	Type     scheduler.AccountType `json:"type" validate:"required,oneof=claude-official claude-console bedrock gemini openai-compatible azure"`
	Platform string                `json:"platform" validate:"required,oneof=claude gemini openai"`

	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`

	ProxyURL         string   `json:"proxy_url,omitempty"`
	UnifiedUserAgent bool     `json:"unified_user_agent,omitempty"`
	RestrictedModels []string `json:"restricted_models,omitempty"`
	Schedulable      bool     `json:"schedulable"`
}

// UpdateRequest patches the mutable descriptor fields of an account
// without touching its credentials. Credential rotation goes through a
// separate endpoint so the raw tokens don't need to round-trip a
// read-modify-write cycle.
type UpdateRequest struct {
	ProxyURL         *string   `json:"proxy_url,omitempty"`
	UnifiedUserAgent *bool     `json:"unified_user_agent,omitempty"`
	RestrictedModels *[]string `json:"restricted_models,omitempty"`
	Schedulable      *bool     `json:"schedulable,omitempty"`
	Active           *bool     `json:"active,omitempty"`
}

// RotateCredentialsRequest replaces an account's OAuth credential bundle.
type RotateCredentialsRequest struct {
	AccessToken  string     `json:"access_token" validate:"required"`
	RefreshToken string     `json:"refresh_token"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
}

// Response is the JSON response for a single account. Credentials are
// never included.
type Response struct {
	ID       string                `json:"id"`
	Type     scheduler.AccountType `json:"type"`
	Platform string                `json:"platform"`
	Active   bool                  `json:"active"`

	ProxyURL         string   `json:"proxy_url,omitempty"`
	UnifiedUserAgent bool     `json:"unified_user_agent"`
	RestrictedModels []string `json:"restricted_models,omitempty"`
	Schedulable      bool     `json:"schedulable"`
	Status           scheduler.Status `json:"status"`

	TokenExpiry *time.Time `json:"token_expiry,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// row is the durable descriptor stored in public.accounts. Credential
// fields hold ciphertext produced by credcrypto.Box.Seal, never plaintext.
type row struct {
	ID       string
	Type     string
	Platform string
	Active   bool

	AccessToken  string
	RefreshToken string
	TokenExpiry  pgtype.Timestamptz
	Scopes       []string

	ProxyURL         string
	UnifiedUserAgent bool
	RestrictedModels []string
	Schedulable      bool

	CreatedAt time.Time
}

func (r row) toResponse(status scheduler.Status) Response {
	resp := Response{
		ID:               r.ID,
		Type:             scheduler.AccountType(r.Type),
		Platform:         r.Platform,
		Active:           r.Active,
		ProxyURL:         r.ProxyURL,
		UnifiedUserAgent: r.UnifiedUserAgent,
		RestrictedModels: r.RestrictedModels,
		Schedulable:      r.Schedulable,
		Status:           status,
		CreatedAt:        r.CreatedAt,
	}
	if r.TokenExpiry.Valid {
		t := r.TokenExpiry.Time
		resp.TokenExpiry = &t
	}
	return resp
}
