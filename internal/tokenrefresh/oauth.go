package tokenrefresh

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// OAuth2Refresher adapts a standard oauth2.Config token-exchange flow to
// the PlatformRefresher contract. One instance per upstream platform
// (claude, gemini, ...), each pointed at that platform's token endpoint.
type OAuth2Refresher struct {
	cfg *oauth2.Config
}

// NewOAuth2Refresher builds a refresher around an OAuth2 client
// configuration (client id/secret and token endpoint for the platform).
func NewOAuth2Refresher(cfg *oauth2.Config) *OAuth2Refresher {
	return &OAuth2Refresher{cfg: cfg}
}

// Refresh exchanges refreshToken for a new access token.
func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return Credentials{}, fmt.Errorf("oauth2 refresh: %w", err)
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Hour)
	}

	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	return Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    expiresAt,
	}, nil
}
