package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/relaygate/relaygate/internal/credcrypto"
	"github.com/relaygate/relaygate/internal/tokenrefresh"
)

// CredentialStore adapts Store to tokenrefresh.AccountStore, letting the
// token refresh service read and persist credentials through the same
// account records the scheduler owns. When box is non-nil, access and
// refresh tokens are encrypted at rest.
type CredentialStore struct {
	store *Store
	box   *credcrypto.Box
}

// NewCredentialStore wraps a scheduler Store for the token refresh
// service. box may be nil, in which case tokens are stored in plaintext
// (only acceptable for local/dev use).
func NewCredentialStore(store *Store, box *credcrypto.Box) *CredentialStore {
	return &CredentialStore{store: store, box: box}
}

// GetCredentials implements tokenrefresh.AccountStore.
func (c *CredentialStore) GetCredentials(ctx context.Context, accountID string) (tokenrefresh.Credentials, error) {
	acc, found, err := c.store.Get(ctx, accountID)
	if err != nil {
		return tokenrefresh.Credentials{}, fmt.Errorf("scheduler credentials: loading %q: %w", accountID, err)
	}
	if !found {
		return tokenrefresh.Credentials{}, fmt.Errorf("scheduler credentials: account %q not found", accountID)
	}

	access, refresh := acc.AccessToken, acc.RefreshToken
	if c.box != nil {
		if access, err = c.box.Open(access); err != nil {
			return tokenrefresh.Credentials{}, fmt.Errorf("scheduler credentials: decrypting access token for %q: %w", accountID, err)
		}
		if refresh, err = c.box.Open(refresh); err != nil {
			return tokenrefresh.Credentials{}, fmt.Errorf("scheduler credentials: decrypting refresh token for %q: %w", accountID, err)
		}
	}

	return tokenrefresh.Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    acc.TokenExpiry,
		Scopes:       acc.Scopes,
	}, nil
}

// SetCredentials implements tokenrefresh.AccountStore.
func (c *CredentialStore) SetCredentials(ctx context.Context, accountID string, creds tokenrefresh.Credentials) error {
	access, refresh := creds.AccessToken, creds.RefreshToken
	if c.box != nil {
		var err error
		if access, err = c.box.Seal(access); err != nil {
			return fmt.Errorf("scheduler credentials: encrypting access token for %q: %w", accountID, err)
		}
		if refresh, err = c.box.Seal(refresh); err != nil {
			return fmt.Errorf("scheduler credentials: encrypting refresh token for %q: %w", accountID, err)
		}
	}

	return c.store.UpdateFields(ctx, accountID, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_expiry":  creds.ExpiresAt.UTC().Format(time.RFC3339),
		"status":        string(StatusReady),
	})
}
