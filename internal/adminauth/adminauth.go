// Package adminauth authenticates callers of the /admin/v1 provisioning
// API with a static bearer token and attaches an audit identity to the
// request context.
package adminauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/audit"
	"github.com/relaygate/relaygate/internal/httpserver"
)

// adminActorNamespace is a fixed namespace used to derive a stable
// ActorID per configured token, so the audit log can tell two admin
// tokens apart without storing a separate identity table.
var adminActorNamespace = uuid.MustParse("6f6e1c1a-6e0e-4e58-9f8b-9f6f7b9d8a00")

// Middleware returns a RelayAuthMiddleware/AdminAuthMiddleware-compatible
// function that authenticates requests against the given set of tokens.
func Middleware(tokens []string) func(http.Handler) http.Handler {
	actorIDs := make(map[string]uuid.UUID, len(tokens))
	for _, tok := range tokens {
		actorIDs[tok] = uuid.NewSHA1(adminActorNamespace, []byte(tok))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := bearerToken(r)
			if !ok {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			actorID, matched := matchToken(actorIDs, tok)
			if !matched {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid admin token")
				return
			}

			ctx := audit.WithIdentity(r.Context(), audit.Identity{ActorID: actorID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

// matchToken compares tok against every configured token in constant
// time, so the set of valid tokens can't be enumerated by timing.
func matchToken(actorIDs map[string]uuid.UUID, tok string) (uuid.UUID, bool) {
	want := sha256.Sum256([]byte(tok))
	for candidate, actorID := range actorIDs {
		have := sha256.Sum256([]byte(candidate))
		if subtle.ConstantTimeCompare(want[:], have[:]) == 1 {
			return actorID, true
		}
	}
	return uuid.UUID{}, false
}
