package keyservice

import (
	"context"
	"net/http"

	"github.com/relaygate/relaygate/internal/httpserver"
	"github.com/relaygate/relaygate/internal/relayerr"
)

type contextKey struct{}

// KeyFromContext extracts the validated tenant key attached by
// Middleware, if any.
func KeyFromContext(ctx context.Context) (Key, bool) {
	k, ok := ctx.Value(contextKey{}).(Key)
	return k, ok
}

// Middleware authenticates inbound relay requests via the X-API-Key
// header and attaches the resolved Key to the request context.
// Satisfies httpserver.RelayAuthMiddleware.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get("X-API-Key")
		if secret == "" {
			httpserver.Respond(w, http.StatusUnauthorized, map[string]string{"error": "Missing API key"})
			return
		}

		key, err := s.ValidateKey(r.Context(), secret)
		if err != nil {
			status := http.StatusUnauthorized
			if code, ok := relayerr.CodeOf(err); ok && code == relayerr.CodeExpired {
				status = http.StatusForbidden
			}
			httpserver.Respond(w, status, map[string]string{"error": "Invalid API key"})
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
