package adminauth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaygate/relaygate/internal/audit"
)

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	mw := Middleware([]string{"secret-1"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/tenant-keys", nil)

	mw(okHandler(t)).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsWrongToken(t *testing.T) {
	mw := Middleware([]string{"secret-1"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/tenant-keys", nil)
	req.Header.Set("Authorization", "Bearer nope")

	mw(okHandler(t)).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareAcceptsConfiguredTokenAndSetsIdentity(t *testing.T) {
	mw := Middleware([]string{"secret-1", "secret-2"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/tenant-keys", nil)
	req.Header.Set("Authorization", "Bearer secret-2")

	var sawIdentity bool
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawIdentity = audit.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	mw(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !sawIdentity {
		t.Fatal("expected an audit identity to be attached to the request context")
	}
}

func okHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	})
}
