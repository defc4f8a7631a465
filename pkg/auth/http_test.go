package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-authgate/internal/testutil/fixtures"
)

func TestHTTPMiddleware_AllowsAndStoresClaims(t *testing.T) {
	t.Parallel()
	h := newAuthorizerHarness(t, nil)

	var captured context.Context
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Context()
		w.WriteHeader(http.StatusOK)
	})
	handler := HTTPMiddleware(h.a, RequireScopes(fixtures.ScopeRead))(inner)

	req := httptest.NewRequest(http.MethodGet, "/repairs", nil)
	req.Header.Set("Authorization", "Bearer "+h.idp.Token(t, nil))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	claims, ok := ClaimsFromContext(captured)
	require.True(t, ok, "claims not found in context after middleware")
	assert.Equal(t, fixtures.Subject, claims.Subject)
}

func TestHTTPMiddleware_Denies(t *testing.T) {
	t.Parallel()
	h := newAuthorizerHarness(t, nil)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler must not run on deny")
	})
	handler := HTTPMiddleware(h.a, RequireScopes(fixtures.ScopeAdmin))(inner)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz"},
		{name: "garbage token", header: "Bearer not-a-jwt"},
		{name: "insufficient scope", header: "Bearer " + h.idp.Token(t, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/repairs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"))
			assert.NotContains(t, rr.Body.String(), "AUTH", "the reason is never returned")
		})
	}
}

func TestAuthorizer_HandlerFunc(t *testing.T) {
	t.Parallel()
	h := newAuthorizerHarness(t, nil)
	handler := h.a.HandlerFunc(Requirement{}, func(w http.ResponseWriter, r *http.Request) {
		claims := MustClaimsFromContext(r.Context())
		_, _ = w.Write([]byte(claims.TenantID))
	})

	req := httptest.NewRequest(http.MethodPost, "/repairs", nil)
	req.Header.Set("Authorization", "Bearer "+h.idp.Token(t, nil))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, fixtures.TenantID, rr.Body.String())
}
