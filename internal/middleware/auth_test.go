package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metergate/internal/model"
)

const secret = "test-secret"

func sign(t *testing.T, claims Claims, method jwt.SigningMethod, key interface{}) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims() Claims {
	return Claims{
		Email: "a@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "acc-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestAuthMiddleware(t *testing.T) {
	var gotID string
	var gotClaims *Claims
	h := AuthMiddleware(secret, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = AccountID(r.Context())
		gotClaims = ClaimsFrom(r.Context())
	}))

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noSubject := validClaims()
	noSubject.Subject = ""

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + sign(t, validClaims(), jwt.SigningMethodHS256, []byte("other")), http.StatusUnauthorized},
		{"expired", "Bearer " + sign(t, expired, jwt.SigningMethodHS256, []byte(secret)), http.StatusUnauthorized},
		{"no subject", "Bearer " + sign(t, noSubject, jwt.SigningMethodHS256, []byte(secret)), http.StatusUnauthorized},
		{"valid", "Bearer " + sign(t, validClaims(), jwt.SigningMethodHS256, []byte(secret)), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID = ""
			req := httptest.NewRequest(http.MethodGet, "/quota", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "acc-1", gotID)
				require.NotNil(t, gotClaims)
				assert.Equal(t, "a@example.com", gotClaims.Email)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	roles := map[string]model.Role{"boss": model.RoleAdmin, "user": model.RoleStandard}
	lookup := func(_ context.Context, id string) (model.Role, error) { return roles[id], nil }
	h := RequireAdmin(lookup, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for id, want := range map[string]int{"boss": http.StatusNoContent, "user": http.StatusForbidden, "": http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodPost, "/admin/tasks/x", nil)
		req = req.WithContext(context.WithValue(req.Context(), UserContextKey, id))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, want, rr.Code, id)
	}
}
