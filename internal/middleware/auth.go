package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"metergate/internal/model"
)

// Injected key type to avoid context collisions
type contextKey string

const (
	UserContextKey   = contextKey("user")
	ClaimsContextKey = contextKey("claims")
)

func AuthMiddleware(jwtSecret string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header missing", http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}
			claims, err := ValidateJWT(parts[1], jwtSecret)
			if err != nil {
				logger.Warn().Err(err).Msg("invalid token")
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserContextKey, claims.Subject)
			ctx = context.WithValue(ctx, ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccountID returns the authenticated account id, or "" outside AuthMiddleware.
func AccountID(ctx context.Context) string {
	id, _ := ctx.Value(UserContextKey).(string)
	return id
}

func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(ClaimsContextKey).(*Claims)
	return c
}

// RoleLookup reads the stored role of an account.
type RoleLookup func(ctx context.Context, accountID string) (model.Role, error)

// RequireAdmin rejects callers whose stored role is not ADMIN. It must run after AuthMiddleware.
func RequireAdmin(lookup RoleLookup, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := AccountID(r.Context())
			role, err := lookup(r.Context(), id)
			if err != nil || role != model.RoleAdmin {
				logger.Warn().Err(err).Str("account_id", id).Msg("admin route denied")
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
