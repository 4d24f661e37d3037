package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/baristack/posgo/internal/utils"
)

type contextKey string

// ClaimsKey locates the verified token claims in the request context.
const ClaimsKey contextKey = "claims"

// Auth verifies the bearer token on every request it wraps and injects
// the claims into the request context.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}
			claims, err := utils.ValidateToken(strings.TrimPrefix(header, "Bearer "), secret)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFrom extracts the verified claims, nil when absent.
func ClaimsFrom(ctx context.Context) *utils.Claims {
	claims, _ := ctx.Value(ClaimsKey).(*utils.Claims)
	return claims
}
