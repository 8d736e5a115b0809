package httputil

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// SubjectKey stores the authenticated token subject in the request context.
const SubjectKey contextKey = "subject"

// TokenValidator interface for validating bearer tokens.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (subject string, err error)
}

// AuthMiddleware creates bearer-token authentication middleware for the
// operator API.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				Error(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				Error(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			subject, err := validator.ValidateToken(r.Context(), parts[1])
			if err != nil {
				Error(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), SubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSubject extracts the authenticated subject from context.
func GetSubject(ctx context.Context) string {
	if s, ok := ctx.Value(SubjectKey).(string); ok {
		return s
	}
	return ""
}
