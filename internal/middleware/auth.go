package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dukerupert/courier/internal/auth"
)

// Authenticator verifies bearer credentials.
type Authenticator interface {
	Authenticate(token string) (auth.Identity, error)
}

// RequireAuth validates the bearer token and populates AuthContext.
func RequireAuth(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := authn.Authenticate(BearerToken(r))
			if err != nil {
				msg := "invalid credential"
				if errors.Is(err, auth.ErrMissingToken) {
					msg = "missing credential"
				}
				unauthorized(w, msg)
				return
			}

			ac := auth.AuthContext{
				UserID:    id.UserID,
				ExpiresAt: id.ExpiresAt.Unix(),
			}
			ctx := auth.WithAuth(r.Context(), ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken returns the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="courier"`)
	writeError(w, http.StatusUnauthorized, "unauthorized", msg)
}
