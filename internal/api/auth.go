package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeySubject contextKey = "subject"

// SubjectFromContext returns the authenticated subject, or "anonymous".
func SubjectFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(contextKeySubject).(string); ok && s != "" {
		return s
	}
	return "anonymous"
}

// RequireJWT validates HS256 bearer tokens signed with secret. An empty
// secret disables the check.
func RequireJWT(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	if secret == "" {
		logger.Warn("ADMIN_JWT_SECRET is empty; admin endpoints are unauthenticated")
	}
	key := []byte(secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				respondWithError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			subject, err := validateToken(tokenString, key)
			if err != nil {
				logger.Warn("Rejected admin token", "error", err, "remote", r.RemoteAddr)
				respondWithError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeySubject, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validateToken(tokenString string, key []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("read subject: %w", err)
	}
	return subject, nil
}
