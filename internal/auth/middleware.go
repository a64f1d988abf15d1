package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type contextKey string

const identityKey contextKey = "identity"

// AuthMiddleware attaches an Identity to every request. When auth is
// required a valid key must be presented.
func AuthMiddleware(keys *Keyring) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var identity *Identity

			if !keys.Required() {
				identity = keys.Anonymous()
			} else {
				apiKey := extractAPIKey(r)
				if apiKey == "" {
					writeAuthError(w, "API key required", http.StatusUnauthorized)
					return
				}
				id, err := keys.Authenticate(apiKey)
				if errors.Is(err, ErrExpiredKey) {
					writeAuthError(w, "API key expired", http.StatusUnauthorized)
					return
				}
				if err != nil {
					writeAuthError(w, "Invalid API key", http.StatusUnauthorized)
					return
				}
				identity = id
			}

			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission rejects requests whose Identity lacks perm.
func RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFrom(r.Context())
			if identity == nil {
				writeAuthError(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			if !identity.HasPermission(perm) {
				writeAuthError(w, "Insufficient permissions", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func IdentityFrom(ctx context.Context) *Identity {
	if identity, ok := ctx.Value(identityKey).(*Identity); ok {
		return identity
	}
	return nil
}

// extractAPIKey reads the key from the Authorization header, falling
// back to the api_key query parameter for websocket upgrades.
func extractAPIKey(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if strings.HasPrefix(authHeader, "ApiKey ") {
		return strings.TrimPrefix(authHeader, "ApiKey ")
	}
	return r.URL.Query().Get("api_key")
}

func writeAuthError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
