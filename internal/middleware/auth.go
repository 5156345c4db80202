package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"unicode"
)

type contextKey string

const (
	userIDKey contextKey = "userID"
	tokenKey  contextKey = "bearerToken"
)

// UserIDFromContext retrieves the caller's identity from the request
// context, set by InternalAuth from the trusted X-User-ID header.
func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(userIDKey).(string)
	return uid
}

// WithUserID returns a new context with the given user ID set. Useful for
// testing handlers that depend on auth middleware.
func WithUserID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, userIDKey, uid)
}

// BearerTokenFromContext retrieves the raw Authorization bearer token, if
// any, set by ExtractBearerToken. The aggregator never verifies this token
// itself — it only forwards it to peers and the tunnel transport.
func BearerTokenFromContext(ctx context.Context) string {
	tok, _ := ctx.Value(tokenKey).(string)
	return tok
}

// InternalAuth returns middleware protecting the tunnel-authority and
// reserved-queue-broker endpoints. It trusts an upstream proxy to have
// already validated the caller's session: requests carry X-Internal-Auth
// (compared against secret) and X-User-ID (the validated identity). Identity
// verification itself is out of scope for this service.
func InternalAuth(secret string) func(http.Handler) http.Handler {
	secretBytes := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			internalToken := r.Header.Get("X-Internal-Auth")
			userID := r.Header.Get("X-User-ID")

			if len(secretBytes) == 0 || internalToken == "" || userID == "" {
				respondError(w, http.StatusUnauthorized, "missing internal auth credentials")
				return
			}
			if subtle.ConstantTimeCompare([]byte(internalToken), secretBytes) != 1 {
				respondError(w, http.StatusUnauthorized, "invalid internal auth token")
				return
			}

			userID = strings.TrimSpace(userID)
			if userID == "" || len(userID) > 256 || !isPrintableASCII(userID) {
				respondError(w, http.StatusBadRequest, "invalid user ID")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ExtractBearerToken is non-blocking middleware: it stashes the request's
// Authorization bearer token (if present) in the context for downstream
// handlers to forward to peers, but never rejects the request on its
// absence — the chat endpoints accept anonymous callers per spec.md §6.
func ExtractBearerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := extractBearerToken(r); token != "" {
			ctx := context.WithValue(r.Context(), tokenKey, token)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// isPrintableASCII checks that every rune is a printable ASCII character.
func isPrintableASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
