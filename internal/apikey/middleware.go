package apikey

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rudironsoni/synaxis/internal/store"
)

type contextKey string

const apiKeyContextKey contextKey = "apikey"

// NewContext returns ctx carrying rec the way AuthMiddleware attaches it.
func NewContext(ctx context.Context, rec *store.APIKeyRecord) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, rec)
}

// FromContext returns the API key record attached to the request context.
func FromContext(ctx context.Context) *store.APIKeyRecord {
	if v, ok := ctx.Value(apiKeyContextKey).(*store.APIKeyRecord); ok {
		return v
	}
	return nil
}

// OrgFromContext returns the org of the authenticated key, or "" when the
// request carried no key.
func OrgFromContext(ctx context.Context) string {
	if rec := FromContext(ctx); rec != nil {
		return rec.OrgID
	}
	return ""
}

// authError writes an OpenAI-shaped error body, matching what clients of
// the completion surface expect on 401/403.
func authError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "authentication_error",
		},
	})
}

// bearerToken extracts the Bearer credential and reports whether it looks
// like one of our keys.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	return token, strings.HasPrefix(token, keyPrefix)
}

// AuthMiddleware validates Bearer tokens on incoming requests.
// Missing or invalid keys get 401; a valid key without the scope for the
// requested path gets 403.
func AuthMiddleware(mgr *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := r.Header.Get("X-Real-IP")
			if clientIP == "" {
				clientIP = r.RemoteAddr
			}
			warn := func(msg string, extra ...any) {
				args := append([]any{slog.String("ip", clientIP), slog.String("path", r.URL.Path)}, extra...)
				slog.Warn(msg, args...)
			}

			token, wellFormed := bearerToken(r)
			if token == "" {
				warn("api key auth: missing token")
				authError(w, "authorization required", http.StatusUnauthorized)
				return
			}
			if !wellFormed {
				warn("api key auth: invalid key format")
				authError(w, "invalid api key format", http.StatusUnauthorized)
				return
			}

			rec, err := mgr.Validate(r.Context(), token)
			if err != nil {
				warn("api key auth: validation failed", slog.String("error", err.Error()))
				authError(w, "invalid api key", http.StatusUnauthorized)
				return
			}

			if !CheckScope(rec, r.URL.Path) {
				warn("api key auth: insufficient scope", slog.String("key_id", rec.ID))
				authError(w, "insufficient scope", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), rec)))
		})
	}
}
