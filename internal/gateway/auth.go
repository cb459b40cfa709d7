package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware requires a shared bearer token on every route except /healthz.
type AuthMiddleware struct {
	token string
}

// NewAuthMiddleware returns a middleware checking token. An empty token
// disables authentication, which is only sensible on a loopback bind.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: strings.TrimSpace(token)}
}

// Wrap wraps an http.Handler with token checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if am.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			http.Error(w, `{"error":"missing API key"}`, http.StatusUnauthorized)
			return
		}
		if !am.matches(key) {
			http.Error(w, `{"error":"invalid API key"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Browsers cannot set headers on a websocket upgrade.
	return r.URL.Query().Get("api_key")
}

func (am *AuthMiddleware) matches(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(am.token)) == 1
}
