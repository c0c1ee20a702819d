package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyHeader is the header clients present their key in.
const APIKeyHeader = "X-API-Key"

// apiKeyExempt lists path prefixes that never require a key: health checks
// and the artifact paths media players fetch (players cannot attach
// custom headers to segment requests).
var apiKeyExempt = []string{"/health", "/stream/", "/download/"}

// APIKey enforces the configured key on API requests. An empty key
// disables enforcement entirely.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || exemptPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			presented := r.Header.Get(APIKeyHeader)
			if presented == "" {
				// WebSocket clients in browsers cannot set headers; allow
				// the key as a query parameter there.
				presented = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				http.Error(w, "invalid or missing API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func exemptPath(path string) bool {
	for _, prefix := range apiKeyExempt {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
