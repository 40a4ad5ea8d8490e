package middleware

import (
	"crypto/subtle"
	"net/http"
)

// DefaultAPIKeyHeader is the header the voice-agent platform sends its
// shared key in.
const DefaultAPIKeyHeader = "X-API-Key"

// APIKey guards the voice webhook surface with a static shared key. An empty
// configured key disables the check for local development; an empty header
// name falls back to DefaultAPIKeyHeader.
func APIKey(header, key string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := []byte(r.Header.Get(header))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
