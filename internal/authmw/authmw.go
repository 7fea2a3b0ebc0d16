// Package authmw provides HTTP middleware for API key authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
)

// APIKey returns middleware that requires a non-empty X-API-Key header.
// When expected is non-empty the key must also match it; comparison uses
// constant-time equality to prevent timing side channels. With an empty
// expected value any non-empty key is accepted.
func APIKey(expected string) func(http.Handler) http.Handler {
	want := []byte(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")

			if got == "" {
				writeUnauthorized(w, `{"error":"missing_api_key"}`)
				return
			}

			if len(want) > 0 && subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				writeUnauthorized(w, `{"error":"invalid_api_key"}`)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(body))
}
