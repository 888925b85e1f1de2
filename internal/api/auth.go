package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth rejects requests that do not carry "Authorization: Bearer
// <token>". An empty token disables the check. Websocket clients that cannot
// set headers may pass the token as the access_token query parameter.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			got := r.URL.Query().Get("access_token")
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
				got = auth[len(prefix):]
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
