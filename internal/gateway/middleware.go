package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// accessTokenParam carries the token for browser websocket clients, which
// cannot set an Authorization header on the handshake.
const accessTokenParam = "access_token"

// BearerAuth returns middleware that, when token is non-empty, requires
// Authorization: Bearer <token> or an access_token query parameter. Missing or
// incorrect tokens get 401 Unauthorized. Tokens are compared in constant time.
// When token is empty, the next handler is called without checking.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := bearerToken(r)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, prefix) {
			return ""
		}
		return strings.TrimSpace(auth[len(prefix):])
	}
	return r.URL.Query().Get(accessTokenParam)
}
