package httpapi

import (
	"net/http"
	"strings"

	"squadgoo.org/internal/identity"
)

// publicPaths need no bearer token.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
	"/v1/info": true,
}

// withIdentity verifies the bearer token and stores the caller identity
// on the request context. Probe and metrics endpoints stay open.
func (a *API) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="governance"`)
			writeError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, err := identity.ParseAndVerify(strings.TrimSpace(token))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="governance", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.ContextWithIdentity(r.Context(), id)))
	})
}
