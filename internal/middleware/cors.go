// Package middleware provides HTTP middleware for the bridge API.
package middleware

import "net/http"

// CORS returns middleware that handles cross-origin requests for the
// bridge endpoints. The API only serves GET and POST.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			wildcard := false
			explicit := false
			for _, o := range allowedOrigins {
				switch o {
				case "*":
					wildcard = true
				case origin:
					explicit = true
				}
			}

			if origin != "" && (wildcard || explicit) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				// Credentials only for origins named in the allowlist.
				// Pairing Allow-Credentials with a wildcard-echoed
				// origin enables CSRF.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
