package security

import "net/http"

// Headers attaches baseline hardening headers. The service fronts kiosk
// clients and gateway callbacks only, so the policy is deliberately strict:
// nothing served here is meant to render in a browser frame.
func Headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
