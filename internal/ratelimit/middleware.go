package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/MachinePay/totem-payments/internal/common"
)

// PerIP limits requests per client IP. Limiter errors fail open and are
// logged; a Redis hiccup must not drop gateway notifications.
type PerIP struct {
	Limiter Limiter
	Window  time.Duration
	Max     int
	Logger  zerolog.Logger
}

func (p PerIP) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, reset, err := p.Limiter.Allow(r.Context(), r.RemoteAddr, p.Window, p.Max)
		if err != nil {
			p.Logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(p.Max))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if !allowed {
			retryAfter := int(time.Until(reset).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			h.Set("Retry-After", strconv.Itoa(retryAfter))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
