// ABOUTME: HTTP middleware applying the rate limiter at the transport boundary
// ABOUTME: Rejections get a 429 with Retry-After set to the remaining window

package ratelimit

import (
	"math"
	"net/http"
	"strconv"
)

// Middleware wraps next with per-source-address admission control.
// Rejected requests receive 429 Too Many Requests with a Retry-After
// header equal to the remaining window in whole seconds.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Check(r.RemoteAddr) {
			retry := int(math.Ceil(l.Retry(r.RemoteAddr).Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			l.logger.Warn("rate limited connection attempt", "addr", r.RemoteAddr)
			return
		}
		next.ServeHTTP(w, r)
	})
}
