package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/service"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

// RateLimitMiddleware enforces a fixed-window limit per client IP using
// Redis. scope separates budgets, e.g. "auth" and "api".
func RateLimitMiddleware(cacheService service.CacheService, scope string, maxRequests int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cacheService == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := scope + ":" + getClientIP(r)
			allowed, err := cacheService.CheckRateLimit(r.Context(), key, maxRequests, window)
			if err != nil {
				// fail open when redis is unavailable
				utils.Warn("rate limit check failed", "key", key, "error", err.Error())
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
			w.Header().Set("X-RateLimit-Window", window.String())
			if !allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP extracts the real client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
