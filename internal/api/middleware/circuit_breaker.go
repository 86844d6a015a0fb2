package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

var errUpstream = errors.New("upstream error")

// CircuitBreakerMiddleware fails fast with 503 while the named breaker is
// open. Handler responses of 5xx count as failures.
func CircuitBreakerMiddleware(name string, failureThreshold int, resetTimeout time.Duration) func(http.Handler) http.Handler {
	breaker := utils.GetCircuitBreaker(utils.BreakerConfig{
		Name:             name,
		FailureThreshold: failureThreshold,
		ResetTimeout:     resetTimeout,
	})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := wrap(w)
			err := breaker.Call(r.Context(), func(ctx context.Context) error {
				next.ServeHTTP(rw, r.WithContext(ctx))
				if rw.statusCode >= 500 {
					return fmt.Errorf("%w: status %d", errUpstream, rw.statusCode)
				}
				return nil
			})
			if errors.Is(err, utils.ErrCircuitOpen) {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(resetTimeout.Seconds())))
				writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable: "+name)
			}
		})
	}
}

// CircuitBreakerMetricsHandler reports every registered breaker.
func CircuitBreakerMetricsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"circuit_breakers": utils.CircuitBreakerStats(),
	})
}
