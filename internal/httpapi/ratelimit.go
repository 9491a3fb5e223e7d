package httpapi

import (
	"net/http"

	"github.com/swarmguard/amsab/internal/resilience"
)

// RateLimited wraps next so that goal submissions are governed by limiter:
// a burst of POST /goals can otherwise exhaust the planner's OpenAI quota
// before the circuit breaker (internal/resilience.CircuitBreaker) even sees
// a failure to react to. Every other route passes through untouched.
func RateLimited(limiter *resilience.HybridRateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/goals" {
			if !limiter.Allow(r.Context()) {
				writeError(w, http.StatusTooManyRequests, "goal submission rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
