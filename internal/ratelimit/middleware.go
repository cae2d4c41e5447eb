package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"gatekeeper/internal/models"
)

// KeyFunc derives the throttle key for a request, usually the client IP.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests with 429 once their key's bucket is empty.
// scope is prefixed to every key so one limiter can serve several routes
// without sharing buckets.
func Middleware(limiter Limiter, scope string, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":" + keyFn(r)
			allowed, info := limiter.Allow(key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))

			if !allowed {
				retryAfter := int(info.RetryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(models.NewErrorResponse("Too many requests, slow down", models.ErrorCodeRateLimitExceeded))

				slog.Warn("Request throttled",
					"event", "security",
					"key", key,
					"retry_after", retryAfter,
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
