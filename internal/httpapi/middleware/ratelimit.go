package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter hands out a token-bucket limiter per caller key, evicting none
// of them: the decision engine expects a bounded, known set of storefront
// callers rather than the open internet, so unbounded map growth is not a
// concern in practice.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int
	burst    int
}

// NewRateLimiter constructs a RateLimiter allowing perMin requests per
// minute per caller, with the given burst size.
func NewRateLimiter(perMin, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		perMin:   perMin,
		burst:    burst,
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.limiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(float64(rl.perMin)/60.0), rl.burst)
	rl.limiters[key] = l
	return l
}

// Middleware rejects requests exceeding the per-caller rate with 429. The
// caller key is the authenticated subject if present, else the remote IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl.perMin <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if subject, ok := Subject(r.Context()); ok {
			key = subject
		}
		if !rl.limiterFor(key).Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
