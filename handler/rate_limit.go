package handler

import (
	"net"
	"net/http"
	"sync"

	"ledger-auth-gateway/common"

	"golang.org/x/time/rate"
)

const maxTrackedClients = 10000

// RateLimiter throttles requests per client address.
type RateLimiter struct {
	limiters       map[string]*rate.Limiter
	mu             sync.RWMutex
	limitPerMinute int
}

func NewRateLimiter(limitPerMinute int) *RateLimiter {
	return &RateLimiter{
		limiters:       make(map[string]*rate.Limiter),
		limitPerMinute: limitPerMinute,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		limiter, exists = rl.limiters[key]
		if !exists {
			if len(rl.limiters) >= maxTrackedClients {
				rl.limiters = make(map[string]*rate.Limiter)
			}
			limiter = rate.NewLimiter(rate.Limit(rl.limitPerMinute)/60, rl.limitPerMinute)
			rl.limiters[key] = limiter
		}
		rl.mu.Unlock()
	}

	return limiter
}

// Middleware answers 429 once a client exceeds its budget. A non-positive
// limit disables throttling.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limitPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.getLimiter(clientAddr(r)).Allow() {
			common.NewAppError(http.StatusTooManyRequests, "Too many login attempts", nil).Send(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
