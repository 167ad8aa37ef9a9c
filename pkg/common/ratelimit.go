package common

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter provides thread-safe admission control over a token bucket.
// Callers that cannot wait ask Allow for a decision and a retry hint.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter with the specified requests per second (rps)
// and burst size. The burst parameter controls how many requests can be made at once
// to accommodate temporary spikes in traffic.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether an event may happen now. When it may not, the
// returned duration is how long until a token becomes available and no
// token is consumed.
func (rl *RateLimiter) Allow() (bool, time.Duration) {
	r := rl.limiter.Reserve()
	if !r.OK() {
		return false, 0
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}
