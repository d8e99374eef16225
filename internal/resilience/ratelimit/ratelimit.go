// Package ratelimit gates inbound HTTP traffic with a token bucket
// (golang.org/x/time/rate), the first stage of the write pipeline's
// "client → rate limit → load shed → bulkhead admit" control flow.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Limiter wraps a token-bucket rate limiter configured from
// RATE_LIMIT_RPS/RATE_LIMIT_BURST.
type Limiter struct {
	rl *rate.Limiter
}

// New builds a Limiter. rps <= 0 disables limiting (Allow always true).
func New(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return &Limiter{rl: rate.NewLimiter(rate.Inf, burst)}
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether one request may proceed right now, consuming a
// token if so.
func (l *Limiter) Allow() bool {
	return l.rl.Allow()
}

// RetryAfter estimates how long a caller should wait before retrying,
// rounded up to the nearest whole second for the Retry-After header.
func (l *Limiter) RetryAfter() time.Duration {
	r := l.rl.Reserve()
	if !r.OK() {
		return time.Second
	}
	delay := r.Delay()
	r.Cancel()
	if delay < time.Second {
		return time.Second
	}
	rounded := delay.Truncate(time.Second)
	if rounded < delay {
		rounded += time.Second
	}
	return rounded
}
