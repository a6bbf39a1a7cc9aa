package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter is a token bucket guarding one connection's inbound frames.
// The bucket holds Burst tokens and refills completely over RefillInterval.
type rateLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(burst)/interval.Seconds()), burst),
		now:     time.Now,
	}
}

// allow spends one token if one is available.
func (rl *rateLimiter) allow() bool {
	return rl.limiter.AllowN(rl.now(), 1)
}
