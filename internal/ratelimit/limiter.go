package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out one token bucket per key, e.g. per device id
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewLimiter allows perHour events per key, with bursts of up to burst.
// A non-positive perHour allows nothing beyond the burst.
func NewLimiter(perHour int, burst int) *Limiter {
	limit := rate.Limit(0)
	if perHour > 0 {
		limit = rate.Every(time.Hour / time.Duration(perHour))
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   limit,
		burst:   burst,
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Allow consumes a token for key if one is available
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// Tokens returns the tokens currently available for key
func (l *Limiter) Tokens(key string) float64 {
	return l.bucket(key).Tokens()
}

// Forget drops the bucket for key so it starts full next time
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}
