package backend

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter paces calls to a backend. Successful calls nudge the rate
// up by 20% (at most 2x the initial rate); a 429 halves it (at least a
// quarter of the initial rate).
type AdaptiveLimiter struct {
	name string

	mu      sync.Mutex
	limiter *rate.Limiter
	current rate.Limit
	max     rate.Limit
	min     rate.Limit
}

// NewAdaptiveLimiter creates a limiter starting at rps requests per second.
func NewAdaptiveLimiter(name string, rps float64, burst int) *AdaptiveLimiter {
	if burst < 1 {
		burst = 1
	}
	initial := rate.Limit(rps)
	return &AdaptiveLimiter{
		name:    name,
		limiter: rate.NewLimiter(initial, burst),
		current: initial,
		max:     initial * 2,
		min:     initial / 4,
	}
}

// Wait blocks until the next call is allowed or ctx is done.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.current * 1.2
	if next > a.max {
		next = a.max
	}
	a.set(next)
}

// OnRateLimit lowers the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.current * 0.5
	if next < a.min {
		next = a.min
	}
	a.set(next)
	zap.L().Warn("backend: rate limited, slowing down",
		zap.String("backend", a.name),
		zap.Float64("rps", float64(next)),
	)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *AdaptiveLimiter) set(l rate.Limit) {
	a.current = l
	a.limiter.SetLimit(l)
}
