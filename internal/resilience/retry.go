package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy controls retry behavior with exponential backoff and jitter.
type Policy struct {
	// Attempts is the total number of tries including the first. Default: 3.
	Attempts int

	// Base is the delay before the first retry. Default: 500ms.
	Base time.Duration

	// Max caps a single delay. Default: 10s.
	Max time.Duration

	// Multiplier scales the delay after each attempt. Default: 2.
	Multiplier float64

	// Jitter is the random spread as a fraction of the delay (0.25 = ±25%).
	Jitter float64

	// Retryable overrides IsTransient when set.
	Retryable func(err error) bool

	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// GenerationPolicy is the retry policy for text-generation calls. Generation
// is the slow, expensive step so it gets few attempts with long backoff.
func GenerationPolicy() Policy {
	return Policy{
		Attempts:   3,
		Base:       2 * time.Second,
		Max:        20 * time.Second,
		Multiplier: 2,
		Jitter:     0.25,
	}
}

// SearchPolicy is the retry policy for web search calls.
func SearchPolicy() Policy {
	return Policy{
		Attempts:   2,
		Base:       500 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
		Jitter:     0.25,
	}
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 10 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Delay returns the backoff before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * p.Jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, returns a non-retryable error, runs out
// of attempts, or ctx is done. The last error is returned unchanged.
func Retry[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !p.Retryable(err) || attempt == p.Attempts-1 {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// Do is Retry for functions without a result.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// LogRetries returns an OnRetry callback that logs each retry.
func LogRetries(backend, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("resilience: retrying",
			zap.String("backend", backend),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
