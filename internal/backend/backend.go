// Package backend adapts the search and text-generation API clients to the
// interfaces research tasks consume, adding retries, pacing and circuit
// breaking.
package backend

import (
	"context"

	"github.com/sells-group/prep-cli/internal/resilience"
)

// Option configures how a backend calls its API.
type Option func(*callGuard)

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(g *callGuard) { g.policy = p }
}

// WithBreaker overrides the circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(g *callGuard) { g.breaker = b }
}

// callGuard retries a call and runs every attempt through a breaker.
type callGuard struct {
	policy  resilience.Policy
	breaker *resilience.Breaker
}

func newCallGuard(backend, operation string, policy resilience.Policy, opts []Option) callGuard {
	g := callGuard{
		policy:  policy,
		breaker: resilience.NewBreaker(backend),
	}
	for _, o := range opts {
		o(&g)
	}
	if g.policy.OnRetry == nil {
		g.policy.OnRetry = resilience.LogRetries(backend, operation)
	}
	return g
}

func guarded[T any](ctx context.Context, g callGuard, fn func(ctx context.Context) (T, error)) (T, error) {
	return resilience.Retry(ctx, g.policy, func(ctx context.Context) (T, error) {
		return resilience.Call(ctx, g.breaker, fn)
	})
}
