// Package resilience provides retry and circuit breaking for the search and
// generation backends.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned when a call is rejected by an open breaker.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// Breaker stops calling a backend after repeated failures and probes it again
// once the cooldown has passed. One successful probe closes it.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	trips     func(err error) bool

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	now      func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithThreshold sets the consecutive failures that open the breaker.
func WithThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays open before probing.
func WithCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithTripOn sets which errors count as failures. By default only transient
// errors do, so a bad request never opens the breaker.
func WithTripOn(fn func(err error) bool) BreakerOption {
	return func(b *Breaker) { b.trips = fn }
}

// NewBreaker creates a closed Breaker named after the backend it guards.
func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: 5,
		cooldown:  30 * time.Second,
		trips:     IsTransient,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Call runs fn through the breaker.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err)
	return v, err
}

// State returns the current state, reporting half-open once the cooldown has
// elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) >= b.cooldown {
		b.setState(StateHalfOpen)
		return nil
	}
	return eris.Wrapf(ErrCircuitOpen, "resilience: %s", b.name)
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.trips(err) {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	zap.L().Warn("resilience: breaker state change",
		zap.String("backend", b.name),
		zap.String("from", b.state.String()),
		zap.String("to", to.String()),
	)
	b.state = to
}
