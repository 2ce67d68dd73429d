package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errUpstream = NewTransientError(errors.New("upstream 503"), 503)

func fail(_ context.Context) (int, error) { return 0, errUpstream }
func succeed(_ context.Context) (int, error) { return 1, nil }

func TestBreaker_ClosedPassesThrough(t *testing.T) {
	b := NewBreaker("jina")

	v, err := Call(context.Background(), b, succeed)
	if err != nil || v != 1 {
		t.Fatalf("unexpected result %d, %v", v, err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("jina", WithThreshold(3), WithCooldown(time.Minute))

	for i := 0; i < 3; i++ {
		_, _ = Call(context.Background(), b, fail)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	_, err := Call(context.Background(), b, func(_ context.Context) (int, error) {
		t.Error("should not be called when open")
		return 0, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker("jina", WithThreshold(3))

	_, _ = Call(context.Background(), b, fail)
	_, _ = Call(context.Background(), b, fail)
	_, _ = Call(context.Background(), b, succeed)
	_, _ = Call(context.Background(), b, fail)
	_, _ = Call(context.Background(), b, fail)

	if b.State() != StateClosed {
		t.Errorf("expected closed after interleaved success, got %s", b.State())
	}
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("claude", WithThreshold(2))

	for i := 0; i < 5; i++ {
		_, _ = Call(context.Background(), b, func(_ context.Context) (int, error) {
			return 0, errors.New("400 bad request")
		})
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker("jina", WithThreshold(1), WithCooldown(10*time.Second))
	b.now = func() time.Time { return now }

	_, _ = Call(context.Background(), b, fail)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	now = now.Add(11 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}

	// Failed probe reopens.
	_, _ = Call(context.Background(), b, fail)
	if b.State() != StateOpen {
		t.Fatalf("expected reopen after failed probe, got %s", b.State())
	}

	now = now.Add(11 * time.Second)
	if _, err := Call(context.Background(), b, succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed after good probe, got %s", b.State())
	}
}

func TestBreaker_CustomTripOn(t *testing.T) {
	b := NewBreaker("perplexity", WithThreshold(1), WithTripOn(func(error) bool { return true }))
	_, _ = Call(context.Background(), b, func(_ context.Context) (int, error) {
		return 0, errors.New("anything")
	})
	if b.State() != StateOpen {
		t.Errorf("expected open, got %s", b.State())
	}
}

func TestBreaker_Concurrent(t *testing.T) {
	b := NewBreaker("jina", WithThreshold(1000))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = Call(context.Background(), b, fail)
			} else {
				_, _ = Call(context.Background(), b, succeed)
			}
		}(i)
	}
	wg.Wait()

	if b.State() == StateOpen {
		t.Error("breaker should not open below threshold")
	}
}

func TestStateString(t *testing.T) {
	if StateClosed.String() != "closed" || StateOpen.String() != "open" || StateHalfOpen.String() != "half-open" {
		t.Error("unexpected state names")
	}
	if State(99).String() != "unknown" {
		t.Error("unexpected name for unknown state")
	}
}
