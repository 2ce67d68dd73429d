package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		Attempts:   attempts,
		Base:       time.Millisecond,
		Max:        5 * time.Millisecond,
		Multiplier: 2,
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), fastPolicy(3), func(_ context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" || calls != 1 {
		t.Errorf("got %q after %d calls", v, calls)
	}
}

func TestRetry_SuccessAfterTransient(t *testing.T) {
	calls := 0
	var retried []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	v, err := Retry(context.Background(), p, func(_ context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, NewTransientError(errors.New("overloaded"), 529)
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 || calls != 3 {
		t.Errorf("got %d after %d calls", v, calls)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("unexpected OnRetry attempts %v", retried)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(3), func(_ context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("always"), 500)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("bad request")
	})
	if err == nil || calls != 1 {
		t.Errorf("expected one call and an error, got %d calls, err=%v", calls, err)
	}
}

func TestRetry_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 5, Base: time.Hour, Max: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, p, func(_ context.Context) (int, error) {
			calls++
			return 0, NewTransientError(errors.New("slow down"), 429)
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not stop on cancel")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_CustomRetryable(t *testing.T) {
	calls := 0
	p := fastPolicy(3)
	p.Retryable = func(error) bool { return true }

	_, _ = Retry(context.Background(), p, func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("anything")
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), func(_ context.Context) error {
		calls++
		if calls == 1 {
			return NewTransientError(errors.New("reset"), 503)
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("expected success after 2 calls, got %d calls, err=%v", calls, err)
	}
}

func TestDelay(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: 300 * time.Millisecond, Multiplier: 2}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for attempt, w := range want {
		if got := p.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}

	p.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := p.Delay(0)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %v out of range", d)
		}
	}
}

func TestPresets(t *testing.T) {
	if GenerationPolicy().Attempts < 2 {
		t.Error("generation policy should retry")
	}
	if SearchPolicy().Max > GenerationPolicy().Max {
		t.Error("search backoff should be shorter than generation backoff")
	}
}
