package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/xfeldman/hyperfleet/internal/errs"
)

func TestWithTimeout_ResolvesBeforeDeadline(t *testing.T) {
	v, err := WithTimeout(context.Background(), 50, "", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("got (%d, %v), want (42, nil)", v, err)
	}
}

func TestWithTimeout_FailsOnDeadline(t *testing.T) {
	_, err := WithTimeout(context.Background(), 10, "slow op", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if _, ok := err.(*errs.Timeout); !ok {
		t.Fatalf("got %v (%T), want *errs.Timeout", err, err)
	}
}

// TestRetry_SeedScenario3 matches spec §8 seed scenario 3: a function that
// fails twice then succeeds, initial=50ms, multiplier=2, jitter=false,
// maxAttempts=3 — total wall time >= 150ms (50 + 100), final result ok.
func TestRetry_SeedScenario3(t *testing.T) {
	attempt := 0
	start := time.Now()
	v, err := WithRetry(context.Background(), RetryOptions{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   2,
	}, func(ctx context.Context) (int, error) {
		attempt++
		if attempt < 3 {
			return 0, fmt.Errorf("attempt %d failed", attempt)
		}
		return 7, nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 7 {
		t.Fatalf("got %d, want 7", v)
	}
	if elapsed < 150*time.Millisecond {
		t.Errorf("elapsed %v, want >= 150ms", elapsed)
	}
}

func TestRetry_JitterBounds(t *testing.T) {
	opts := RetryOptions{InitialDelay: 100 * time.Millisecond, Multiplier: 1, Jitter: true, MaxDelay: 1000 * time.Millisecond}
	for n := 1; n <= 5; n++ {
		d := opts.delayBeforeAttempt(n)
		base := 100 * time.Millisecond
		if d < base || d > time.Duration(float64(base)*1.5) {
			t.Errorf("delay %v out of [base, 1.5*base] = [%v, %v]", d, base, time.Duration(float64(base)*1.5))
		}
	}
}

func TestRetry_MaxDelayCap(t *testing.T) {
	opts := RetryOptions{InitialDelay: 10 * time.Millisecond, Multiplier: 10, MaxDelay: 50 * time.Millisecond}
	for n := 1; n <= 6; n++ {
		if d := opts.delayBeforeAttempt(n); d > 50*time.Millisecond {
			t.Errorf("delay %v exceeds maxDelay 50ms", d)
		}
	}
}

func TestRetry_NonRetryableShortCircuits(t *testing.T) {
	calls := 0
	sentinel := fmt.Errorf("not retryable")
	_, err := WithRetry(context.Background(), RetryOptions{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		RetryOn:      func(err error) bool { return err != sentinel },
	}, func(ctx context.Context) (int, error) {
		calls++
		return 0, sentinel
	})
	if err != sentinel {
		t.Fatalf("got %v, want sentinel", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (short-circuit on first non-retryable failure)", calls)
	}
}

// TestBreaker_SeedScenario4 matches spec §8 seed scenario 4: threshold=3,
// resetTimeout=100ms; 3 consecutive errors open it; the 4th call returns
// CircuitOpen{retryAfterMs<=100}; after 150ms sleep one call is admitted;
// 2 successes close it.
func TestBreaker_SeedScenario4(t *testing.T) {
	b := NewCircuitBreaker(3, 100*time.Millisecond, 2)

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d should be admitted while closed, got %v", i, err)
		}
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 consecutive failures", b.State())
	}

	err := b.Allow()
	var co *errs.CircuitOpen
	co, ok := err.(*errs.CircuitOpen)
	if !ok {
		t.Fatalf("4th call error = %v (%T), want *errs.CircuitOpen", err, err)
	}
	if co.RetryAfterMs > 100 {
		t.Errorf("retryAfterMs = %d, want <= 100", co.RetryAfterMs)
	}

	time.Sleep(150 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("call after reset timeout should be admitted, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("state after 1 success = %v, want still half-open (threshold 2)", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state after 2 successes = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond, 1)
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("expected open after 1 failure with threshold 1")
	}
	time.Sleep(15 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected admission into half-open, got %v", err)
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open (half-open failure reopens)", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := NewCircuitBreaker(1, time.Hour, 1)
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Fatal("expected closed after Reset")
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("expected admission after reset, got %v", err)
	}
}
