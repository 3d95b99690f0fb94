package resilience

import (
	"sync"
	"time"

	"github.com/xfeldman/hyperfleet/internal/errs"
)

// BreakerState is one of the three circuit-breaker states.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker is a per-remote-endpoint breaker (never shared globally —
// one instance per VMM socket, per guest machine, per registry host).
type CircuitBreaker struct {
	failureThreshold         int
	resetTimeout             time.Duration
	halfOpenSuccessThreshold int

	mu                sync.Mutex
	state             BreakerState
	consecutiveFails  int
	consecutiveOK     int
	openedAt          time.Time
}

// NewCircuitBreaker creates a closed breaker. halfOpenSuccessThreshold
// defaults to 1 when zero.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, halfOpenSuccessThreshold int) *CircuitBreaker {
	if halfOpenSuccessThreshold <= 0 {
		halfOpenSuccessThreshold = 1
	}
	return &CircuitBreaker{
		failureThreshold:         failureThreshold,
		resetTimeout:             resetTimeout,
		halfOpenSuccessThreshold: halfOpenSuccessThreshold,
		state:                    StateClosed,
	}
}

// Allow reports whether a call may proceed right now, transitioning
// open→half-open when resetTimeout has elapsed. It does not itself count
// as a call outcome — pair it with RecordSuccess/RecordFailure.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		elapsed := time.Since(b.openedAt)
		if elapsed >= b.resetTimeout {
			b.state = StateHalfOpen
			b.consecutiveOK = 0
			return nil
		}
		retryAfter := b.resetTimeout - elapsed
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &errs.CircuitOpen{RetryAfterMs: retryAfter.Milliseconds()}
	default:
		return nil
	}
}

// RecordSuccess reports a successful call. In closed state it resets the
// failure counter; in half-open state, halfOpenSuccessThreshold
// consecutive successes close the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFails = 0
	case StateHalfOpen:
		b.consecutiveOK++
		if b.consecutiveOK >= b.halfOpenSuccessThreshold {
			b.state = StateClosed
			b.consecutiveFails = 0
			b.consecutiveOK = 0
		}
	}
}

// RecordFailure reports a failed call. In closed state, reaching
// failureThreshold opens the breaker. Any failure in half-open state
// reopens it immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		b.consecutiveOK = 0
	}
}

// Reset forces the breaker closed, clearing all counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFails = 0
	b.consecutiveOK = 0
}

// State returns the current state (observable for tests/metrics).
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counters returns the current consecutive-failure and consecutive-success
// counts (observable for tests/metrics).
func (b *CircuitBreaker) Counters() (fails, oks int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFails, b.consecutiveOK
}

// Call runs fn if the breaker admits it, recording the outcome.
func Call[T any](b *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	v, err := fn()
	if err != nil {
		b.RecordFailure()
		return zero, err
	}
	b.RecordSuccess()
	return v, nil
}
