// Package resilience provides the timeout, retry, and circuit-breaker
// primitives that wrap every outbound call made by the hypervisor driver,
// the guest transport, and the image registry client.
package resilience

import (
	"context"
	"time"

	"github.com/xfeldman/hyperfleet/internal/errs"
)

// WithTimeout runs fn with a derived context that is cancelled after ms
// elapses, and fails with errs.Timeout if fn does not return before then.
// The child context is always cancelled before WithTimeout returns, so no
// timer or goroutine leaks past the call.
func WithTimeout[T any](ctx context.Context, ms int, msg string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	cctx, cancel := context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-cctx.Done():
		return zero, &errs.Timeout{Op: "withTimeout", Message: msg}
	}
}
