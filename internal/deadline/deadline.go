// Package deadline bounds how long a caller waits on a dispatched call.
//
// A dispatched call is never cancelled mid-flight. When the bound expires, or the caller's
// context ends, the caller stops waiting; the call still runs to completion and its result
// is discarded.
package deadline

import (
	"context"
	"time"

	"github.com/lazypower/graphmem/internal/memerr"
)

// Do runs fn on a context detached from ctx's cancellation and waits for it, for ctx, or for
// d (no extra bound when d <= 0), whichever comes first. An abandoned wait returns a memerr
// UpstreamTimeout tagged with op.
func Do[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	wait := ctx
	if d > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	work := context.WithoutCancel(ctx)
	go func() {
		v, err := fn(work)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-wait.Done():
		var zero T
		return zero, memerr.Timeout(op, wait.Err())
	}
}
