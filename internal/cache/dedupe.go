// internal/cache/dedupe.go
package cache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// Deduper collapses concurrent calls sharing a key into one invocation.
//
// The shared call runs detached from the cancellation of whichever caller
// started it, bounded by timeout instead, so one caller giving up never
// fails the others. Each caller still stops waiting when its own context
// ends. The in-flight entry is released when the shared call settles.
type Deduper[T any] struct {
	group   singleflight.Group
	timeout time.Duration
}

func NewDeduper[T any](timeout time.Duration) *Deduper[T] {
	return &Deduper[T]{timeout: timeout}
}

// Do returns the settled result of fn for key and whether it was shared
// with at least one other caller.
func (d *Deduper[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, bool, error) {
	ch := d.group.DoChan(key, func() (interface{}, error) {
		callCtx := context.WithoutCancel(ctx)
		if d.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, d.timeout)
			defer cancel()
		}
		return fn(callCtx)
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		val, ok := res.Val.(T)
		if !ok {
			return zero, res.Shared, fmt.Errorf("dedupe %q: unexpected result type %T", key, res.Val)
		}
		return val, res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Forget drops key so the next caller starts a fresh invocation.
func (d *Deduper[T]) Forget(key string) {
	d.group.Forget(key)
}
