// Package task runs cancellable background activities. Each start function
// returns a Handle owned by the caller, who stops it on teardown.
package task

import (
	"context"
	"sync"
	"time"
)

// Handle controls a running task. Stop is idempotent and does not wait;
// Wait blocks until the task has returned. A nil Handle is already stopped.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the task's context.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(h.cancel)
}

// Wait blocks until the task returns.
func (h *Handle) Wait() {
	if h == nil {
		return
	}
	<-h.done
}

// Done is closed when the task returns.
func (h *Handle) Done() <-chan struct{} {
	if h == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.done
}

// Go runs fn in a goroutine with a context cancelled by Stop.
func Go(ctx context.Context, fn func(ctx context.Context)) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		fn(ctx)
	}()
	return h
}

// Every runs fn each time interval elapses after the previous run returned,
// so runs never overlap. With immediate set, the first run starts at once.
func Every(ctx context.Context, interval time.Duration, immediate bool, fn func(ctx context.Context)) *Handle {
	return Go(ctx, func(ctx context.Context) {
		if immediate {
			fn(ctx)
		}
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if ctx.Err() != nil {
				return
			}
			fn(ctx)
			timer.Reset(interval)
		}
	})
}
