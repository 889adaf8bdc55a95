package replication

import (
	"context"
	"sync"
	"sync/atomic"
)

// Tracker runs background tasks whose results nobody waits for, while
// keeping enough bookkeeping to drain them at shutdown.
type Tracker struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewTracker creates a tracker whose tasks run under a context that is only
// cancelled by Drain.
func NewTracker() *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{ctx: ctx, cancel: cancel}
}

// Go starts fn in a new goroutine. It returns false, without running fn,
// once Drain has been called.
func (t *Tracker) Go(fn func(ctx context.Context)) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.wg.Add(1)
	t.active.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer t.active.Add(-1)
		fn(t.ctx)
	}()
	return true
}

// Active returns the number of tasks still running.
func (t *Tracker) Active() int {
	return int(t.active.Load())
}

// Drain stops accepting tasks and waits for running ones to finish. If ctx
// ends first, the remaining tasks are cancelled and Drain waits for them to
// observe it. Returns ctx.Err() in that case.
func (t *Tracker) Drain(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		<-done
		return ctx.Err()
	}
}
