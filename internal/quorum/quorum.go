package quorum

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// WriteResult is the outcome of replicating one write to the followers.
type WriteResult struct {
	Acks      int
	Required  int
	Attempted int
	Latency   time.Duration
}

// Met reports whether enough followers acknowledged the write.
func (r WriteResult) Met() bool {
	return r.Acks >= r.Required
}

// String implements fmt.Stringer.
func (r WriteResult) String() string {
	return fmt.Sprintf("acks=%d required=%d attempted=%d latency=%s", r.Acks, r.Required, r.Attempted, r.Latency)
}

// Required clamps the configured quorum to [0, replicas]. A quorum larger
// than the follower count is capped rather than left unreachable.
func Required(quorum, replicas int) int {
	if quorum < 0 {
		return 0
	}
	if quorum > replicas {
		return replicas
	}
	return quorum
}

// Await counts successful outcomes from results as they arrive (completion
// order, not launch order). It returns once required successes have been
// seen, once total outcomes have been received, once timeout elapses or once
// ctx is done, whichever comes first. A non-positive timeout waits without a
// deadline. Stopping never cancels the senders.
//
// Await never drains results beyond the stop point; callers must size the
// channel so that senders which finish later do not block.
func Await(ctx context.Context, results <-chan bool, total, required int, timeout time.Duration) int {
	if required <= 0 || total <= 0 {
		return 0
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	acks := 0
	for received := 0; received < total; received++ {
		select {
		case ok := <-results:
			if ok {
				acks++
				if acks >= required {
					return acks
				}
			}
		case <-deadline:
			return acks
		case <-ctx.Done():
			return acks
		}
	}
	return acks
}

// ReplicaReadFunc reads something from a single replica.
type ReplicaReadFunc[T any] func(ctx context.Context, replica string) (T, error)

// ReadValue is one replica's answer to Gather.
type ReadValue[T any] struct {
	Replica string
	Value   T
	Err     error
}

// Gather fans readFn out to every replica in parallel and waits for all of
// them. Results are returned in replica order. Each call is bounded by
// perCallTimeout when positive.
func Gather[T any](ctx context.Context, replicas []string, perCallTimeout time.Duration, readFn ReplicaReadFunc[T]) []ReadValue[T] {
	out := make([]ReadValue[T], len(replicas))

	var wg sync.WaitGroup
	for i, replica := range replicas {
		wg.Add(1)
		go func(i int, replica string) {
			defer wg.Done()

			callCtx := ctx
			if perCallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, perCallTimeout)
				defer cancel()
			}

			v, err := readFn(callCtx, replica)
			if err != nil {
				err = fmt.Errorf("replica %s: %w", replica, err)
			}
			out[i] = ReadValue[T]{Replica: replica, Value: v, Err: err}
		}(i, replica)
	}
	wg.Wait()

	return out
}
