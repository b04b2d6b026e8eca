package pool

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrTimeout is returned when acquiring a connection slot exceeds the
// configured wait-queue timeout (spec.md §4.3/§7).
var ErrTimeout = errors.New("pool: timed out waiting for a connection slot")

// ErrOverloaded is returned when the wait-queue multiple would be
// exceeded by a new waiter (spec.md §4.3's waitQueueMultiple).
var ErrOverloaded = errors.New("pool: too many goroutines waiting for a connection slot")

// semaphore is a counting semaphore of a fixed capacity, or an
// unbounded no-op when capacity is zero. It additionally enforces an
// optional waiter budget (spec.md §4.3's waitQueueMultiple) so acquire
// can fail fast with ErrOverloaded instead of queuing indefinitely.
type semaphore struct {
	slots      chan struct{}
	unbounded  bool
	maxWaiters int64 // 0 means unbounded waiters
	waiters    int64
}

func newSemaphore(capacity int) *semaphore {
	if capacity <= 0 {
		return &semaphore{unbounded: true}
	}
	s := &semaphore{slots: make(chan struct{}, capacity)}
	for i := 0; i < capacity; i++ {
		s.slots <- struct{}{}
	}
	return s
}

func (s *semaphore) setMaxWaiters(n int) {
	s.maxWaiters = int64(n)
}

// acquire blocks until a slot is available, ctx is done, or the
// optional waiter budget is exceeded. blocking=false performs a
// non-blocking try (used for the force path, spec.md §4.3 step 3).
func (s *semaphore) acquire(ctx context.Context, blocking bool) error {
	if s.unbounded {
		return nil
	}
	if !blocking {
		select {
		case <-s.slots:
			return nil
		default:
			return ErrTimeout
		}
	}
	n := atomic.AddInt64(&s.waiters, 1)
	defer atomic.AddInt64(&s.waiters, -1)
	if s.maxWaiters > 0 && n > s.maxWaiters {
		return ErrOverloaded
	}
	select {
	case <-s.slots:
		return nil
	case <-ctx.Done():
		return ErrTimeout
	}
}

// inUse reports how many permits are currently checked out, or 0 for
// an unbounded semaphore (there is no capacity to subtract from).
func (s *semaphore) inUse() int {
	if s.unbounded {
		return 0
	}
	return cap(s.slots) - len(s.slots)
}

// waiting reports how many callers are currently blocked in acquire.
func (s *semaphore) waiting() int {
	return int(atomic.LoadInt64(&s.waiters))
}

func (s *semaphore) release() {
	if s.unbounded {
		return
	}
	select {
	case s.slots <- struct{}{}:
	default:
		// Defensive: never blocks a correct caller, since release count
		// should never exceed capacity in steady operation.
	}
}
