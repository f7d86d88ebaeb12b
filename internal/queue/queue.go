// Package queue implements a bounded FIFO admission queue used by the
// orchestrator to throttle requests once the active-request count reaches
// max_concurrent. It follows the small mutex-protected struct with explicit
// Lock/Unlock idiom used throughout this gateway's in-process state (the
// circuit breaker takes the same shape).
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/aurorarelay/pkg/gatewayerr"
)

// waiter is one enqueued request awaiting admission.
type waiter struct {
	done chan struct{}
	err  error
	once sync.Once
}

func (w *waiter) resolve(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// Queue is a bounded FIFO. Enqueue blocks the caller until Admit releases it,
// the supplied timeout elapses, the caller's context is cancelled, or
// Shutdown rejects everything outstanding.
type Queue struct {
	mu       sync.Mutex
	waiters  []*waiter
	maxSize  int
	shutdown bool
}

// New creates a queue bounded at maxSize. maxSize<=0 means unbounded.
func New(maxSize int) *Queue {
	return &Queue{maxSize: maxSize}
}

// Size returns the number of requests currently waiting.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Full reports whether the queue is at capacity.
func (q *Queue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxSize > 0 && len(q.waiters) >= q.maxSize
}

// Enqueue blocks until Admit selects this waiter, ctx is cancelled, timeout
// elapses, or the queue is shut down. Returns a gatewayerr on any non-admit
// outcome.
func (q *Queue) Enqueue(ctx context.Context, timeout time.Duration) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return gatewayerr.New("orchestrator", "SHUTDOWN", false, nil)
	}
	w := &waiter{done: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return w.err
	case <-timer.C:
		q.remove(w)
		return gatewayerr.New("orchestrator", "QUEUE_TIMEOUT", false, nil)
	case <-ctx.Done():
		q.remove(w)
		return gatewayerr.New("orchestrator", "QUEUE_CANCELLED", false, ctx.Err())
	}
}

func (q *Queue) remove(target *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// Admit releases the oldest waiting request, if any, and reports whether one
// was admitted.
func (q *Queue) Admit() bool {
	q.mu.Lock()
	if len(q.waiters) == 0 {
		q.mu.Unlock()
		return false
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	q.mu.Unlock()

	w.resolve(nil)
	return true
}

// Shutdown rejects every currently-waiting request with SHUTDOWN and marks
// the queue closed; subsequent Enqueue calls fail immediately.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	pending := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range pending {
		w.resolve(gatewayerr.New("orchestrator", "SHUTDOWN", false, nil))
	}
}
