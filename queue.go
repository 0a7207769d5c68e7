package aicp

import (
	"sync"

	"github.com/eapache/queue"
)

// requestQueue is a multi-producer, single-consumer FIFO of requests not yet
// seen by the dispatch goroutine. Producers wake the event source when the
// queue goes from empty to non-empty.
type requestQueue struct {
	mu     sync.Mutex
	q      *queue.Queue
	closed bool
	wake   func() error
}

func newRequestQueue(wake func() error) *requestQueue {
	return &requestQueue{q: queue.New(), wake: wake}
}

// push appends r. admit, if not nil, runs under the queue lock and may
// refuse the request; it is how posts observe removal and shutdown
// atomically with respect to their position in the queue.
func (q *requestQueue) push(r *request, admit func() error) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrProactorClosed
	}
	if admit != nil {
		if err := admit(); err != nil {
			q.mu.Unlock()
			return err
		}
	}
	q.q.Add(r)
	first := q.q.Length() == 1
	q.mu.Unlock()

	if first && q.wake != nil {
		_ = q.wake()
	}
	return nil
}

// pushResult hands a finished request back to the dispatch goroutine. It is
// accepted even after close so that no request is ever lost.
func (q *requestQueue) pushResult(r *request) {
	q.mu.Lock()
	q.q.Add(r)
	first := q.q.Length() == 1
	q.mu.Unlock()

	if first && q.wake != nil {
		_ = q.wake()
	}
}

// drain removes every queued request, appending them to dst in queue order.
func (q *requestQueue) drain(dst []*request) []*request {
	q.mu.Lock()
	for q.q.Length() > 0 {
		dst = append(dst, q.q.Remove().(*request))
	}
	q.mu.Unlock()
	return dst
}

// close makes further pushes fail. fn, if not nil, runs under the lock
// before the queue is marked closed.
func (q *requestQueue) close(fn func()) {
	q.mu.Lock()
	if fn != nil {
		fn()
	}
	q.closed = true
	q.mu.Unlock()
}

// locked runs fn while holding the queue lock, serialising it against
// every admit.
func (q *requestQueue) locked(fn func()) {
	q.mu.Lock()
	fn()
	q.mu.Unlock()
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.q.Length()
}
