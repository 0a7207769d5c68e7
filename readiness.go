//go:build unix

package aicp

import (
	"time"
)

const (
	evRead  = 0x1
	evWrite = 0x2
)

// pollEvent represents a file descriptor event
type pollEvent struct {
	fd int // identifier of this event, usually file descriptor
	ev int8
}

// fdState tracks the requests waiting on one descriptor. Readers and
// writers are retried in order on every edge, so completions on the same
// descriptor follow readiness order.
type fdState struct {
	readers reqList
	writers reqList
}

// readinessBackend turns edge-triggered readiness into completions by
// performing the non-blocking operation itself when the descriptor is ready.
type readinessBackend struct {
	p      *poller
	k      BackendKind
	fds    map[int]*fdState
	done   []*request
	events []pollEvent
	// descriptors whose lists must be retried without a new edge
	recheck []int
}

func newReadinessBackend(k BackendKind, maxEvents int) (*readinessBackend, error) {
	p, err := openPoller(maxEvents)
	if err != nil {
		return nil, err
	}
	return &readinessBackend{
		p:   p,
		k:   k,
		fds: make(map[int]*fdState),
	}, nil
}

func (b *readinessBackend) kind() BackendKind { return b.k }

func (b *readinessBackend) submit(r *request) {
	fd := r.obj.fd
	st, ok := b.fds[fd]
	if !ok {
		if err := b.p.Watch(fd); err != nil {
			b.complete(r, 0, err)
			return
		}
		st = new(fdState)
		b.fds[fd] = st
	}

	list := &st.readers
	if r.wantsWrite() {
		list = &st.writers
	}
	// empty queue should try IO first
	if len(*list) == 0 && b.try(r) {
		return
	}
	list.PushBack(r)
}

func (b *readinessBackend) try(r *request) bool {
	done, size, err := perform(r)
	if !done {
		return false
	}
	b.complete(r, size, err)
	return true
}

func (b *readinessBackend) complete(r *request, size int, err error) {
	if r.finish(size, err) {
		b.done = append(b.done, r)
	}
}

// retry walks list in order and stops at the first request that would
// block. A request whose deadline passed before the edge was seen is left
// for the engine to time out, together with everything queued behind it.
func (b *readinessBackend) retry(list *reqList, now time.Time) {
	n := 0
	for _, r := range *list {
		if r.expired(now) || !b.try(r) {
			break
		}
		n++
	}
	list.RemoveHeadN(n)
}

func (b *readinessBackend) cancel(r *request) bool {
	fd := r.obj.fd
	if st, ok := b.fds[fd]; ok {
		if !st.readers.Remove(r) {
			st.writers.Remove(r)
		}
		// r may have held back requests after it while the edge was seen
		if len(st.readers) > 0 || len(st.writers) > 0 {
			b.recheck = append(b.recheck, fd)
		}
	}
	return true
}

func (b *readinessBackend) wait(timeout time.Duration, ready []*request) ([]*request, error) {
	if len(b.done) > 0 || len(b.recheck) > 0 {
		timeout = 0
	}
	var err error
	b.events, err = b.p.Wait(timeout, b.events[:0])
	if err != nil {
		return ready, &FatalError{Op: b.p.name() + " wait", Err: err}
	}
	now := time.Now()
	for _, fd := range b.recheck {
		if st, ok := b.fds[fd]; ok {
			b.retry(&st.readers, now)
			b.retry(&st.writers, now)
		}
	}
	b.recheck = b.recheck[:0]

	for _, e := range b.events {
		st, ok := b.fds[e.fd]
		if !ok {
			continue
		}
		if e.ev&evRead != 0 {
			b.retry(&st.readers, now)
		}
		if e.ev&evWrite != 0 {
			b.retry(&st.writers, now)
		}
	}

	ready = append(ready, b.done...)
	for i := range b.done {
		b.done[i] = nil
	}
	b.done = b.done[:0]
	return ready, nil
}

func (b *readinessBackend) wake() error { return b.p.wakeup() }

func (b *readinessBackend) detach(fd int) {
	if _, ok := b.fds[fd]; ok {
		_ = b.p.Unwatch(fd)
		delete(b.fds, fd)
	}
}

func (b *readinessBackend) close() error { return b.p.Close() }

// waitMillis converts a wait timeout for poll-style calls, rounding up so a
// pending deadline is never polled early. Negative means forever.
func waitMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > 1<<30 {
		ms = 1 << 30
	}
	return int(ms)
}
