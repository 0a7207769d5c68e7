//go:build unix

package aicp

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// completionBackend models completion-based I/O: every submitted operation
// is driven to completion by its own goroutine, and wait only collects
// finished operations. Cancellation is signalled through a per-request pipe
// that the goroutine polls next to the descriptor.
type completionBackend struct {
	mu       sync.Mutex
	finished *queue.Queue
	notify   chan struct{}
	wg       sync.WaitGroup
	timer    *time.Timer
}

func newCompletionBackend() *completionBackend {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &completionBackend{
		finished: queue.New(),
		notify:   make(chan struct{}, 1),
		timer:    t,
	}
}

func (b *completionBackend) kind() BackendKind { return BackendCompletion }

func (b *completionBackend) submit(r *request) {
	r.abortFd = [2]int{-1, -1}
	if err := unix.Pipe(r.abortFd[:]); err != nil {
		r.abortFd = [2]int{-1, -1}
		r.finish(0, err)
		b.post(r)
		return
	}
	unix.CloseOnExec(r.abortFd[0])
	unix.CloseOnExec(r.abortFd[1])

	b.wg.Add(1)
	go b.run(r)
}

// run owns r until it is posted back. The abort pipe stays open until wait
// collects r on the dispatch goroutine, so cancel never writes to a
// recycled descriptor.
func (b *completionBackend) run(r *request) {
	defer b.wg.Done()

	size, err := b.drive(r)
	if !r.finish(size, err) && r.op == OpAccept && err == nil {
		// aborted while the connection was being accepted
		closeHandle(r.accepted)
	}
	b.post(r)
}

// drive performs r until it completes or is aborted. Once the deadline
// has passed no more I/O is attempted; the engine times r out and the
// abort pipe releases the goroutine.
func (b *completionBackend) drive(r *request) (int, error) {
	events := int16(unix.POLLIN)
	if r.wantsWrite() {
		events = unix.POLLOUT
	}
	fds := []unix.PollFd{
		{Fd: int32(r.abortFd[0]), Events: unix.POLLIN},
		{Fd: int32(r.obj.fd), Events: events},
	}
	for {
		now := time.Now()
		watch := fds
		timeout := -1
		if r.expired(now) {
			watch = fds[:1]
		} else {
			done, size, err := perform(r)
			if done {
				return size, err
			}
			if !r.deadline.IsZero() {
				timeout = waitMillis(r.deadline.Sub(now))
			}
		}

		var err error
		for {
			fds[0].Revents, fds[1].Revents = 0, 0
			_, err = unix.Poll(watch, timeout)
			if err != unix.EINTR {
				break
			}
		}
		if err != nil {
			return 0, err
		}
		if fds[0].Revents != 0 {
			return 0, ErrCancelled
		}
	}
}

func (b *completionBackend) post(r *request) {
	b.mu.Lock()
	b.finished.Add(r)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// cancel asks the goroutine to stop; it still posts r back, so the engine
// keeps its reference until then.
func (b *completionBackend) cancel(r *request) bool {
	if r.abortFd[1] >= 0 {
		unix.Write(r.abortFd[1], []byte{0})
	}
	return false
}

func (b *completionBackend) wait(timeout time.Duration, ready []*request) ([]*request, error) {
	b.mu.Lock()
	n := b.finished.Length()
	b.mu.Unlock()

	if n == 0 && timeout != 0 {
		if timeout < 0 {
			<-b.notify
		} else {
			b.timer.Reset(timeout)
			select {
			case <-b.notify:
				b.timer.Stop()
			case <-b.timer.C:
			}
		}
	}

	b.mu.Lock()
	for b.finished.Length() > 0 {
		r := b.finished.Remove().(*request)
		closeAbortPipe(r)
		ready = append(ready, r)
	}
	b.mu.Unlock()
	return ready, nil
}

func closeAbortPipe(r *request) {
	for i, fd := range r.abortFd {
		if fd >= 0 {
			unix.Close(fd)
			r.abortFd[i] = -1
		}
	}
}

func (b *completionBackend) wake() error {
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *completionBackend) detach(int) {}

// close waits for every operation goroutine; the engine cancels them first.
func (b *completionBackend) close() error {
	b.wg.Wait()
	return nil
}
