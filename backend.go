package aicp

import (
	"fmt"
	"strings"
	"time"
)

// BackendKind selects the event source driving a Proactor.
type BackendKind int

const (
	// BackendAuto picks the native readiness backend when the platform has one.
	BackendAuto BackendKind = iota
	// BackendEpoll is the linux epoll readiness backend.
	BackendEpoll
	// BackendKqueue is the BSD/darwin kqueue readiness backend.
	BackendKqueue
	// BackendCompletion runs every operation to completion on its own
	// goroutine and reports finished operations, like a completion port.
	BackendCompletion
)

func (k BackendKind) String() string {
	switch k {
	case BackendAuto:
		return "auto"
	case BackendEpoll:
		return "epoll"
	case BackendKqueue:
		return "kqueue"
	case BackendCompletion:
		return "completion"
	}
	return fmt.Sprintf("backend(%d)", int(k))
}

// ParseBackend parses a backend name as printed by BackendKind.String.
func ParseBackend(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return BackendAuto, nil
	case "epoll":
		return BackendEpoll, nil
	case "kqueue":
		return BackendKqueue, nil
	case "completion":
		return BackendCompletion, nil
	}
	return BackendAuto, fmt.Errorf("%w: %q", ErrUnknownBackend, s)
}

// backend is the event source adapter. Every method except wake is called
// from the dispatch goroutine only.
type backend interface {
	// submit registers interest for r and returns immediately. Requests
	// that complete or fail on the spot are reported by the next wait.
	submit(r *request)
	// cancel withdraws an aborted request. It reports true when the
	// backend dropped every reference to r; otherwise r is returned by a
	// later wait and must be discarded there.
	cancel(r *request) bool
	// wait blocks until a request is ready, timeout elapses or wake is
	// called, and appends ready requests to ready. A non-nil error is
	// always a *FatalError.
	wait(timeout time.Duration, ready []*request) ([]*request, error)
	// wake interrupts a concurrent wait. Safe from any goroutine.
	wake() error
	// detach forgets fd before the handle is closed.
	detach(fd int)
	close() error
	kind() BackendKind
}
