//go:build linux

package aicp

import (
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const nativeBackend = BackendEpoll

type poller struct {
	mu     sync.Mutex // mutex to protect fd closing
	pfd    int        // epoll fd
	efd    int        // eventfd
	efdbuf [8]byte
	events []unix.EpollEvent
}

func openPoller(maxEvents int) (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, efd,
		&unix.EpollEvent{Fd: int32(efd), Events: unix.EPOLLIN},
	); err != nil {
		unix.Close(fd)
		unix.Close(efd)
		return nil, err
	}

	p := new(poller)
	p.pfd = fd
	p.efd = efd
	p.events = make([]unix.EpollEvent, maxEvents)
	return p, nil
}

func (p *poller) name() string { return "epoll" }

// Close the poller
func (p *poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pfd == -1 {
		return nil
	}
	unix.Close(p.efd)
	err := unix.Close(p.pfd)
	p.pfd = -1
	p.efd = -1
	return err
}

// Watch registers fd edge-triggered for both directions; interest never
// changes afterwards, the backend decides what to retry on each edge.
func (p *poller) Watch(fd int) error {
	return unix.EpollCtl(p.pfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | uint32(unix.EPOLLET),
	})
}

func (p *poller) Unwatch(fd int) error {
	return unix.EpollCtl(p.pfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wakeup interrupt epoll_wait
func (p *poller) wakeup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.efd == -1 {
		return ErrProactorClosed
	}
	var x [8]byte
	binary.NativeEndian.PutUint64(x[:], 1)
	// eventfd is non-blocking, a saturated counter already means "woken"
	if _, err := unix.Write(p.efd, x[:]); err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func (p *poller) Wait(timeout time.Duration, pe []pollEvent) ([]pollEvent, error) {
	n, err := unix.EpollWait(p.pfd, p.events, waitMillis(timeout))
	if err == unix.EINTR {
		return pe, nil
	}
	if err != nil {
		return pe, err
	}

	const (
		rSet = unix.EPOLLIN | unix.EPOLLRDHUP
		wSet = unix.EPOLLOUT
		eSet = unix.EPOLLERR | unix.EPOLLHUP
	)
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		if int(ev.Fd) == p.efd {
			unix.Read(p.efd, p.efdbuf[:]) // simply consume
			continue
		}
		e := pollEvent{fd: int(ev.Fd)}
		if ev.Events&rSet != 0 {
			e.ev |= evRead
		}
		if ev.Events&wSet != 0 {
			e.ev |= evWrite
		}
		if ev.Events&eSet != 0 {
			e.ev |= evRead | evWrite
		}
		pe = append(pe, e)
	}
	return pe, nil
}
