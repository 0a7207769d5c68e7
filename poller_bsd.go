//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package aicp

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const nativeBackend = BackendKqueue

type poller struct {
	mu     sync.Mutex // mutex to protect fd closing
	fd     int        // kqueue fd
	wakeR  int        // self-pipe read end
	wakeW  int        // self-pipe write end
	buf    [64]byte
	events []unix.Kevent_t
}

func openPoller(maxEvents int) (*poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)

	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		unix.Close(fd)
		return nil, err
	}
	for _, pfd := range pipe {
		unix.CloseOnExec(pfd)
		if err := unix.SetNonblock(pfd, true); err != nil {
			unix.Close(fd)
			unix.Close(pipe[0])
			unix.Close(pipe[1])
			return nil, err
		}
	}

	changes := make([]unix.Kevent_t, 1)
	unix.SetKevent(&changes[0], pipe[0], unix.EVFILT_READ, unix.EV_ADD)
	if _, err := unix.Kevent(fd, changes, nil, nil); err != nil {
		unix.Close(fd)
		unix.Close(pipe[0])
		unix.Close(pipe[1])
		return nil, err
	}

	p := new(poller)
	p.fd = fd
	p.wakeR = pipe[0]
	p.wakeW = pipe[1]
	p.events = make([]unix.Kevent_t, maxEvents)
	return p, nil
}

func (p *poller) name() string { return "kqueue" }

// Close the poller
func (p *poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd == -1 {
		return nil
	}
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	err := unix.Close(p.fd)
	p.fd, p.wakeR, p.wakeW = -1, -1, -1
	return err
}

// Watch registers fd for both filters with EV_CLEAR, which gives the same
// edge semantics as EPOLLET.
func (p *poller) Watch(fd int) error {
	changes := make([]unix.Kevent_t, 2)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR)
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_CLEAR)
	_, err := unix.Kevent(p.fd, changes, nil, nil)
	return err
}

func (p *poller) Unwatch(fd int) error {
	changes := make([]unix.Kevent_t, 2)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, unix.EV_DELETE)
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	_, err := unix.Kevent(p.fd, changes, nil, nil)
	return err
}

func (p *poller) wakeup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wakeW == -1 {
		return ErrProactorClosed
	}
	if _, err := unix.Write(p.wakeW, []byte{0}); err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func (p *poller) Wait(timeout time.Duration, pe []pollEvent) ([]pollEvent, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(p.fd, nil, p.events, ts)
	if err == unix.EINTR {
		return pe, nil
	}
	if err != nil {
		return pe, err
	}

	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fd := int(ev.Ident)
		if fd == p.wakeR {
			for {
				if n, _ := unix.Read(p.wakeR, p.buf[:]); n <= 0 {
					break
				}
			}
			continue
		}
		e := pollEvent{fd: fd}
		switch ev.Filter {
		case unix.EVFILT_READ:
			e.ev |= evRead
		case unix.EVFILT_WRITE:
			e.ev |= evWrite
		}
		if ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
			e.ev |= evRead | evWrite
		}
		pe = append(pe, e)
	}
	return pe, nil
}
