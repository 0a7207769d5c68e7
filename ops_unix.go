//go:build unix

package aicp

import (
	"io"
	"net/netip"

	"golang.org/x/sys/unix"
)

// readiness direction an operation waits for
func (r *request) wantsWrite() bool {
	switch r.op {
	case OpConnect, OpSend, OpSendFile, OpWrite:
		return true
	}
	return false
}

// perform makes as much progress on r as possible without blocking.
// done is false when the operation would block.
func perform(r *request) (done bool, size int, err error) {
	fd := r.obj.fd
	switch r.op {
	case OpConnect:
		return tryConnect(r, fd)
	case OpAccept:
		return tryAccept(r, fd)
	case OpRecv, OpRead:
		return tryRecv(r, fd)
	case OpSend, OpWrite:
		return trySend(r, fd)
	case OpSendFile:
		return trySendFile(r, fd)
	}
	return true, 0, ErrUnsupportedOp
}

func tryConnect(r *request, fd int) (bool, int, error) {
	if !r.connecting {
		sa, err := sockaddr(r.addr)
		if err != nil {
			return true, 0, err
		}
		for {
			err = unix.Connect(fd, sa)
			if err != unix.EINTR {
				break
			}
		}
		switch err {
		case nil, unix.EISCONN:
			return true, 0, nil
		case unix.EINPROGRESS, unix.EALREADY:
			r.connecting = true
			return false, 0, nil
		}
		return true, 0, err
	}

	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return true, 0, err
	}
	if soerr != 0 {
		return true, 0, unix.Errno(soerr)
	}
	// writability is also reported for sockets that are not connected yet
	if _, err := unix.Getpeername(fd); err != nil {
		if err == unix.ENOTCONN {
			return false, 0, nil
		}
		return true, 0, err
	}
	return true, 0, nil
}

func tryAccept(r *request, fd int) (bool, int, error) {
	for {
		nfd, _, err := unix.Accept(fd)
		switch err {
		case nil:
			unix.CloseOnExec(nfd)
			if err := unix.SetNonblock(nfd, true); err != nil {
				unix.Close(nfd)
				return true, 0, err
			}
			r.accepted = nfd
			return true, 0, nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return false, 0, nil
		}
		return true, 0, err
	}
}

func tryRecv(r *request, fd int) (bool, int, error) {
	for {
		n, err := unix.Read(fd, r.buffer)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return false, 0, nil
		case err != nil:
			return true, 0, err
		case n == 0:
			return true, 0, io.EOF
		}
		return true, n, nil
	}
}

// trySend writes until the whole buffer is sent, keeping partial progress
// across readiness events.
func trySend(r *request, fd int) (bool, int, error) {
	for int(r.progress) < len(r.buffer) {
		n, err := unix.Write(fd, r.buffer[r.progress:])
		if n > 0 {
			r.progress += int64(n)
		}
		switch err {
		case nil:
			if n == 0 {
				return true, int(r.progress), io.ErrShortWrite
			}
		case unix.EINTR:
		case unix.EAGAIN:
			return false, 0, nil
		default:
			return true, int(r.progress), err
		}
	}
	return true, int(r.progress), nil
}

func trySendFile(r *request, fd int) (bool, int, error) {
	for r.progress < r.count {
		n, err := sendfile(fd, r.file, r.offset+r.progress, int(r.count-r.progress))
		if n > 0 {
			r.progress += int64(n)
		}
		switch {
		case err == unix.EINTR:
		case err == unix.EAGAIN:
			return false, 0, nil
		case err != nil:
			return true, int(r.progress), err
		case n == 0:
			// source shorter than requested
			return true, int(r.progress), io.ErrUnexpectedEOF
		}
	}
	return true, int(r.progress), nil
}

func sockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	if !ap.IsValid() {
		return nil, unix.EINVAL
	}
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.Unmap().As4()}, nil
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, nil
}

// fileIO runs a positional read or write on a worker.
func fileIO(r *request) (int, error) {
	fd := r.obj.fd
	switch r.op {
	case OpRead:
		for {
			n, err := unix.Pread(fd, r.buffer, r.offset)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return 0, err
			}
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
	case OpWrite:
		written := 0
		for written < len(r.buffer) {
			n, err := unix.Pwrite(fd, r.buffer[written:], r.offset+int64(written))
			if n > 0 {
				written += n
			}
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return written, err
			}
			if n == 0 {
				return written, io.ErrShortWrite
			}
		}
		return written, nil
	}
	return 0, ErrUnsupportedOp
}

func closeHandle(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
