//go:build unix

package aicp

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// dupconn uses RawConn to dup() a file descriptor
func dupconn(conn syscall.Conn) (newfd int, err error) {
	if conn == nil {
		return -1, ErrUnsupported
	}
	rc, err := conn.SyscallConn()
	if err != nil {
		return -1, ErrUnsupported
	}

	// Control() guarantees the integrity of file descriptor
	ec := rc.Control(func(fd uintptr) {
		newfd, err = unix.Dup(int(fd))
	})
	if ec != nil {
		return -1, ec
	}
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(newfd)
	return newfd, nil
}

func dupfile(f *os.File) (int, error) {
	if f == nil {
		return -1, ErrUnsupported
	}
	return dupconn(f)
}

func newBackend(k BackendKind, maxEvents int) (backend, error) {
	if k == BackendAuto {
		k = nativeBackend
	}
	if k == BackendCompletion {
		return newCompletionBackend(), nil
	}
	if k == nativeBackend {
		b, err := newReadinessBackend(k, maxEvents)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, ErrUnknownBackend
}

// availableBackends reports the backends usable on this platform.
func availableBackends() []BackendKind {
	if nativeBackend == BackendCompletion {
		return []BackendKind{BackendCompletion}
	}
	return []BackendKind{nativeBackend, BackendCompletion}
}
