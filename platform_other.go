//go:build !unix

package aicp

import (
	"os"
	"syscall"
)

// Only unix platforms provide a backend; every entry point that needs one
// reports ErrUnknownBackend.

func dupconn(syscall.Conn) (int, error) { return -1, ErrUnsupported }
func dupfile(*os.File) (int, error)     { return -1, ErrUnsupported }
func closeHandle(int) error             { return nil }
func fileIO(*request) (int, error)      { return 0, ErrUnsupportedOp }

func newBackend(BackendKind, int) (backend, error) { return nil, ErrUnknownBackend }

func availableBackends() []BackendKind { return nil }
