//go:build linux || darwin || freebsd

package aicp

import "golang.org/x/sys/unix"

func sendfile(out, in int, offset int64, count int) (int, error) {
	off := offset
	return unix.Sendfile(out, in, &off, count)
}
