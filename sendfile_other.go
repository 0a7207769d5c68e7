//go:build unix && !(linux || darwin || freebsd)

package aicp

import "golang.org/x/sys/unix"

const sendfileChunk = 64 << 10

// sendfile copies through a bounded buffer. pread is positional, so a short
// write simply re-reads from the new offset on the next call.
func sendfile(out, in int, offset int64, count int) (int, error) {
	if count > sendfileChunk {
		count = sendfileChunk
	}
	buf := make([]byte, count)
	n, err := unix.Pread(in, buf, offset)
	if err != nil || n == 0 {
		return 0, err
	}
	return unix.Write(out, buf[:n])
}
