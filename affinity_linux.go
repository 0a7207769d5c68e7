//go:build linux

package aicp

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// bind the calling goroutine and its thread to a specific CPU
func setAffinity(cpuID int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Set(cpuID)
	return unix.SchedSetaffinity(0, &set)
}
