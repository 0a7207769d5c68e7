//go:build !linux

package aicp

import "runtime"

// thread affinity is only wired on linux; elsewhere workers are merely
// locked to their thread.
func setAffinity(int) error {
	runtime.LockOSThread()
	return nil
}
