//go:build !windows

package transport

import "syscall"

// terminateSignal returns the graceful-shutdown signal for this platform
// (spec §4.1: "send SIGTERM (or equivalent)").
func terminateSignal() syscall.Signal {
	return syscall.SIGTERM
}
