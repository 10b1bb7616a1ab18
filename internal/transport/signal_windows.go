//go:build windows

package transport

import "os"

// terminateSignal returns the graceful-shutdown signal for this platform.
// Windows has no SIGTERM; os.Kill is the closest equivalent available
// through os.Process.Signal.
func terminateSignal() os.Signal {
	return os.Kill
}
