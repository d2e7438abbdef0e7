// Package lifecycle holds the process drain flag read by the health endpoint.
package lifecycle

import "sync/atomic"

var shuttingDown atomic.Bool

// BeginShutdown marks the process as draining. It reports true only for the first call,
// so a second signal can be told apart from the first.
func BeginShutdown() bool {
	return shuttingDown.CompareAndSwap(false, true)
}

// IsShuttingDown reports whether the process is draining and should receive no new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// Reset clears the drain flag. For tests only.
func Reset() {
	shuttingDown.Store(false)
}
