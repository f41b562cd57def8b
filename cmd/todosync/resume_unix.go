//go:build unix

package main

import (
	"os"
	"syscall"
)

// resumeSignals are delivered when the process continues after a stop or
// the host wakes it.
func resumeSignals() []os.Signal {
	return []os.Signal{syscall.SIGCONT}
}
