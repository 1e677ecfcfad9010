//go:build !linux

package utils

import (
	"errors"
	"runtime"
)

// PinToCPU locks the calling goroutine to its OS thread.
// Restricting threads to a CPU is only supported on Linux.
func PinToCPU(int) error {
	runtime.LockOSThread()
	return errors.New("CPU affinity is not supported on " + runtime.GOOS)
}
