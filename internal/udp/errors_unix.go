//go:build unix

package udp

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsTransientError reports whether a send error is expected to go away when retried,
// e.g. a full socket buffer or an ICMP port unreachable reported by a previous send.
func IsTransientError(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.EINTR)
}
