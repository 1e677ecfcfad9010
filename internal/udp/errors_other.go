//go:build !unix

package udp

import (
	"errors"
	"net"
)

// IsTransientError reports whether a send error is expected to go away when retried.
func IsTransientError(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
