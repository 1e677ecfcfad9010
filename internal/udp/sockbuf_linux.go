//go:build linux

package udp

import (
	"net"

	"golang.org/x/sys/unix"
)

// SetReceiveBuffer requests a socket receive buffer of size bytes and returns the size granted by the kernel.
// The limit of net.core.rmem_max is bypassed when the process has CAP_NET_ADMIN.
func SetReceiveBuffer(c *net.UDPConn, size int) (int, error) {
	return setBuffer(c, size, unix.SO_RCVBUF, unix.SO_RCVBUFFORCE)
}

// SetSendBuffer requests a socket send buffer of size bytes and returns the size granted by the kernel.
func SetSendBuffer(c *net.UDPConn, size int) (int, error) {
	return setBuffer(c, size, unix.SO_SNDBUF, unix.SO_SNDBUFFORCE)
}

func setBuffer(c *net.UDPConn, size, opt, forceOpt int) (int, error) {
	rawConn, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		granted int
		serr    error
	)
	if err := rawConn.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, forceOpt, size); serr != nil {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, size)
		}
		if serr != nil {
			return
		}
		granted, serr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, opt)
	}); err != nil {
		return 0, err
	}
	if serr != nil {
		return 0, serr
	}
	// Linux doubles the requested value to account for bookkeeping overhead.
	return granted / 2, nil
}
