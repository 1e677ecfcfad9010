//go:build !linux

package udp

import "net"

// SetReceiveBuffer requests a socket receive buffer of size bytes.
// The granted size can't be queried on this platform, the requested size is returned.
func SetReceiveBuffer(c *net.UDPConn, size int) (int, error) {
	if err := c.SetReadBuffer(size); err != nil {
		return 0, err
	}
	return size, nil
}

// SetSendBuffer requests a socket send buffer of size bytes.
func SetSendBuffer(c *net.UDPConn, size int) (int, error) {
	if err := c.SetWriteBuffer(size); err != nil {
		return 0, err
	}
	return size, nil
}
