// Package udp sends and receives diode packets, batching system calls where the platform allows it.
package udp

import (
	"fmt"
	"io"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// MaxBatchSize is the largest number of datagrams handled by one system call.
const MaxBatchSize = 1024

// batchConn is implemented by ipv4.PacketConn and ipv6.PacketConn.
// Both use the same message type.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
}

var (
	_ batchConn = &ipv4.PacketConn{}
	_ batchConn = &ipv6.PacketConn{}
)

// A Conn is a UDP socket of one side of the diode.
// Reads and writes may happen concurrently, but each direction must only be used by one goroutine.
type Conn struct {
	conn      *net.UDPConn
	raddr     net.Addr
	batchSize int
	batch     batchConn

	readMsgs  []ipv4.Message
	readBufs  [][]byte
	writeMsgs []ipv4.Message
	writeBufs [][]byte
}

// NewConn wraps c. Packets are written to raddr, or to the peer of c if raddr is nil.
// A batch size of 0 or 1 sends and receives one datagram per system call.
func NewConn(c *net.UDPConn, raddr *net.UDPAddr, batchSize int) (*Conn, error) {
	if batchSize < 0 || batchSize > MaxBatchSize {
		return nil, fmt.Errorf("batch size must be in [0, %d], got %d", MaxBatchSize, batchSize)
	}
	conn := &Conn{conn: c, batchSize: max(batchSize, 1)}
	if raddr != nil {
		conn.raddr = raddr
	}
	if batchSize <= 1 {
		return conn, nil
	}

	if addr, ok := c.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() != nil {
		conn.batch = ipv4.NewPacketConn(c)
	} else {
		conn.batch = ipv6.NewPacketConn(c)
	}
	conn.readMsgs, conn.readBufs = newMessages(batchSize)
	conn.writeMsgs, conn.writeBufs = newMessages(batchSize)
	return conn, nil
}

func newMessages(n int) ([]ipv4.Message, [][]byte) {
	msgs := make([]ipv4.Message, n)
	bufs := make([][]byte, n)
	for i := range msgs {
		msgs[i].Buffers = bufs[i : i+1]
	}
	return msgs, bufs
}

// BatchSize is the largest number of datagrams read or written per system call.
func (c *Conn) BatchSize() int { return c.batchSize }

// LocalAddr returns the local address of the socket.
func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// ReadBatch blocks until at least one datagram is available and reads up to len(bufs) datagrams.
// The size of the i-th datagram is stored in sizes[i].
func (c *Conn) ReadBatch(bufs [][]byte, sizes []int) (int, error) {
	if c.batch == nil || len(bufs) == 1 {
		n, _, err := c.conn.ReadFrom(bufs[0])
		if err != nil {
			return 0, err
		}
		sizes[0] = n
		return 1, nil
	}

	msgs := c.readMsgs[:min(len(bufs), len(c.readMsgs))]
	for i := range msgs {
		c.readBufs[i] = bufs[i]
		msgs[i].N = 0
	}
	n, err := c.batch.ReadBatch(msgs, 0)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		sizes[i] = msgs[i].N
	}
	return n, nil
}

// WriteBatch writes all packets, using as few system calls as the batch size allows.
// It returns the number of packets written.
func (c *Conn) WriteBatch(packets [][]byte) (int, error) {
	if c.batch == nil {
		for i, p := range packets {
			if err := c.write(p); err != nil {
				return i, err
			}
		}
		return len(packets), nil
	}

	var sent int
	for sent < len(packets) {
		msgs := c.writeMsgs[:min(len(packets)-sent, len(c.writeMsgs))]
		for i := range msgs {
			c.writeBufs[i] = packets[sent+i]
			msgs[i].Addr = c.raddr
		}
		n, err := c.batch.WriteBatch(msgs, 0)
		sent += n
		if err != nil {
			return sent, err
		}
		if n == 0 {
			return sent, io.ErrShortWrite
		}
	}
	return sent, nil
}

func (c *Conn) write(p []byte) error {
	var err error
	if c.raddr != nil {
		_, err = c.conn.WriteTo(p, c.raddr)
	} else {
		_, err = c.conn.Write(p)
	}
	return err
}

// Close closes the socket.
func (c *Conn) Close() error { return c.conn.Close() }
