// Package target opens the destinations receiving the connections that come out of the diode.
package target

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ddritzenhoff/diode/internal/protocol"
)

// A Factory opens the target of one logical connection.
type Factory func(id protocol.ConnectionID) (io.WriteCloser, error)

// ErrAborted is returned when writing to an aborted target.
var ErrAborted = errors.New("target aborted")

// A Conn is a stream socket target.
// Abort resets TCP connections instead of shutting them down gracefully,
// so that the server can tell a truncated transfer from a finished one.
type Conn struct {
	net.Conn
}

// Abort closes the connection, resetting it if it is a TCP connection.
func (c *Conn) Abort() error {
	if tc, ok := c.Conn.(*net.TCPConn); ok {
		// a zero linger makes the kernel send a RST on close
		if err := tc.SetLinger(0); err != nil {
			c.Conn.Close()
			return err
		}
	}
	return c.Conn.Close()
}

// Dial returns a factory connecting to address for every connection.
// network is "tcp", "tcp4", "tcp6" or "unix".
func Dial(network, address string, timeout time.Duration) (Factory, error) {
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	d := &net.Dialer{Timeout: timeout}
	return func(id protocol.ConnectionID) (io.WriteCloser, error) {
		conn, err := d.Dial(network, address)
		if err != nil {
			return nil, fmt.Errorf("connecting to %s for connection %s: %w", address, id, err)
		}
		return &Conn{Conn: conn}, nil
	}, nil
}

// Writer returns a factory handing out w to one connection at a time.
// The factory of a further connection blocks until the previous one is closed or aborted.
// w itself is never closed.
func Writer(w io.Writer) Factory {
	var mutex sync.Mutex
	return func(id protocol.ConnectionID) (io.WriteCloser, error) {
		mutex.Lock()
		return &sharedWriter{w: w, unlock: mutex.Unlock}, nil
	}
}

type sharedWriter struct {
	w       io.Writer
	unlock  func()
	once    sync.Once
	aborted bool
	closed  bool
}

func (s *sharedWriter) Write(p []byte) (int, error) {
	if s.aborted {
		return 0, ErrAborted
	}
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.w.Write(p)
}

func (s *sharedWriter) Close() error {
	s.closed = true
	s.release()
	if syncer, ok := s.w.(interface{ Sync() error }); ok {
		// stdout may be a pipe, which can't be synced
		syncer.Sync()
	}
	return nil
}

// Abort releases the writer. Data already written can't be taken back.
func (s *sharedWriter) Abort() error {
	s.aborted = true
	s.release()
	return nil
}

func (s *sharedWriter) release() { s.once.Do(s.unlock) }
