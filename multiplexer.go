package diode

import (
	"context"
	"errors"
	"hash"
	"sync"

	"github.com/ddritzenhoff/diode/internal/protocol"
	"github.com/ddritzenhoff/diode/internal/utils"
	"github.com/ddritzenhoff/diode/internal/wire"
	"github.com/ddritzenhoff/diode/logging"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/semaphore"
)

type sendConn struct {
	id      protocol.ConnectionID
	digest  hash.Hash
	written protocol.ByteCount
}

// The multiplexer turns client connections into Open, Data, Close and Abort frames.
type multiplexer struct {
	writer frameWriter
	sem    *semaphore.Weighted

	flush        bool
	streamDigest bool

	mutex  sync.Mutex
	lastID protocol.ConnectionID
	conns  map[protocol.ConnectionID]*sendConn

	tracer *logging.Tracer
	logger utils.Logger
}

func newMultiplexer(writer frameWriter, maxConns int, flush, streamDigest bool, tracer *logging.Tracer, logger utils.Logger) *multiplexer {
	return &multiplexer{
		writer:       writer,
		sem:          semaphore.NewWeighted(int64(maxConns)),
		flush:        flush,
		streamDigest: streamDigest,
		conns:        make(map[protocol.ConnectionID]*sendConn),
		tracer:       tracer,
		logger:       logger,
	}
}

// nextID allocates connection IDs in increasing order. 0 is skipped when wrapping around.
// Must be called with the mutex held.
func (m *multiplexer) nextID() protocol.ConnectionID {
	for {
		m.lastID++
		if _, ok := m.conns[m.lastID]; m.lastID != 0 && !ok {
			return m.lastID
		}
	}
}

// Open starts a new connection. It waits while MaxConnections connections are open.
func (m *multiplexer) Open(ctx context.Context) (protocol.ConnectionID, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return 0, errors.Join(ErrTooManyConnections, err)
	}
	m.mutex.Lock()
	c := &sendConn{id: m.nextID()}
	if m.streamDigest {
		// only fails for invalid keys
		c.digest, _ = blake2b.New256(nil)
	}
	m.conns[c.id] = c
	m.mutex.Unlock()

	if err := m.writer.WriteFrame(&wire.Frame{Kind: protocol.FrameOpen, ConnectionID: c.id}, false); err != nil {
		m.remove(c.id)
		return 0, err
	}
	if m.flush {
		if err := m.writer.Flush(); err != nil {
			m.remove(c.id)
			return 0, err
		}
	}
	m.logger.Infof("connection %s opened", c.id)
	if m.tracer != nil && m.tracer.OpenedConnection != nil {
		m.tracer.OpenedConnection(c.id)
	}
	return c.id, nil
}

func (m *multiplexer) get(id protocol.ConnectionID) (*sendConn, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.conns[id]
	return c, ok
}

func (m *multiplexer) remove(id protocol.ConnectionID) (*sendConn, bool) {
	m.mutex.Lock()
	c, ok := m.conns[id]
	delete(m.conns, id)
	m.mutex.Unlock()
	if ok {
		m.sem.Release(1)
	}
	return c, ok
}

// Write sends p as Data frames of at most 64 KiB.
// Under OverflowDrop, a write refused because the pipeline is saturated aborts the connection.
func (m *multiplexer) Write(id protocol.ConnectionID, p []byte) (int, error) {
	c, ok := m.get(id)
	if !ok {
		return 0, ErrClosed
	}
	var written int
	for len(p) > 0 {
		chunk := p[:min(len(p), protocol.MaxDataFrameSize)]
		if err := m.writer.WriteFrame(&wire.Frame{Kind: protocol.FrameData, ConnectionID: id, Payload: chunk}, true); err != nil {
			if errors.Is(err, ErrBackpressure) {
				m.logger.Warnf("connection %s: pipeline saturated, aborting", id)
				m.abort(id, logging.AbortReasonBackpressure)
			}
			return written, err
		}
		if c.digest != nil {
			c.digest.Write(chunk)
		}
		c.written += protocol.ByteCount(len(chunk))
		written += len(chunk)
		p = p[len(chunk):]
	}
	if m.flush {
		if err := m.writer.Flush(); err != nil {
			return written, err
		}
	}
	return written, nil
}

// Close ends a connection after all its data. The pending block is always cut.
func (m *multiplexer) Close(id protocol.ConnectionID) error {
	c, ok := m.remove(id)
	if !ok {
		return ErrClosed
	}
	f := &wire.Frame{Kind: protocol.FrameClose, ConnectionID: id}
	if c.digest != nil {
		f.Payload = c.digest.Sum(nil)
	}
	if err := m.writer.WriteFrame(f, false); err != nil {
		return err
	}
	if err := m.writer.Flush(); err != nil {
		return err
	}
	m.logger.Infof("connection %s closed after %d bytes", id, c.written)
	if m.tracer != nil && m.tracer.ClosedConnection != nil {
		m.tracer.ClosedConnection(id, c.written)
	}
	return nil
}

// Abort ends a connection whose client failed.
func (m *multiplexer) Abort(id protocol.ConnectionID) error {
	return m.abort(id, logging.AbortReasonSender)
}

func (m *multiplexer) abort(id protocol.ConnectionID, reason logging.AbortReason) error {
	if _, ok := m.remove(id); !ok {
		return ErrClosed
	}
	if err := m.writer.WriteFrame(&wire.Frame{Kind: protocol.FrameAbort, ConnectionID: id}, false); err != nil {
		return err
	}
	if err := m.writer.Flush(); err != nil {
		return err
	}
	m.logger.Warnf("connection %s aborted (%s)", id, reason)
	if m.tracer != nil && m.tracer.AbortedConnection != nil {
		m.tracer.AbortedConnection(id, reason)
	}
	return nil
}

// AbortAll aborts all open connections.
func (m *multiplexer) AbortAll(reason logging.AbortReason) {
	m.mutex.Lock()
	ids := maps.Keys(m.conns)
	m.mutex.Unlock()
	slices.Sort(ids)
	for _, id := range ids {
		if err := m.abort(id, reason); err != nil && !errors.Is(err, ErrClosed) {
			m.logger.Debugf("aborting connection %s: %s", id, err)
		}
	}
}

// Heartbeat sends a heartbeat and cuts the block. It is skipped when the pipeline is saturated.
func (m *multiplexer) Heartbeat() error {
	err := m.writer.WriteFrame(&wire.Frame{Kind: protocol.FrameHeartbeat}, true)
	if errors.Is(err, ErrBackpressure) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.writer.Flush()
}
