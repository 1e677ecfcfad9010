package diode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/ddritzenhoff/diode/internal/protocol"
	"github.com/ddritzenhoff/diode/internal/utils"
	"github.com/ddritzenhoff/diode/internal/wire"
	"github.com/ddritzenhoff/diode/logging"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// number of frames queued for a forwarder before the demultiplexer blocks
const forwardQueueLen = 64

type abortError struct {
	reason logging.AbortReason
}

func (e *abortError) Error() string { return fmt.Sprintf("connection aborted: %s", e.reason) }

func (e *abortError) Unwrap() error { return ErrStreamAborted }

// A recvConn is the receiving side of a logical connection.
type recvConn struct {
	id     protocol.ConnectionID
	frames chan wire.Frame
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func (c *recvConn) abort(reason logging.AbortReason) {
	c.cancel(&abortError{reason: reason})
}

// The demultiplexer parses the released blocks into frames and forwards each connection to its target.
type demultiplexer struct {
	in      <-chan decodedBlock
	parser  *wire.FrameParser
	factory TargetFactory

	flush             bool
	streamDigest      bool
	abortTimeout      time.Duration
	heartbeatInterval time.Duration
	maxConns          int

	mutex      sync.Mutex
	conns      map[protocol.ConnectionID]*recvConn
	forwarders sync.WaitGroup
	heartbeat  *utils.Timer

	tracer *logging.Tracer
	logger utils.Logger
}

func newDemultiplexer(in <-chan decodedBlock, factory TargetFactory, config *Config, logger utils.Logger) *demultiplexer {
	return &demultiplexer{
		in:                in,
		parser:            wire.NewFrameParser(),
		factory:           factory,
		flush:             config.Flush,
		streamDigest:      config.StreamDigest,
		abortTimeout:      config.AbortTimeout,
		heartbeatInterval: config.HeartbeatInterval,
		maxConns:          config.MaxConnections,
		conns:             make(map[protocol.ConnectionID]*recvConn),
		heartbeat:         utils.NewTimer(),
		tracer:            config.Tracer,
		logger:            logger,
	}
}

// run handles blocks until the input channel is closed or ctx is done.
// All connections still open when it returns are aborted.
func (m *demultiplexer) run(ctx context.Context) error {
	defer m.shutdown()
	m.heartbeat.ResetAfter(m.heartbeatInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-m.in:
			if !ok {
				return nil
			}
			m.handleBlock(ctx, b)
		case <-m.heartbeat.Chan():
			m.heartbeat.SetRead()
			m.logger.Warnf("no heartbeat received for %s, is the sender running?", m.heartbeatInterval)
			m.heartbeat.ResetAfter(m.heartbeatInterval)
		}
	}
}

func (m *demultiplexer) shutdown() {
	m.heartbeat.Stop()
	m.abortAll(logging.AbortReasonShutdown)
	m.forwarders.Wait()
}

func (m *demultiplexer) handleBlock(ctx context.Context, b decodedBlock) {
	if b.gap {
		if n := m.numConns(); n > 0 {
			m.logger.Warnf("blocks lost before block %d, aborting %d connections", b.seq+1, n)
		}
		m.abortAll(logging.AbortReasonDiscontinuity)
		m.parser.Reset()
		return
	}
	frames, err := m.parser.Feed(b.payload, b.frameOffset)
	for i := range frames {
		m.handleFrame(ctx, &frames[i])
	}
	if err != nil {
		m.logger.Warnf("block %d: %s", b.seq, err)
		m.abortAll(logging.AbortReasonProtocolViolation)
	}
}

func (m *demultiplexer) handleFrame(ctx context.Context, f *wire.Frame) {
	if m.logger.Debug() {
		m.logger.Debugf("<- %s", f)
	}
	switch f.Kind {
	case protocol.FrameHeartbeat:
		m.heartbeat.ResetAfter(m.heartbeatInterval)
	case protocol.FrameOpen:
		m.open(f.ConnectionID)
	case protocol.FrameData, protocol.FrameClose:
		c, ok := m.get(f.ConnectionID)
		if !ok {
			m.logger.Debugf("ignoring %s frame for unknown connection %s", f.Kind, f.ConnectionID)
			return
		}
		if f.Kind == protocol.FrameClose {
			m.remove(c)
		}
		select {
		case c.frames <- *f:
		case <-c.done:
		case <-ctx.Done():
		}
	case protocol.FrameAbort:
		if c, ok := m.get(f.ConnectionID); ok {
			m.remove(c)
			c.abort(logging.AbortReasonSender)
		}
	}
}

func (m *demultiplexer) open(id protocol.ConnectionID) {
	if old, ok := m.get(id); ok {
		m.logger.Warnf("connection %s opened twice, aborting the first one", id)
		m.remove(old)
		old.abort(logging.AbortReasonProtocolViolation)
	}
	if n := m.numConns(); n >= m.maxConns {
		m.logger.Warnf("rejecting connection %s, %d connections are open", id, n)
		return
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &recvConn{
		id:     id,
		frames: make(chan wire.Frame, forwardQueueLen),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.mutex.Lock()
	m.conns[id] = c
	m.mutex.Unlock()

	m.logger.Infof("connection %s opened", id)
	if m.tracer != nil && m.tracer.OpenedConnection != nil {
		m.tracer.OpenedConnection(id)
	}
	m.forwarders.Add(1)
	go m.forward(c)
}

func (m *demultiplexer) get(id protocol.ConnectionID) (*recvConn, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.conns[id]
	return c, ok
}

// remove removes c from the connection table, unless it was replaced in the meantime.
func (m *demultiplexer) remove(c *recvConn) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.conns[c.id] == c {
		delete(m.conns, c.id)
	}
}

func (m *demultiplexer) numConns() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.conns)
}

func (m *demultiplexer) abortAll(reason logging.AbortReason) {
	m.mutex.Lock()
	conns := maps.Values(m.conns)
	maps.Clear(m.conns)
	m.mutex.Unlock()
	slices.SortFunc(conns, func(a, b *recvConn) bool { return a.id < b.id })
	for _, c := range conns {
		c.abort(reason)
	}
}

// forward writes the data of one connection to its target.
func (m *demultiplexer) forward(c *recvConn) {
	defer m.forwarders.Done()
	defer close(c.done)
	defer c.cancel(nil)
	defer m.remove(c)

	target, err := m.factory(c.id)
	if err != nil {
		m.logger.Errorf("connection %s: opening target failed: %s", c.id, err)
		m.traceAbort(c.id, logging.AbortReasonTarget)
		return
	}
	fw := &forwarder{target: target, w: target}
	if !m.flush {
		fw.buf = bufio.NewWriterSize(target, protocol.MaxDataFrameSize)
		fw.w = fw.buf
	}
	if m.streamDigest {
		// only fails for invalid keys
		fw.digest, _ = blake2b.New256(nil)
	}

	timer := utils.NewTimer()
	defer timer.Stop()
	timer.ResetAfter(m.abortTimeout)
	for {
		select {
		case <-c.ctx.Done():
			reason := logging.AbortReasonShutdown
			var aerr *abortError
			if errors.As(context.Cause(c.ctx), &aerr) {
				reason = aerr.reason
			}
			m.abortTarget(c.id, fw, reason)
			return
		case <-timer.Chan():
			timer.SetRead()
			m.logger.Warnf("connection %s: no data received for %s", c.id, m.abortTimeout)
			m.abortTarget(c.id, fw, logging.AbortReasonTimeout)
			return
		case f := <-c.frames:
			if f.Kind == protocol.FrameClose {
				m.closeTarget(c.id, fw, f.Payload)
				return
			}
			timer.ResetAfter(m.abortTimeout)
			if err := fw.write(f.Payload); err != nil {
				m.logger.Errorf("connection %s: writing to target failed: %s", c.id, err)
				m.abortTarget(c.id, fw, logging.AbortReasonTarget)
				return
			}
		}
	}
}

func (m *demultiplexer) closeTarget(id protocol.ConnectionID, fw *forwarder, digest []byte) {
	if fw.buf != nil {
		if err := fw.buf.Flush(); err != nil {
			m.logger.Errorf("connection %s: writing to target failed: %s", id, err)
			m.abortTarget(id, fw, logging.AbortReasonTarget)
			return
		}
	}
	if fw.digest != nil {
		switch {
		case len(digest) == 0:
			m.logger.Debugf("connection %s: sender sent no digest", id)
		case !bytes.Equal(fw.digest.Sum(nil), digest):
			m.logger.Errorf("connection %s: digest mismatch after %d bytes", id, fw.written)
			m.abortTarget(id, fw, logging.AbortReasonDigestMismatch)
			return
		}
	}
	if err := fw.target.Close(); err != nil {
		m.logger.Warnf("connection %s: closing target: %s", id, err)
	}
	m.logger.Infof("connection %s closed after %d bytes", id, fw.written)
	if m.tracer != nil && m.tracer.ClosedConnection != nil {
		m.tracer.ClosedConnection(id, fw.written)
	}
}

func (m *demultiplexer) abortTarget(id protocol.ConnectionID, fw *forwarder, reason logging.AbortReason) {
	var err error
	if a, ok := fw.target.(interface{ Abort() error }); ok {
		err = a.Abort()
	} else {
		err = fw.target.Close()
	}
	if err != nil {
		m.logger.Debugf("connection %s: aborting target: %s", id, err)
	}
	m.logger.Warnf("connection %s aborted after %d bytes (%s)", id, fw.written, reason)
	m.traceAbort(id, reason)
}

func (m *demultiplexer) traceAbort(id protocol.ConnectionID, reason logging.AbortReason) {
	if m.tracer != nil && m.tracer.AbortedConnection != nil {
		m.tracer.AbortedConnection(id, reason)
	}
}

type forwarder struct {
	target io.WriteCloser
	w      io.Writer
	buf    *bufio.Writer
	digest hash.Hash

	written protocol.ByteCount
}

func (f *forwarder) write(p []byte) error {
	if _, err := f.w.Write(p); err != nil {
		return err
	}
	if f.digest != nil {
		f.digest.Write(p)
	}
	f.written += protocol.ByteCount(len(p))
	return nil
}
