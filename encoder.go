package diode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ddritzenhoff/diode/internal/fec"
	"github.com/ddritzenhoff/diode/internal/protocol"
	"github.com/ddritzenhoff/diode/internal/utils"
	"github.com/ddritzenhoff/diode/internal/wire"
	"github.com/ddritzenhoff/diode/logging"
)

// A frameWriter appends connection frames to the diode byte stream.
type frameWriter interface {
	// WriteFrame appends a frame. Droppable frames are refused with ErrBackpressure
	// when the pipeline is saturated and frames may be dropped.
	WriteFrame(f *wire.Frame, droppable bool) error
	// Flush cuts a block from whatever is pending.
	Flush() error
}

type encodeJob struct {
	seq         protocol.SequenceID
	payload     []byte
	frameOffset uint32
}

// The blockEncoder cuts the byte stream into blocks and encodes them into packets.
// Blocks are encoded inline by the writing goroutine, or by a pool of workers.
type blockEncoder struct {
	params protocol.Parameters
	codec  *fec.Codec
	pool   *wire.PacketPool
	queue  *sendQueue
	policy OverflowPolicy

	// jobs is nil when encoding inline
	jobs chan encodeJob

	// blocks are queued in sequence order, whichever worker finishes first
	orderMx    sync.Mutex
	orderCond  *sync.Cond
	nextQueued protocol.SequenceID

	mutex       sync.Mutex
	buf         []byte
	frameOffset uint32
	nextSeq     protocol.SequenceID
	scratch     []byte
	closeErr    error

	tracer *logging.Tracer
	logger utils.Logger
}

var _ frameWriter = &blockEncoder{}

func newBlockEncoder(params protocol.Parameters, workers int, policy OverflowPolicy, queue *sendQueue, tracer *logging.Tracer, logger utils.Logger) (*blockEncoder, error) {
	codec, err := fec.NewCodec(params.Scheme, params.SymbolSize)
	if err != nil {
		return nil, err
	}
	e := &blockEncoder{
		params:      params,
		codec:       codec,
		pool:        wire.NewPacketPool(params.PacketSize()),
		queue:       queue,
		policy:      policy,
		buf:         make([]byte, 0, params.BlockSize),
		frameOffset: protocol.NoFrameOffset,
		scratch:     make([]byte, 0, protocol.FrameHeaderSize+protocol.MaxDataFrameSize),
		tracer:      tracer,
		logger:      logger,
	}
	e.orderCond = sync.NewCond(&e.orderMx)
	if workers > 0 {
		e.jobs = make(chan encodeJob, workers)
	}
	return e, nil
}

// WriteFrame appends a frame to the current block, cutting blocks as they fill up.
// The frame is appended as a whole: no other frame is interleaved with it.
func (e *blockEncoder) WriteFrame(f *wire.Frame, droppable bool) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closeErr != nil {
		return e.closeErr
	}
	if droppable && e.policy == OverflowDrop && e.saturated() {
		return ErrBackpressure
	}
	if e.frameOffset == protocol.NoFrameOffset {
		e.frameOffset = uint32(len(e.buf))
	}
	data := f.Append(e.scratch[:0])
	for len(data) > 0 {
		n := copy(e.buf[len(e.buf):cap(e.buf)], data)
		e.buf = e.buf[:len(e.buf)+n]
		data = data[n:]
		if len(e.buf) == cap(e.buf) {
			if err := e.cutBlock(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush cuts a block from the pending data, if there is any.
func (e *blockEncoder) Flush() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closeErr != nil {
		return e.closeErr
	}
	if len(e.buf) == 0 {
		return nil
	}
	return e.cutBlock()
}

func (e *blockEncoder) saturated() bool {
	if e.jobs != nil && len(e.jobs) < cap(e.jobs) {
		return false
	}
	return e.queue.Full()
}

// cutBlock must be called with the mutex held.
func (e *blockEncoder) cutBlock() error {
	job := encodeJob{seq: e.nextSeq, payload: e.buf, frameOffset: e.frameOffset}
	e.nextSeq++
	e.buf = make([]byte, 0, e.params.BlockSize)
	e.frameOffset = protocol.NoFrameOffset

	if e.jobs == nil {
		if err := e.encodeAndQueue(job); err != nil {
			e.closeErr = err
			return err
		}
		return nil
	}
	select {
	case e.jobs <- job:
		return nil
	case <-e.queue.Closed():
		e.closeErr = ErrClosed
		return ErrClosed
	}
}

func (e *blockEncoder) encodeAndQueue(job encodeJob) error {
	packets, err := e.encode(job)
	return e.queueInOrder(job.seq, packets, err)
}

// queueInOrder waits until all blocks before seq were queued, then queues the packets of seq.
// A block that failed to encode still lets the following blocks pass.
// Jobs are taken from the job queue in sequence order, so the block before seq is always
// being encoded by some worker.
func (e *blockEncoder) queueInOrder(seq protocol.SequenceID, packets []*wire.PacketBuffer, encodeErr error) error {
	e.orderMx.Lock()
	for e.nextQueued != seq {
		e.orderCond.Wait()
	}
	defer func() {
		e.nextQueued++
		e.orderCond.Broadcast()
		e.orderMx.Unlock()
	}()

	if encodeErr != nil {
		return encodeErr
	}
	if err := e.queue.Add(packets); err != nil {
		for _, p := range packets {
			p.Release()
		}
		return err
	}
	return nil
}

// encode encodes one block into packets.
func (e *blockEncoder) encode(job encodeJob) ([]*wire.PacketBuffer, error) {
	if len(job.payload) > e.params.BlockSize {
		return nil, fmt.Errorf("%w: block %d has %d bytes, block size is %d", ErrBlockTooLarge, job.seq, len(job.payload), e.params.BlockSize)
	}
	k, m := e.params.SymbolCounts(len(job.payload))
	symbols, err := e.codec.Encode(job.payload, k, m)
	if err != nil {
		return nil, fmt.Errorf("encoding block %d: %w", job.seq, err)
	}
	hdr := wire.PacketHeader{
		Scheme:        e.params.Scheme,
		K:             uint16(k),
		M:             uint16(m),
		SequenceID:    job.seq,
		PayloadLength: uint32(len(job.payload)),
		FrameOffset:   job.frameOffset,
	}
	packets := make([]*wire.PacketBuffer, 0, len(symbols))
	for _, s := range symbols {
		hdr.SymbolID = s.ID
		p := e.pool.Get()
		p.Data = hdr.Append(p.Data)
		p.Data = append(p.Data, s.Data...)
		packets = append(packets, p)
	}
	if e.logger.Debug() {
		e.logger.Debugf("encoded block %d: %d bytes, %d source and %d repair symbols", job.seq, len(job.payload), k, m)
	}
	if e.tracer != nil && e.tracer.SentBlock != nil {
		e.tracer.SentBlock(job.seq, protocol.ByteCount(len(job.payload)), k, m)
	}
	return packets, nil
}

// runWorker encodes blocks until the job queue is closed.
// Blocks may complete out of order, queueInOrder puts them back in sequence order.
func (e *blockEncoder) runWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-e.jobs:
			if !ok {
				return nil
			}
			if err := e.encodeAndQueue(job); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				e.mutex.Lock()
				e.closeErr = err
				e.mutex.Unlock()
				return err
			}
		}
	}
}

// Close flushes the pending data and stops accepting frames.
// The job queue is closed, workers finish the blocks already queued.
func (e *blockEncoder) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closeErr != nil {
		return e.closeErr
	}
	var err error
	if len(e.buf) > 0 {
		err = e.cutBlock()
	}
	if e.closeErr == nil {
		e.closeErr = ErrClosed
	}
	if e.jobs != nil {
		close(e.jobs)
	}
	return err
}
