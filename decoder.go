package diode

import (
	"context"
	"time"

	"github.com/ddritzenhoff/diode/internal/fec"
	"github.com/ddritzenhoff/diode/internal/protocol"
	"github.com/ddritzenhoff/diode/internal/utils"
	"github.com/ddritzenhoff/diode/internal/wire"
	"github.com/ddritzenhoff/diode/logging"

	"golang.org/x/time/rate"
)

// A decodedBlock is released by the decoder in sequence order.
// A gap marker stands for one or more blocks that were lost.
type decodedBlock struct {
	seq         protocol.SequenceID
	payload     []byte
	frameOffset uint32
	gap         bool
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotCollecting
	slotDecoding
	slotDone
	slotFailed
)

func (s slotState) String() string {
	switch s {
	case slotEmpty:
		return "empty"
	case slotCollecting:
		return "collecting"
	case slotDecoding:
		return "decoding"
	case slotDone:
		return "done"
	case slotFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// A pendingBlock is a block in the reorder window.
type pendingBlock struct {
	state slotState
	hdr   wire.PacketHeader
	block *fec.Block

	payload   []byte
	recovered bool
}

func (b *pendingBlock) matches(hdr *wire.PacketHeader) bool {
	return b.hdr.SequenceID == hdr.SequenceID &&
		b.hdr.Scheme == hdr.Scheme &&
		b.hdr.K == hdr.K &&
		b.hdr.M == hdr.M &&
		b.hdr.PayloadLength == hdr.PayloadLength &&
		b.hdr.FrameOffset == hdr.FrameOffset
}

type decodeJob struct {
	epoch uint64
	seq   protocol.SequenceID
	codec *fec.Codec
	block *fec.Block
}

type decodeResult struct {
	epoch   uint64
	seq     protocol.SequenceID
	payload []byte
	err     error
}

// The blockDecoder collects symbols into blocks, decodes them and releases them in sequence order.
// All fields are owned by the goroutine executing run. Decoding happens inline, or on a worker pool.
type blockDecoder struct {
	symbolSize   int
	window       int
	resetTimeout time.Duration
	codecs       map[protocol.FECSchemeID]*fec.Codec

	slots []pendingBlock
	// next is the oldest sequence ID not released yet
	next    protocol.SequenceID
	highest protocol.SequenceID
	synced  bool
	epoch   uint64

	// starting is set until the first block of a session is released.
	// Until then, the window may still move back to blocks sent before the first one received.
	starting     bool
	haveReleased bool
	lastReleased protocol.SequenceID
	lastWasGap   bool

	// jobs is nil when decoding inline
	jobs     chan decodeJob
	results  chan decodeResult
	inFlight int

	in    <-chan []*wire.PacketBuffer
	out   chan<- decodedBlock
	timer *utils.Timer

	mismatch rate.Sometimes
	tracer   *logging.Tracer
	logger   utils.Logger
}

func newBlockDecoder(params protocol.Parameters, window, workers int, resetTimeout time.Duration, in <-chan []*wire.PacketBuffer, out chan<- decodedBlock, tracer *logging.Tracer, logger utils.Logger) *blockDecoder {
	d := &blockDecoder{
		symbolSize:   params.SymbolSize,
		window:       window,
		resetTimeout: resetTimeout,
		codecs:       make(map[protocol.FECSchemeID]*fec.Codec),
		slots:        make([]pendingBlock, window),
		in:           in,
		out:          out,
		timer:        utils.NewTimer(),
		mismatch:     rate.Sometimes{Interval: time.Second},
		tracer:       tracer,
		logger:       logger,
	}
	if workers > 0 {
		d.jobs = make(chan decodeJob, window)
		d.results = make(chan decodeResult, window)
	}
	return d
}

func (d *blockDecoder) slot(seq protocol.SequenceID) *pendingBlock {
	return &d.slots[int(uint32(seq)%uint32(d.window))]
}

func (d *blockDecoder) codec(scheme protocol.FECSchemeID) (*fec.Codec, error) {
	if c, ok := d.codecs[scheme]; ok {
		return c, nil
	}
	c, err := fec.NewCodec(scheme, d.symbolSize)
	if err != nil {
		return nil, err
	}
	d.codecs[scheme] = c
	return c, nil
}

// run processes packets until the input channel is closed or ctx is done. It closes the output channel.
func (d *blockDecoder) run(ctx context.Context) error {
	defer close(d.out)
	defer d.timer.Stop()
	if d.jobs != nil {
		defer close(d.jobs)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-d.in:
			if !ok {
				return nil
			}
			d.timer.ResetAfter(d.resetTimeout)
			for _, p := range batch {
				if err := d.ingest(ctx, p); err != nil {
					return nil
				}
			}
		case res := <-d.results:
			d.handleResult(res)
		case <-d.timer.Chan():
			d.timer.SetRead()
			if err := d.reset(ctx); err != nil {
				return nil
			}
		}
		if err := d.release(ctx); err != nil {
			return nil
		}
	}
}

// ingest adds one packet to its block. The packet buffer is released.
// It only returns an error when ctx is done while waiting to release a block.
func (d *blockDecoder) ingest(ctx context.Context, p *wire.PacketBuffer) error {
	defer p.Release()

	hdr, symbol, err := wire.ParsePacket(p.Data)
	if err != nil {
		if d.logger.Debug() {
			d.logger.Debugf("dropping packet: %s", err)
		}
		return nil
	}
	if len(symbol) != d.symbolSize {
		d.mismatch.Do(func() {
			d.logger.Warnf("received a symbol of %d bytes, expected %d: are MTU and block size the same on both sides?", len(symbol), d.symbolSize)
			if d.tracer != nil && d.tracer.ConfigurationMismatch != nil {
				d.tracer.ConfigurationMismatch(d.symbolSize, len(symbol))
			}
		})
		return nil
	}

	seq := hdr.SequenceID
	if !d.synced {
		d.sync(seq)
	}
	dist := d.next.Distance(seq)
	// stragglers more than a window behind would have been dropped from the window anyway
	if dist <= -int64(d.window) {
		d.logger.Warnf("sequence ID jumped back from %d to %d, starting a new session", d.next, seq)
		if err := d.reset(ctx); err != nil {
			return err
		}
		d.sync(seq)
		dist = 0
	}
	if dist < 0 && d.starting && d.next.Distance(d.highest)-dist < int64(d.window) {
		if d.logger.Debug() {
			d.logger.Debugf("moving the start of the session back from block %d to %d", d.next, seq)
		}
		d.next = seq
		dist = 0
	}
	if dist < 0 {
		if d.logger.Debug() {
			d.logger.Debugf("ignoring symbol %d of block %d, already released up to %d", hdr.SymbolID, seq, d.next-1)
		}
		return nil
	}
	if dist >= int64(d.window) {
		if err := d.advance(ctx, seq); err != nil {
			return err
		}
	}
	if d.next.Distance(seq) > d.next.Distance(d.highest) {
		d.highest = seq
	}

	b := d.slot(seq)
	switch b.state {
	case slotEmpty:
		b.state = slotCollecting
		b.hdr = *hdr
		b.block = fec.NewBlock(int(hdr.K), int(hdr.M), d.symbolSize)
	case slotCollecting:
		if !b.matches(hdr) {
			d.logger.Debugf("ignoring symbol %d of block %d with an inconsistent header", hdr.SymbolID, seq)
			return nil
		}
	default:
		// the block is already decoding or decoded
		return nil
	}

	data := make([]byte, len(symbol))
	copy(data, symbol)
	if _, err := b.block.AddSymbol(fec.Symbol{ID: hdr.SymbolID, Data: data}); err != nil {
		d.logger.Debugf("block %d: %s", seq, err)
		return nil
	}
	if b.block.IsRecoverable() {
		d.decode(b)
	}
	return nil
}

// sync starts a session at seq.
func (d *blockDecoder) sync(seq protocol.SequenceID) {
	d.synced = true
	d.starting = true
	d.next = seq
	d.highest = seq
	d.logger.Debugf("synchronized at block %d", seq)
}

// started is called before releasing the block seq.
// A session not continuing where the last one ended starts with a gap.
func (d *blockDecoder) started(ctx context.Context, seq protocol.SequenceID) error {
	if !d.starting {
		return nil
	}
	d.starting = false
	if d.haveReleased && seq != d.lastReleased+1 {
		d.logger.Infof("resynchronized at block %d after block %d", seq, d.lastReleased)
		return d.emitGap(ctx, seq-1)
	}
	return nil
}

// decode starts the one decode attempt of a block.
func (d *blockDecoder) decode(b *pendingBlock) {
	codec, err := d.codec(b.hdr.Scheme)
	if err != nil {
		d.fail(b, err)
		return
	}
	recovered := !b.block.IsComplete()
	if d.jobs != nil && d.inFlight < cap(d.jobs) {
		b.state = slotDecoding
		b.recovered = recovered
		d.inFlight++
		d.jobs <- decodeJob{epoch: d.epoch, seq: b.hdr.SequenceID, codec: codec, block: b.block}
		return
	}
	// the decode pool is saturated, or there is none
	payload, err := codec.DecodeBlock(b.block)
	b.recovered = recovered
	d.complete(b, payload, err)
}

func (d *blockDecoder) complete(b *pendingBlock, payload []byte, err error) {
	if err != nil {
		d.fail(b, err)
		return
	}
	b.state = slotDone
	b.payload = payload[:b.hdr.PayloadLength]
	b.block = nil
	if d.logger.Debug() {
		d.logger.Debugf("decoded block %d: %d bytes (recovered: %t)", b.hdr.SequenceID, b.hdr.PayloadLength, b.recovered)
	}
	if d.tracer != nil && d.tracer.DecodedBlock != nil {
		d.tracer.DecodedBlock(b.hdr.SequenceID, protocol.ByteCount(b.hdr.PayloadLength), b.recovered)
	}
}

func (d *blockDecoder) fail(b *pendingBlock, err error) {
	d.logger.Errorf("decoding block %d failed: %s", b.hdr.SequenceID, err)
	b.state = slotFailed
	b.block = nil
	if d.tracer != nil && d.tracer.LostBlock != nil {
		d.tracer.LostBlock(b.hdr.SequenceID, logging.LossReasonDecodeError)
	}
}

func (d *blockDecoder) handleResult(res decodeResult) {
	d.inFlight--
	if res.epoch != d.epoch || !d.synced {
		return
	}
	b := d.slot(res.seq)
	if b.state != slotDecoding || b.hdr.SequenceID != res.seq {
		// the block was dropped from the window while decoding
		return
	}
	d.complete(b, res.payload, res.err)
}

// runWorker decodes blocks until the decoder stops.
func (d *blockDecoder) runWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-d.jobs:
			if !ok {
				return nil
			}
			payload, err := job.codec.DecodeBlock(job.block)
			// never blocks, there's room for every job in flight
			d.results <- decodeResult{epoch: job.epoch, seq: job.seq, payload: payload, err: err}
		}
	}
}

// release passes on the decoded blocks at the head of the window.
func (d *blockDecoder) release(ctx context.Context) error {
	for d.synced {
		b := d.slot(d.next)
		if b.hdr.SequenceID != d.next {
			return nil
		}
		switch b.state {
		case slotDone:
			if err := d.emit(ctx, b); err != nil {
				return err
			}
		case slotFailed:
			if err := d.emitGap(ctx, d.next); err != nil {
				return err
			}
		default:
			return nil
		}
		*b = pendingBlock{}
		d.next++
	}
	return nil
}

// advance drops the oldest blocks until seq fits into the window.
func (d *blockDecoder) advance(ctx context.Context, seq protocol.SequenceID) error {
	for i := 0; i < d.window && d.next.Distance(seq) >= int64(d.window); i++ {
		if err := d.drop(ctx, d.next, logging.LossReasonWindowOverflow); err != nil {
			return err
		}
		d.next++
	}
	if skipped := d.next.Distance(seq) - int64(d.window) + 1; skipped > 0 {
		// no symbol of these blocks was received, they never occupied a slot
		d.logger.Warnf("skipping %d blocks after block %d", skipped, d.next-1)
		if err := d.emitGap(ctx, seq-protocol.SequenceID(d.window)); err != nil {
			return err
		}
		d.next += protocol.SequenceID(skipped)
	}
	return nil
}

// drop passes on the block seq at the head of the window, decoded or not.
func (d *blockDecoder) drop(ctx context.Context, seq protocol.SequenceID, reason logging.LossReason) error {
	b := d.slot(seq)
	if b.hdr.SequenceID != seq || b.state == slotEmpty {
		*b = pendingBlock{}
		reason = logging.LossReasonMissing
	}
	switch b.state {
	case slotDone:
		err := d.emit(ctx, b)
		*b = pendingBlock{}
		return err
	case slotFailed:
	case slotCollecting:
		if reason == logging.LossReasonWindowOverflow {
			reason = logging.LossReasonInsufficientSymbols
		}
		fallthrough
	default:
		if d.logger.Debug() {
			d.logger.Debugf("block %d lost (%s)", seq, reason)
		}
		if d.tracer != nil && d.tracer.LostBlock != nil {
			d.tracer.LostBlock(seq, reason)
		}
	}
	*b = pendingBlock{}
	return d.emitGap(ctx, seq)
}

// reset ends the session. Decoded blocks are passed on, everything else is discarded.
func (d *blockDecoder) reset(ctx context.Context) error {
	if !d.synced {
		return nil
	}
	var discarded int
	for ; d.next.Distance(d.highest) >= 0; d.next++ {
		b := d.slot(d.next)
		if b.hdr.SequenceID == d.next && b.state == slotDone {
			if err := d.emit(ctx, b); err != nil {
				return err
			}
			*b = pendingBlock{}
			continue
		}
		if b.hdr.SequenceID == d.next && b.state != slotEmpty {
			discarded++
			if d.tracer != nil && d.tracer.LostBlock != nil && b.state != slotFailed {
				d.tracer.LostBlock(d.next, logging.LossReasonSessionReset)
			}
		}
		*b = pendingBlock{}
		if err := d.emitGap(ctx, d.next); err != nil {
			return err
		}
	}
	for i := range d.slots {
		d.slots[i] = pendingBlock{}
	}
	d.synced = false
	d.epoch++
	if discarded > 0 {
		d.logger.Warnf("session reset after %s of silence, discarded %d incomplete blocks", d.resetTimeout, discarded)
	} else {
		d.logger.Debugf("session reset after %s of silence", d.resetTimeout)
	}
	if d.tracer != nil && d.tracer.SessionReset != nil {
		d.tracer.SessionReset(discarded)
	}
	return nil
}

func (d *blockDecoder) emit(ctx context.Context, b *pendingBlock) error {
	db := decodedBlock{seq: b.hdr.SequenceID, payload: b.payload, frameOffset: b.hdr.FrameOffset}
	if err := d.started(ctx, db.seq); err != nil {
		return err
	}
	select {
	case d.out <- db:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.haveReleased = true
	d.lastReleased = db.seq
	d.lastWasGap = false
	return nil
}

// emitGap reports the loss of the blocks up to seq. Consecutive gaps are reported once.
func (d *blockDecoder) emitGap(ctx context.Context, seq protocol.SequenceID) error {
	if err := d.started(ctx, seq); err != nil {
		return err
	}
	d.haveReleased = true
	d.lastReleased = seq
	if d.lastWasGap {
		return nil
	}
	select {
	case d.out <- decodedBlock{seq: seq, gap: true}:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.lastWasGap = true
	return nil
}
