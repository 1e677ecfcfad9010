package diode

import (
	"bytes"
	"context"
	"sort"

	"github.com/ddritzenhoff/diode/internal/fec"
	"github.com/ddritzenhoff/diode/internal/protocol"
	"github.com/ddritzenhoff/diode/internal/utils"
	"github.com/ddritzenhoff/diode/internal/wire"
	"github.com/ddritzenhoff/diode/logging"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// 2 source symbols of 64 bytes and 1 repair symbol per block
func testParameters() protocol.Parameters {
	params, err := protocol.NewParametersWithSymbolSize(protocol.ReedSolomonFECScheme, 64, 100, 50)
	Expect(err).ToNot(HaveOccurred())
	return params
}

type sentBlock struct {
	hdr     wire.PacketHeader
	payload []byte
	packets int
}

// popBlocks decodes all queued packets into blocks, ordered by sequence ID.
func popBlocks(q *sendQueue, params protocol.Parameters) []sentBlock {
	codec, err := fec.NewCodec(params.Scheme, params.SymbolSize)
	Expect(err).ToNot(HaveOccurred())
	symbols := make(map[protocol.SequenceID][]fec.Symbol)
	headers := make(map[protocol.SequenceID]wire.PacketHeader)
	for _, p := range q.Pop(nil, 1<<16) {
		hdr, symbol, err := wire.ParsePacket(p.Data)
		Expect(err).ToNot(HaveOccurred())
		symbols[hdr.SequenceID] = append(symbols[hdr.SequenceID], fec.Symbol{ID: hdr.SymbolID, Data: append([]byte(nil), symbol...)})
		hdr.SymbolID = 0
		headers[hdr.SequenceID] = *hdr
		p.Release()
	}
	var blocks []sentBlock
	for seq, hdr := range headers {
		data, err := codec.Decode(symbols[seq], int(hdr.K), int(hdr.M))
		Expect(err).ToNot(HaveOccurred())
		blocks = append(blocks, sentBlock{hdr: hdr, payload: data[:hdr.PayloadLength], packets: len(symbols[seq])})
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].hdr.SequenceID < blocks[j].hdr.SequenceID })
	return blocks
}

var _ = Describe("Block Encoder", func() {
	var (
		params protocol.Parameters
		queue  *sendQueue
	)

	BeforeEach(func() {
		params = testParameters()
		queue = newSendQueue(100)
	})

	newEncoder := func(workers int, policy OverflowPolicy, tracer *logging.Tracer) *blockEncoder {
		e, err := newBlockEncoder(params, workers, policy, queue, tracer, utils.DefaultLogger)
		Expect(err).ToNot(HaveOccurred())
		return e
	}

	It("cuts blocks when they are full and records the frame offset", func() {
		e := newEncoder(0, OverflowBlock, nil)
		data := &wire.Frame{Kind: protocol.FrameData, ConnectionID: 1, Payload: bytes.Repeat([]byte{'a'}, 150)}
		Expect(e.WriteFrame(data, true)).To(Succeed())
		// the rest of the Data frame doesn't start a frame
		Expect(e.Flush()).To(Succeed())
		open := &wire.Frame{Kind: protocol.FrameOpen, ConnectionID: 2}
		Expect(e.WriteFrame(open, false)).To(Succeed())
		Expect(e.Flush()).To(Succeed())
		// nothing pending
		Expect(e.Flush()).To(Succeed())

		blocks := popBlocks(queue, params)
		Expect(blocks).To(HaveLen(3))
		stream := data.Append(nil)
		Expect(blocks[0].hdr.SequenceID).To(BeEquivalentTo(0))
		Expect(blocks[0].hdr.FrameOffset).To(BeZero())
		Expect(blocks[0].payload).To(Equal(stream[:100]))
		Expect(blocks[0].packets).To(Equal(3))
		Expect(blocks[1].hdr.SequenceID).To(BeEquivalentTo(1))
		Expect(blocks[1].hdr.FrameOffset).To(Equal(protocol.NoFrameOffset))
		Expect(blocks[1].payload).To(Equal(stream[100:]))
		Expect(blocks[2].hdr.FrameOffset).To(BeZero())
		Expect(blocks[2].payload).To(Equal(open.Append(nil)))
		Expect(blocks[2].hdr.K).To(BeEquivalentTo(1))
		Expect(blocks[2].hdr.M).To(BeEquivalentTo(1))
	})

	It("records the offset of the first frame starting in a block", func() {
		e := newEncoder(0, OverflowBlock, nil)
		Expect(e.WriteFrame(&wire.Frame{Kind: protocol.FrameData, ConnectionID: 1, Payload: make([]byte, 85)}, true)).To(Succeed())
		Expect(e.WriteFrame(&wire.Frame{Kind: protocol.FrameClose, ConnectionID: 1}, false)).To(Succeed())
		Expect(e.Flush()).To(Succeed())
		blocks := popBlocks(queue, params)
		Expect(blocks).To(HaveLen(2))
		Expect(blocks[0].hdr.FrameOffset).To(BeZero())
		// the Close frame starts at offset 95 of block 0, the second block only holds its tail
		Expect(blocks[1].hdr.FrameOffset).To(Equal(protocol.NoFrameOffset))
		Expect(blocks[1].payload).To(HaveLen(5))
	})

	It("traces sent blocks", func() {
		var sent []protocol.SequenceID
		e := newEncoder(0, OverflowBlock, &logging.Tracer{
			SentBlock: func(seq protocol.SequenceID, payloadLen protocol.ByteCount, k, m int) {
				sent = append(sent, seq)
				Expect(k).To(Equal(1))
				Expect(m).To(Equal(1))
				Expect(payloadLen).To(BeEquivalentTo(protocol.FrameHeaderSize))
			},
		})
		for i := 0; i < 3; i++ {
			Expect(e.WriteFrame(&wire.Frame{Kind: protocol.FrameHeartbeat}, true)).To(Succeed())
			Expect(e.Flush()).To(Succeed())
		}
		Expect(sent).To(Equal([]protocol.SequenceID{0, 1, 2}))
	})

	It("refuses blocks larger than the block size", func() {
		e := newEncoder(0, OverflowBlock, nil)
		_, err := e.encode(encodeJob{payload: make([]byte, 101)})
		Expect(err).To(MatchError(ErrBlockTooLarge))
	})

	It("refuses droppable frames when saturated", func() {
		queue = newSendQueue(1)
		e := newEncoder(0, OverflowDrop, nil)
		Expect(e.WriteFrame(&wire.Frame{Kind: protocol.FrameOpen, ConnectionID: 1}, false)).To(Succeed())
		Expect(e.Flush()).To(Succeed())
		Expect(queue.Full()).To(BeTrue())
		Expect(e.WriteFrame(&wire.Frame{Kind: protocol.FrameData, ConnectionID: 1, Payload: []byte("foo")}, true)).To(MatchError(ErrBackpressure))
		// frames that aren't droppable are still accepted
		Expect(e.WriteFrame(&wire.Frame{Kind: protocol.FrameAbort, ConnectionID: 1}, false)).To(Succeed())
		queue.Pop(nil, 10)
		Expect(e.WriteFrame(&wire.Frame{Kind: protocol.FrameData, ConnectionID: 2, Payload: []byte("foo")}, true)).To(Succeed())
	})

	It("flushes the pending data on Close", func() {
		e := newEncoder(0, OverflowBlock, nil)
		Expect(e.WriteFrame(&wire.Frame{Kind: protocol.FrameOpen, ConnectionID: 1}, false)).To(Succeed())
		Expect(e.Close()).To(Succeed())
		Expect(popBlocks(queue, params)).To(HaveLen(1))
		Expect(e.WriteFrame(&wire.Frame{Kind: protocol.FrameOpen, ConnectionID: 2}, false)).To(MatchError(ErrClosed))
		Expect(e.Flush()).To(MatchError(ErrClosed))
	})

	It("encodes on multiple workers", func() {
		e := newEncoder(3, OverflowBlock, nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan struct{}, 3)
		for i := 0; i < 3; i++ {
			go func() {
				defer GinkgoRecover()
				Expect(e.runWorker(ctx)).To(Succeed())
				done <- struct{}{}
			}()
		}
		var stream []byte
		for i := 0; i < 20; i++ {
			f := &wire.Frame{Kind: protocol.FrameData, ConnectionID: 1, Payload: bytes.Repeat([]byte{byte(i)}, 33)}
			stream = f.Append(stream)
			Expect(e.WriteFrame(f, true)).To(Succeed())
		}
		Expect(e.Close()).To(Succeed())
		for i := 0; i < 3; i++ {
			Eventually(done).Should(Receive())
		}

		var got []byte
		blocks := popBlocks(queue, params)
		for i, b := range blocks {
			Expect(b.hdr.SequenceID).To(BeEquivalentTo(i))
			got = append(got, b.payload...)
		}
		Expect(got).To(Equal(stream))
	})

	It("queues blocks in sequence order, whichever worker finishes first", func() {
		e := newEncoder(3, OverflowBlock, nil)
		packetsOf := func(seq protocol.SequenceID) []*wire.PacketBuffer {
			packets, err := e.encode(encodeJob{seq: seq, payload: bytes.Repeat([]byte{byte(seq)}, 90)})
			Expect(err).ToNot(HaveOccurred())
			return packets
		}
		queued := make(chan protocol.SequenceID, 3)
		for _, seq := range []protocol.SequenceID{3, 2} {
			seq := seq
			packets := packetsOf(seq)
			go func() {
				defer GinkgoRecover()
				Expect(e.queueInOrder(seq, packets, nil)).To(Succeed())
				queued <- seq
			}()
		}
		Consistently(queued).ShouldNot(Receive())
		Expect(queue.Len()).To(BeZero())

		// a block that failed to encode doesn't hold back the others
		Expect(e.queueInOrder(0, nil, ErrBlockTooLarge)).To(MatchError(ErrBlockTooLarge))
		Consistently(queued).ShouldNot(Receive())
		Expect(e.queueInOrder(1, packetsOf(1), nil)).To(Succeed())
		Eventually(queued).Should(Receive(Equal(protocol.SequenceID(2))))
		Eventually(queued).Should(Receive(Equal(protocol.SequenceID(3))))

		var seqs []protocol.SequenceID
		for _, p := range queue.Pop(nil, 1<<16) {
			hdr, _, err := wire.ParsePacket(p.Data)
			Expect(err).ToNot(HaveOccurred())
			seqs = append(seqs, hdr.SequenceID)
			p.Release()
		}
		Expect(seqs).To(Equal([]protocol.SequenceID{1, 1, 1, 2, 2, 2, 3, 3, 3}))
	})
})
