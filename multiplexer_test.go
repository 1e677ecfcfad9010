package diode

import (
	"bytes"
	"context"
	"time"

	"github.com/ddritzenhoff/diode/internal/protocol"
	"github.com/ddritzenhoff/diode/internal/utils"
	"github.com/ddritzenhoff/diode/internal/wire"
	"github.com/ddritzenhoff/diode/logging"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/blake2b"
)

type writtenFrame struct {
	frame     wire.Frame
	droppable bool
}

var _ = Describe("Multiplexer", func() {
	var (
		writer *MockFrameWriter
		frames []writtenFrame
	)

	BeforeEach(func() {
		writer = NewMockFrameWriter(mockCtrl)
		frames = nil
	})

	recordFrames := func() *gomock.Call {
		return writer.EXPECT().WriteFrame(gomock.Any(), gomock.Any()).DoAndReturn(func(f *wire.Frame, droppable bool) error {
			// payloads may be reused by the caller after WriteFrame returns
			frame := wire.Frame{Kind: f.Kind, ConnectionID: f.ConnectionID, Payload: append([]byte(nil), f.Payload...)}
			frames = append(frames, writtenFrame{frame: frame, droppable: droppable})
			return nil
		})
	}

	It("allocates increasing connection IDs", func() {
		recordFrames().Times(3)
		m := newMultiplexer(writer, 10, false, false, nil, utils.DefaultLogger)
		for i := 1; i <= 3; i++ {
			id, err := m.Open(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(BeEquivalentTo(i))
		}
		Expect(frames).To(HaveLen(3))
		Expect(frames[2].frame.Kind).To(Equal(protocol.FrameOpen))
		Expect(frames[2].frame.ConnectionID).To(BeEquivalentTo(3))
		Expect(frames[2].droppable).To(BeFalse())
	})

	It("skips connection ID 0 when wrapping around", func() {
		recordFrames()
		m := newMultiplexer(writer, 10, false, false, nil, utils.DefaultLogger)
		m.lastID = ^protocol.ConnectionID(0)
		id, err := m.Open(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(id).To(BeEquivalentTo(1))
	})

	It("splits writes into Data frames", func() {
		recordFrames().AnyTimes()
		m := newMultiplexer(writer, 10, false, false, nil, utils.DefaultLogger)
		id, err := m.Open(context.Background())
		Expect(err).ToNot(HaveOccurred())
		data := bytes.Repeat([]byte("foobar"), 25000)
		n, err := m.Write(id, data)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(len(data)))

		Expect(frames).To(HaveLen(4))
		var got []byte
		for _, f := range frames[1:] {
			Expect(f.frame.Kind).To(Equal(protocol.FrameData))
			Expect(f.frame.ConnectionID).To(Equal(id))
			Expect(f.droppable).To(BeTrue())
			Expect(len(f.frame.Payload)).To(BeNumerically("<=", protocol.MaxDataFrameSize))
			got = append(got, f.frame.Payload...)
		}
		Expect(got).To(Equal(data))
	})

	It("flushes after every write in flush mode", func() {
		recordFrames().Times(3)
		writer.EXPECT().Flush().Times(3)
		m := newMultiplexer(writer, 10, true, false, nil, utils.DefaultLogger)
		id, err := m.Open(context.Background())
		Expect(err).ToNot(HaveOccurred())
		_, err = m.Write(id, []byte("foo"))
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Close(id)).To(Succeed())
	})

	It("closes connections with the digest of their data", func() {
		recordFrames().Times(4)
		writer.EXPECT().Flush()
		var closed protocol.ByteCount
		m := newMultiplexer(writer, 10, false, true, &logging.Tracer{
			ClosedConnection: func(_ protocol.ConnectionID, bytes protocol.ByteCount) { closed = bytes },
		}, utils.DefaultLogger)
		id, err := m.Open(context.Background())
		Expect(err).ToNot(HaveOccurred())
		_, err = m.Write(id, []byte("foo"))
		Expect(err).ToNot(HaveOccurred())
		_, err = m.Write(id, []byte("bar"))
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Close(id)).To(Succeed())

		digest := blake2b.Sum256([]byte("foobar"))
		Expect(frames[3].frame.Kind).To(Equal(protocol.FrameClose))
		Expect(frames[3].frame.Payload).To(Equal(digest[:]))
		Expect(closed).To(BeEquivalentTo(6))
		// the connection is gone
		_, err = m.Write(id, []byte("baz"))
		Expect(err).To(MatchError(ErrClosed))
		Expect(m.Close(id)).To(MatchError(ErrClosed))
	})

	It("aborts connections", func() {
		recordFrames().Times(2)
		writer.EXPECT().Flush()
		var reason logging.AbortReason
		m := newMultiplexer(writer, 10, false, false, &logging.Tracer{
			AbortedConnection: func(_ protocol.ConnectionID, r logging.AbortReason) { reason = r },
		}, utils.DefaultLogger)
		id, err := m.Open(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Abort(id)).To(Succeed())
		Expect(frames[1].frame).To(Equal(wire.Frame{Kind: protocol.FrameAbort, ConnectionID: id}))
		Expect(reason).To(Equal(logging.AbortReasonSender))
		Expect(m.Abort(id)).To(MatchError(ErrClosed))
	})

	It("aborts a connection refused because of backpressure", func() {
		var reason logging.AbortReason
		m := newMultiplexer(writer, 10, false, false, &logging.Tracer{
			AbortedConnection: func(_ protocol.ConnectionID, r logging.AbortReason) { reason = r },
		}, utils.DefaultLogger)
		gomock.InOrder(
			recordFrames(),
			writer.EXPECT().WriteFrame(gomock.Any(), true).Return(ErrBackpressure),
			recordFrames(),
			writer.EXPECT().Flush(),
		)
		id, err := m.Open(context.Background())
		Expect(err).ToNot(HaveOccurred())
		_, err = m.Write(id, []byte("foo"))
		Expect(err).To(MatchError(ErrBackpressure))
		Expect(frames[1].frame.Kind).To(Equal(protocol.FrameAbort))
		Expect(reason).To(Equal(logging.AbortReasonBackpressure))
		_, err = m.Write(id, []byte("foo"))
		Expect(err).To(MatchError(ErrClosed))
	})

	It("limits the number of connections", func() {
		recordFrames().AnyTimes()
		writer.EXPECT().Flush().AnyTimes()
		m := newMultiplexer(writer, 2, false, false, nil, utils.DefaultLogger)
		id1, err := m.Open(context.Background())
		Expect(err).ToNot(HaveOccurred())
		_, err = m.Open(context.Background())
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = m.Open(ctx)
		Expect(err).To(MatchError(ErrTooManyConnections))
		Expect(err).To(MatchError(context.DeadlineExceeded))

		idChan := make(chan protocol.ConnectionID, 1)
		go func() {
			defer GinkgoRecover()
			id, err := m.Open(context.Background())
			Expect(err).ToNot(HaveOccurred())
			idChan <- id
		}()
		Consistently(idChan).ShouldNot(Receive())
		Expect(m.Close(id1)).To(Succeed())
		Eventually(idChan).Should(Receive(BeEquivalentTo(3)))
	})

	It("aborts all connections", func() {
		recordFrames().AnyTimes()
		writer.EXPECT().Flush().AnyTimes()
		var aborted []protocol.ConnectionID
		m := newMultiplexer(writer, 5, false, false, &logging.Tracer{
			AbortedConnection: func(id protocol.ConnectionID, r logging.AbortReason) {
				Expect(r).To(Equal(logging.AbortReasonShutdown))
				aborted = append(aborted, id)
			},
		}, utils.DefaultLogger)
		for i := 0; i < 3; i++ {
			_, err := m.Open(context.Background())
			Expect(err).ToNot(HaveOccurred())
		}
		m.AbortAll(logging.AbortReasonShutdown)
		Expect(aborted).To(Equal([]protocol.ConnectionID{1, 2, 3}))
	})

	It("sends heartbeats, unless the pipeline is saturated", func() {
		m := newMultiplexer(writer, 5, false, false, nil, utils.DefaultLogger)
		gomock.InOrder(
			recordFrames(),
			writer.EXPECT().Flush(),
			writer.EXPECT().WriteFrame(gomock.Any(), true).Return(ErrBackpressure),
		)
		Expect(m.Heartbeat()).To(Succeed())
		Expect(m.Heartbeat()).To(Succeed())
		Expect(frames[0].frame.Kind).To(Equal(protocol.FrameHeartbeat))
		Expect(frames[0].frame.ConnectionID).To(BeZero())
		Expect(frames[0].droppable).To(BeTrue())
	})
})
