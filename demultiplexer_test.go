package diode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ddritzenhoff/diode/internal/protocol"
	"github.com/ddritzenhoff/diode/internal/utils"
	"github.com/ddritzenhoff/diode/internal/wire"
	"github.com/ddritzenhoff/diode/logging"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/blake2b"
)

type memTarget struct {
	mutex   sync.Mutex
	buf     bytes.Buffer
	closed  bool
	aborted bool
}

func (t *memTarget) Write(p []byte) (int, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.buf.Write(p)
}

func (t *memTarget) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.closed = true
	return nil
}

func (t *memTarget) Abort() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.aborted = true
	return nil
}

func (t *memTarget) Data() []byte {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return append([]byte(nil), t.buf.Bytes()...)
}

func (t *memTarget) Closed() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.closed
}

func (t *memTarget) Aborted() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.aborted
}

// targetRecorder hands out a new memTarget for every connection.
type targetRecorder struct {
	mutex   sync.Mutex
	targets map[ConnectionID][]*memTarget
	fail    map[ConnectionID]error
}

func newTargetRecorder() *targetRecorder {
	return &targetRecorder{
		targets: make(map[ConnectionID][]*memTarget),
		fail:    make(map[ConnectionID]error),
	}
}

func (r *targetRecorder) factory(id ConnectionID) (io.WriteCloser, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err, ok := r.fail[id]; ok {
		return nil, err
	}
	t := &memTarget{}
	r.targets[id] = append(r.targets[id], t)
	return t, nil
}

// get returns the last target opened for id.
func (r *targetRecorder) get(id ConnectionID) *memTarget {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	targets := r.targets[id]
	if len(targets) == 0 {
		return nil
	}
	return targets[len(targets)-1]
}

func (r *targetRecorder) all(id ConnectionID) []*memTarget {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]*memTarget(nil), r.targets[id]...)
}

type abortEvent struct {
	id     ConnectionID
	reason logging.AbortReason
}

func frameBlock(seq protocol.SequenceID, frames ...wire.Frame) decodedBlock {
	var payload []byte
	for i := range frames {
		payload = frames[i].Append(payload)
	}
	return decodedBlock{seq: seq, payload: payload, frameOffset: 0}
}

func openFrame(id ConnectionID) wire.Frame { return wire.Frame{Kind: protocol.FrameOpen, ConnectionID: id} }

func dataFrame(id ConnectionID, data string) wire.Frame {
	return wire.Frame{Kind: protocol.FrameData, ConnectionID: id, Payload: []byte(data)}
}

func closeFrame(id ConnectionID) wire.Frame { return wire.Frame{Kind: protocol.FrameClose, ConnectionID: id} }

var _ = Describe("Demultiplexer", func() {
	var (
		in      chan decodedBlock
		targets *targetRecorder
		config  *Config
		aborted chan abortEvent
		closed  chan ConnectionID
		cancel  context.CancelFunc
		done    chan struct{}
	)

	BeforeEach(func() {
		in = make(chan decodedBlock, 10)
		targets = newTargetRecorder()
		aborted = make(chan abortEvent, 10)
		closed = make(chan ConnectionID, 10)
		config = &Config{
			MaxConnections: 2,
			Tracer: &logging.Tracer{
				AbortedConnection: func(id ConnectionID, reason logging.AbortReason) { aborted <- abortEvent{id: id, reason: reason} },
				ClosedConnection:  func(id ConnectionID, _ protocol.ByteCount) { closed <- id },
			},
		}
		cancel = nil
	})

	AfterEach(func() {
		if cancel != nil {
			cancel()
			Eventually(done).Should(BeClosed())
		}
	})

	start := func() {
		m := newDemultiplexer(in, targets.factory, populateConfig(config), utils.DefaultLogger)
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			Expect(m.run(ctx)).To(Succeed())
		}()
	}

	It("forwards a connection to its target", func() {
		start()
		in <- frameBlock(0, openFrame(1), dataFrame(1, "foo"))
		in <- frameBlock(1, dataFrame(1, "bar"), closeFrame(1))
		Eventually(closed).Should(Receive(Equal(ConnectionID(1))))
		t := targets.get(1)
		Expect(t.Data()).To(Equal([]byte("foobar")))
		Expect(t.Closed()).To(BeTrue())
		Expect(t.Aborted()).To(BeFalse())
	})

	It("separates interleaved connections", func() {
		start()
		in <- frameBlock(0,
			openFrame(1),
			openFrame(2),
			dataFrame(1, "AAA"),
			dataFrame(2, "BBB"),
			closeFrame(1),
			closeFrame(2),
		)
		Eventually(closed).Should(Receive())
		Eventually(closed).Should(Receive())
		Expect(targets.get(1).Data()).To(Equal([]byte("AAA")))
		Expect(targets.get(2).Data()).To(Equal([]byte("BBB")))
	})

	It("writes through in flush mode", func() {
		config.Flush = true
		start()
		in <- frameBlock(0, openFrame(1), dataFrame(1, "foo"))
		Eventually(func() *memTarget { return targets.get(1) }).ShouldNot(BeNil())
		Eventually(targets.get(1).Data).Should(Equal([]byte("foo")))
	})

	It("aborts all connections on a gap", func() {
		start()
		in <- frameBlock(0, openFrame(1), openFrame(2), dataFrame(1, "foo"))
		in <- decodedBlock{seq: 2, gap: true}
		events := make([]abortEvent, 2)
		Eventually(aborted).Should(Receive(&events[0]))
		Eventually(aborted).Should(Receive(&events[1]))
		Expect(events).To(ConsistOf(
			abortEvent{id: 1, reason: logging.AbortReasonDiscontinuity},
			abortEvent{id: 2, reason: logging.AbortReasonDiscontinuity},
		))
		Expect(targets.get(1).Aborted()).To(BeTrue())

		// frames of the aborted connections are ignored
		in <- frameBlock(3, dataFrame(1, "bar"), closeFrame(1), openFrame(3), closeFrame(3))
		Eventually(closed).Should(Receive(Equal(ConnectionID(3))))
		Expect(targets.all(1)).To(HaveLen(1))
		Expect(closed).ToNot(Receive())
	})

	It("resynchronizes at the frame offset after a gap", func() {
		start()
		in <- frameBlock(0, openFrame(1))
		// a block ending in the middle of a frame
		partial := frameBlock(1, dataFrame(1, "foobar"))
		partial.payload = partial.payload[:protocol.FrameHeaderSize+3]
		in <- partial
		in <- decodedBlock{seq: 2, gap: true}
		Eventually(aborted).Should(Receive())
		following := frameBlock(3, openFrame(2), dataFrame(2, "baz"), closeFrame(2))
		following.payload = append([]byte("bar"), following.payload...)
		following.frameOffset = 3
		in <- following
		Eventually(closed).Should(Receive(Equal(ConnectionID(2))))
		Expect(targets.get(2).Data()).To(Equal([]byte("baz")))
	})

	It("rejects connections beyond the maximum", func() {
		start()
		in <- frameBlock(0, openFrame(1), openFrame(2), openFrame(3), dataFrame(3, "foo"), closeFrame(3))
		Eventually(func() *memTarget { return targets.get(2) }).ShouldNot(BeNil())
		Consistently(func() *memTarget { return targets.get(3) }).Should(BeNil())
		// a connection can be opened once another one was closed
		in <- frameBlock(1, closeFrame(1), openFrame(3), closeFrame(3))
		ids := make([]ConnectionID, 2)
		Eventually(closed).Should(Receive(&ids[0]))
		Eventually(closed).Should(Receive(&ids[1]))
		Expect(ids).To(ConsistOf(ConnectionID(1), ConnectionID(3)))
	})

	It("aborts a connection opened twice", func() {
		start()
		in <- frameBlock(0, openFrame(1), dataFrame(1, "foo"), openFrame(1), dataFrame(1, "bar"), closeFrame(1))
		Eventually(aborted).Should(Receive(Equal(abortEvent{id: 1, reason: logging.AbortReasonProtocolViolation})))
		Eventually(closed).Should(Receive(Equal(ConnectionID(1))))
		// both targets are opened concurrently
		all := targets.all(1)
		Expect(all).To(HaveLen(2))
		Expect([]bool{all[0].Aborted(), all[1].Aborted()}).To(ConsistOf(true, false))
		for _, t := range all {
			if !t.Aborted() {
				Expect(t.Data()).To(Equal([]byte("bar")))
				Expect(t.Closed()).To(BeTrue())
			}
		}
	})

	It("aborts connections aborted by the sender, without flushing", func() {
		start()
		in <- frameBlock(0, openFrame(1), dataFrame(1, "foo"), wire.Frame{Kind: protocol.FrameAbort, ConnectionID: 1})
		Eventually(aborted).Should(Receive(Equal(abortEvent{id: 1, reason: logging.AbortReasonSender})))
		Expect(targets.get(1).Aborted()).To(BeTrue())
		Expect(targets.get(1).Data()).To(BeEmpty())
	})

	It("aborts connections on protocol violations", func() {
		start()
		b := frameBlock(0, openFrame(1))
		b.payload = append(b.payload, make([]byte, protocol.FrameHeaderSize)...)
		in <- b
		Eventually(aborted).Should(Receive(Equal(abortEvent{id: 1, reason: logging.AbortReasonProtocolViolation})))
	})

	It("aborts connections without data", func() {
		config.AbortTimeout = 100 * time.Millisecond
		start()
		in <- frameBlock(0, openFrame(1), openFrame(2))
		for i := 0; i < 4; i++ {
			time.Sleep(50 * time.Millisecond)
			in <- frameBlock(protocol.SequenceID(i+1), dataFrame(2, "foo"))
		}
		Eventually(aborted).Should(Receive(Equal(abortEvent{id: 1, reason: logging.AbortReasonTimeout})))
		Expect(targets.get(2).Aborted()).To(BeFalse())
		Eventually(aborted).Should(Receive(Equal(abortEvent{id: 2, reason: logging.AbortReasonTimeout})))
	})

	It("aborts connections whose target can't be opened", func() {
		targets.fail[1] = errors.New("connection refused")
		start()
		in <- frameBlock(0, openFrame(1), dataFrame(1, "foo"), closeFrame(1))
		Eventually(aborted).Should(Receive(Equal(abortEvent{id: 1, reason: logging.AbortReasonTarget})))
		Consistently(closed).ShouldNot(Receive())
	})

	Context("with stream digests", func() {
		BeforeEach(func() {
			config.StreamDigest = true
		})

		It("closes connections with a matching digest", func() {
			start()
			digest := blake2b.Sum256([]byte("foobar"))
			in <- frameBlock(0, openFrame(1), dataFrame(1, "foo"), dataFrame(1, "bar"),
				wire.Frame{Kind: protocol.FrameClose, ConnectionID: 1, Payload: digest[:]})
			Eventually(closed).Should(Receive(Equal(ConnectionID(1))))
		})

		It("aborts connections with a digest mismatch", func() {
			start()
			digest := blake2b.Sum256([]byte("foo"))
			in <- frameBlock(0, openFrame(1), dataFrame(1, "foo"), dataFrame(1, "bar"),
				wire.Frame{Kind: protocol.FrameClose, ConnectionID: 1, Payload: digest[:]})
			Eventually(aborted).Should(Receive(Equal(abortEvent{id: 1, reason: logging.AbortReasonDigestMismatch})))
			Expect(targets.get(1).Closed()).To(BeFalse())
		})
	})

	It("aborts the open connections when stopped", func() {
		start()
		in <- frameBlock(0, openFrame(1))
		Eventually(func() *memTarget { return targets.get(1) }).ShouldNot(BeNil())
		cancel()
		Eventually(done).Should(BeClosed())
		Eventually(aborted).Should(Receive(Equal(abortEvent{id: 1, reason: logging.AbortReasonShutdown})))
		Expect(targets.get(1).Aborted()).To(BeTrue())
	})
})
