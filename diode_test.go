package diode

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/ddritzenhoff/diode/internal/protocol"
	"github.com/ddritzenhoff/diode/internal/utils"
	"github.com/ddritzenhoff/diode/logging"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// memLink is an in-memory diode link. It implements packetWriter and packetReader.
type memLink struct {
	packets   chan []byte
	batchSize int

	mutex   sync.Mutex
	count   int
	drop    func(n int) bool
	reverse bool

	closeOnce sync.Once
	closed    chan struct{}
}

var (
	_ packetWriter = &memLink{}
	_ packetReader = &memLink{}
)

func newMemLink(batchSize int) *memLink {
	return &memLink{
		packets:   make(chan []byte, 1<<14),
		batchSize: batchSize,
		drop:      func(int) bool { return false },
		closed:    make(chan struct{}),
	}
}

func (l *memLink) BatchSize() int { return l.batchSize }

func (l *memLink) setDrop(drop func(n int) bool) {
	l.mutex.Lock()
	l.drop = drop
	l.mutex.Unlock()
}

func (l *memLink) WriteBatch(packets [][]byte) (int, error) {
	l.mutex.Lock()
	var send [][]byte
	for _, p := range packets {
		l.count++
		if l.drop(l.count) {
			continue
		}
		send = append(send, append([]byte(nil), p...))
	}
	l.mutex.Unlock()
	if l.reverse {
		for i, j := 0, len(send)-1; i < j; i, j = i+1, j-1 {
			send[i], send[j] = send[j], send[i]
		}
	}
	for _, p := range send {
		select {
		case l.packets <- p:
		case <-l.closed:
			return 0, net.ErrClosed
		}
	}
	return len(packets), nil
}

func (l *memLink) ReadBatch(bufs [][]byte, sizes []int) (int, error) {
	select {
	case p := <-l.packets:
		sizes[0] = copy(bufs[0], p)
	case <-l.closed:
		return 0, net.ErrClosed
	}
	n := 1
	for n < len(bufs) {
		select {
		case p := <-l.packets:
			sizes[n] = copy(bufs[n], p)
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (l *memLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func generateData(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

var _ = Describe("Diode", func() {
	var (
		link     *memLink
		config   *Config
		targets  *targetRecorder
		closed   chan ConnectionID
		aborted  chan abortEvent
		cancel   context.CancelFunc
		recvDone chan error
	)

	BeforeEach(func() {
		link = newMemLink(8)
		targets = newTargetRecorder()
		closed = make(chan ConnectionID, 10)
		aborted = make(chan abortEvent, 10)
		config = &Config{
			// 256 byte symbols, 16 source and 4 repair symbols per block
			MTU:              protocol.IPv4UDPHeaderSize + protocol.PacketHeaderSize + 256,
			BlockSize:        4096,
			RepairPercentage: 25,
			ReorderWindow:    8,
			Tracer: &logging.Tracer{
				ClosedConnection:  func(id ConnectionID, _ protocol.ByteCount) { closed <- id },
				AbortedConnection: func(id ConnectionID, reason logging.AbortReason) { aborted <- abortEvent{id: id, reason: reason} },
			},
		}
		cancel = nil
	})

	AfterEach(func() {
		if cancel != nil {
			cancel()
			Eventually(recvDone).Should(Receive(BeNil()))
		}
	})

	startReceiver := func() {
		conf := populateConfig(config)
		params, err := conf.parameters()
		Expect(err).ToNot(HaveOccurred())
		r := newReceiver(link, conf, params, targets.factory, utils.DefaultLogger)
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		recvDone = make(chan error, 1)
		go func() { recvDone <- r.Run(ctx) }()
	}

	newTestSender := func() *Sender {
		// the sender doesn't need the receiver's tracer
		conf := config.Clone()
		conf.Tracer = nil
		conf = populateConfig(conf)
		params, err := conf.parameters()
		Expect(err).ToNot(HaveOccurred())
		s, err := newSender(link, conf, params, utils.DefaultLogger)
		Expect(err).ToNot(HaveOccurred())
		return s
	}

	sendAndCheck := func() {
		startReceiver()
		s := newTestSender()
		data := generateData(200 << 10)
		Expect(s.Serve(context.Background(), bytes.NewReader(data))).To(Succeed())
		Eventually(closed, 5*time.Second).Should(Receive(Equal(ConnectionID(1))))
		Expect(targets.get(1).Data()).To(Equal(data))
		Expect(s.Close()).To(Succeed())
	}

	It("transfers a stream", func() {
		sendAndCheck()
	})

	It("transfers a stream with encode and decode workers", func() {
		config.EncodeWorkers = 3
		config.DecodeWorkers = 3
		sendAndCheck()
	})

	It("transfers a stream with encode workers, decoding inline", func() {
		config.EncodeWorkers = 3
		config.DecodeWorkers = 0
		sendAndCheck()
	})

	It("transfers a stream over a lossy link", func() {
		// at most 3 of the 20 packets of a block are lost
		link.setDrop(func(n int) bool { return n%7 == 0 })
		sendAndCheck()
	})

	It("transfers a stream over a reordering link", func() {
		link.reverse = true
		link.setDrop(func(n int) bool { return n%11 == 0 })
		sendAndCheck()
	})

	It("transfers a stream without batching, with digests", func() {
		link.batchSize = 1
		config.StreamDigest = true
		sendAndCheck()
	})

	It("transfers a stream with the XOR scheme", func() {
		config.FECScheme = XOR
		link.setDrop(func(n int) bool { return n%40 == 0 })
		sendAndCheck()
	})

	It("separates concurrent connections", func() {
		startReceiver()
		s := newTestSender()
		defer s.Close()
		a, err := s.OpenStream(context.Background())
		Expect(err).ToNot(HaveOccurred())
		b, err := s.OpenStream(context.Background())
		Expect(err).ToNot(HaveOccurred())
		_, err = a.Write([]byte("AAA"))
		Expect(err).ToNot(HaveOccurred())
		_, err = b.Write([]byte("BBB"))
		Expect(err).ToNot(HaveOccurred())
		Expect(a.Close()).To(Succeed())
		Expect(b.Close()).To(Succeed())

		ids := make([]ConnectionID, 2)
		Eventually(closed).Should(Receive(&ids[0]))
		Eventually(closed).Should(Receive(&ids[1]))
		Expect(ids).To(ConsistOf(a.ConnectionID(), b.ConnectionID()))
		Expect(targets.get(a.ConnectionID()).Data()).To(Equal([]byte("AAA")))
		Expect(targets.get(b.ConnectionID()).Data()).To(Equal([]byte("BBB")))
	})

	It("aborts a connection when a block is lost, and recovers for the next connection", func() {
		config.ResetTimeout = 200 * time.Millisecond
		// all packets of at least one block
		link.setDrop(func(n int) bool { return n > 40 && n <= 80 })
		startReceiver()
		s := newTestSender()
		defer s.Close()
		Expect(s.Serve(context.Background(), bytes.NewReader(generateData(20<<10)))).To(Succeed())
		Eventually(aborted, 2*time.Second).Should(Receive(Equal(abortEvent{id: 1, reason: logging.AbortReasonDiscontinuity})))

		data := generateData(10 << 10)
		Expect(s.Serve(context.Background(), bytes.NewReader(data))).To(Succeed())
		Eventually(closed, 2*time.Second).Should(Receive(Equal(ConnectionID(2))))
		Expect(targets.get(2).Data()).To(Equal(data))
		Expect(targets.get(1).Aborted()).To(BeTrue())
	})

	It("aborts connections that stop sending data", func() {
		config.Flush = true
		config.AbortTimeout = 100 * time.Millisecond
		startReceiver()
		s := newTestSender()
		defer s.Close()
		str, err := s.OpenStream(context.Background())
		Expect(err).ToNot(HaveOccurred())
		_, err = str.Write([]byte("foo"))
		Expect(err).ToNot(HaveOccurred())
		Eventually(aborted).Should(Receive(Equal(abortEvent{id: str.ConnectionID(), reason: logging.AbortReasonTimeout})))
		Expect(targets.get(str.ConnectionID()).Data()).To(Equal([]byte("foo")))
	})

	It("sends heartbeats", func() {
		config.HeartbeatInterval = 20 * time.Millisecond
		var blocks int
		var mutex sync.Mutex
		config.Tracer.DecodedBlock = func(protocol.SequenceID, protocol.ByteCount, bool) {
			mutex.Lock()
			blocks++
			mutex.Unlock()
		}
		startReceiver()
		s := newTestSender()
		defer s.Close()
		Eventually(func() int {
			mutex.Lock()
			defer mutex.Unlock()
			return blocks
		}).Should(BeNumerically(">=", 3))
	})

	It("aborts open connections when the sender is closed", func() {
		startReceiver()
		s := newTestSender()
		str, err := s.OpenStream(context.Background())
		Expect(err).ToNot(HaveOccurred())
		_, err = str.Write([]byte("foo"))
		Expect(err).ToNot(HaveOccurred())
		Expect(s.Close()).To(Succeed())
		Eventually(aborted).Should(Receive(Equal(abortEvent{id: str.ConnectionID(), reason: logging.AbortReasonSender})))
		Eventually(s.Done()).Should(BeClosed())
		_, err = str.Write([]byte("bar"))
		Expect(err).To(MatchError(ErrClosed))
		_, err = s.OpenStream(context.Background())
		Expect(err).To(HaveOccurred())
	})
})
