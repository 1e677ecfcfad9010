package diode

import (
	"sync"

	"github.com/ddritzenhoff/diode/internal/utils/ringbuffer"
	"github.com/ddritzenhoff/diode/internal/wire"
)

// sendQueue holds the encoded packets until the UDP sender takes them.
type sendQueue struct {
	mutex     sync.Mutex
	queue     ringbuffer.RingBuffer[*wire.PacketBuffer]
	maxLen    int
	numBlocks int
	// blockEnds counts the packets after which a block is complete
	blockEnds ringbuffer.RingBuffer[int]
	popped    int

	sent    chan struct{} // used to notify Add that packets were dequeued
	hasData chan struct{} // used to notify the sender that packets were queued

	closeErr error
	closed   chan struct{}
	once     sync.Once
}

// newSendQueue creates a queue holding up to maxBlocks blocks.
func newSendQueue(maxBlocks int) *sendQueue {
	return &sendQueue{
		maxLen:  maxBlocks,
		sent:    make(chan struct{}, 1),
		hasData: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// Add queues the packets of one block for sending.
// Up to maxBlocks blocks will be queued.
// Once that limit is reached, Add blocks until the queue size has reduced.
func (h *sendQueue) Add(packets []*wire.PacketBuffer) error {
	h.mutex.Lock()

	for {
		select {
		case <-h.closed:
			h.mutex.Unlock()
			return h.closeErr
		default:
		}
		if h.numBlocks < h.maxLen {
			for _, p := range packets {
				h.queue.PushBack(p)
			}
			h.numBlocks++
			h.blockEnds.PushBack(h.popped + h.queue.Len())
			h.mutex.Unlock()
			h.signalData()
			return nil
		}
		select {
		case <-h.sent: // drain the queue so we don't loop immediately
		default:
		}
		h.mutex.Unlock()
		select {
		case <-h.closed:
			return h.closeErr
		case <-h.sent:
		}
		h.mutex.Lock()
	}
}

func (h *sendQueue) signalData() {
	select {
	case h.hasData <- struct{}{}:
	default:
	}
}

// Full reports whether Add would block.
func (h *sendQueue) Full() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.numBlocks >= h.maxLen
}

// Len is the number of queued packets.
func (h *sendQueue) Len() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.queue.Len()
}

// HasData is signaled after packets were queued.
func (h *sendQueue) HasData() <-chan struct{} { return h.hasData }

// Closed is closed once CloseWithError was called.
func (h *sendQueue) Closed() <-chan struct{} { return h.closed }

// Pop appends up to n queued packets to packets. It never waits.
func (h *sendQueue) Pop(packets []*wire.PacketBuffer, n int) []*wire.PacketBuffer {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var completed bool
	for i := 0; i < n && !h.queue.Empty(); i++ {
		packets = append(packets, h.queue.PopFront())
		h.popped++
		for !h.blockEnds.Empty() && h.blockEnds.PeekFront() <= h.popped {
			h.blockEnds.PopFront()
			h.numBlocks--
			completed = true
		}
	}
	if completed {
		select {
		case h.sent <- struct{}{}:
		default:
		}
	}
	return packets
}

// CloseWithError makes all current and future calls to Add return e.
// Packets already queued can still be popped.
func (h *sendQueue) CloseWithError(e error) {
	h.once.Do(func() {
		h.mutex.Lock()
		h.closeErr = e
		h.mutex.Unlock()
		close(h.closed)
	})
}
