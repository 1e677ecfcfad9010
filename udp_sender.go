package diode

import (
	"context"
	"fmt"
	"time"

	"github.com/ddritzenhoff/diode/internal/udp"
	"github.com/ddritzenhoff/diode/internal/utils"
	"github.com/ddritzenhoff/diode/internal/wire"
	"github.com/ddritzenhoff/diode/logging"

	"golang.org/x/time/rate"
)

const (
	initialSendBackoff = 100 * time.Microsecond
	maxSendBackoff     = 10 * time.Millisecond
	maxSendAttempts    = 8
)

// A packetWriter writes datagrams to the diode link.
type packetWriter interface {
	WriteBatch(packets [][]byte) (int, error)
	BatchSize() int
}

var _ packetWriter = &udp.Conn{}

// The udpSender drains the send queue onto the link.
// It sends whatever is queued, up to the batch size, and never waits for a batch to fill up.
type udpSender struct {
	conn    packetWriter
	queue   *sendQueue
	limiter *rate.Limiter

	isTransient func(error) bool
	sleep       func(ctx context.Context, d time.Duration) bool
	dropped     uint64

	tracer *logging.Tracer
	logger utils.Logger
}

func newUDPSender(conn packetWriter, queue *sendQueue, maxRate int64, packetSize int, tracer *logging.Tracer, logger utils.Logger) *udpSender {
	s := &udpSender{
		conn:        conn,
		queue:       queue,
		isTransient: udp.IsTransientError,
		sleep:       sleepContext,
		tracer:      tracer,
		logger:      logger,
	}
	if maxRate > 0 {
		// the burst has to fit a whole batch
		burst := max(int(min(maxRate, 1<<30)), conn.BatchSize()*packetSize)
		s.limiter = rate.NewLimiter(rate.Limit(maxRate), burst)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// run returns when the queue is closed and drained, or when ctx is canceled.
func (s *udpSender) run(ctx context.Context) error {
	batchSize := s.conn.BatchSize()
	batch := make([]*wire.PacketBuffer, 0, batchSize)
	datagrams := make([][]byte, 0, batchSize)
	for {
		batch = s.queue.Pop(batch[:0], batchSize)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-s.queue.HasData():
				continue
			case <-s.queue.Closed():
				if s.queue.Len() == 0 {
					return nil
				}
				continue
			}
		}
		datagrams = datagrams[:0]
		for _, p := range batch {
			datagrams = append(datagrams, p.Data)
		}
		err := s.send(ctx, datagrams)
		for i, p := range batch {
			p.Release()
			batch[i] = nil
		}
		if err != nil {
			return err
		}
	}
}

// send writes one batch, retrying transient errors with an exponential backoff.
// The rest of the batch is dropped after maxSendAttempts attempts.
func (s *udpSender) send(ctx context.Context, datagrams [][]byte) error {
	if s.limiter != nil {
		var n int
		for _, d := range datagrams {
			n += len(d)
		}
		if err := s.limiter.WaitN(ctx, n); err != nil {
			return nil // canceled
		}
	}

	backoff := initialSendBackoff
	for attempt := 1; ; attempt++ {
		n, err := s.conn.WriteBatch(datagrams)
		datagrams = datagrams[n:]
		if err == nil {
			return nil
		}
		if !s.isTransient(err) {
			return fmt.Errorf("sending packets: %w", err)
		}
		if attempt == maxSendAttempts {
			s.dropped += uint64(len(datagrams))
			s.logger.Warnf("dropping %d packets after %d attempts: %s", len(datagrams), attempt, err)
			if s.tracer != nil && s.tracer.DroppedPackets != nil {
				s.tracer.DroppedPackets(len(datagrams), err)
			}
			return nil
		}
		if s.logger.Debug() {
			s.logger.Debugf("sending failed (attempt %d): %s, retrying in %s", attempt, err, backoff)
		}
		if !s.sleep(ctx, backoff) {
			return nil
		}
		backoff = min(2*backoff, maxSendBackoff)
	}
}
