package diode

import (
	"context"
	"fmt"

	"github.com/ddritzenhoff/diode/internal/udp"
	"github.com/ddritzenhoff/diode/internal/utils"
	"github.com/ddritzenhoff/diode/internal/wire"
)

// A packetReader reads datagrams from the diode link.
type packetReader interface {
	ReadBatch(bufs [][]byte, sizes []int) (int, error)
	BatchSize() int
	Close() error
}

var _ packetReader = &udp.Conn{}

// The udpReceiver reads packets into pooled buffers and hands them to the decoder in batches.
type udpReceiver struct {
	conn packetReader
	pool *wire.PacketPool
	out  chan<- []*wire.PacketBuffer

	logger utils.Logger
}

// newUDPReceiver reads into buffers of bufSize bytes.
// Larger datagrams are truncated, and then rejected by the decoder for their symbol size.
func newUDPReceiver(conn packetReader, bufSize int, out chan<- []*wire.PacketBuffer, logger utils.Logger) *udpReceiver {
	return &udpReceiver{
		conn:   conn,
		pool:   wire.NewPacketPool(bufSize),
		out:    out,
		logger: logger,
	}
}

// run reads until the connection is closed. Closing the connection when ctx is done is up to the caller.
func (r *udpReceiver) run(ctx context.Context) error {
	defer close(r.out)

	batchSize := r.conn.BatchSize()
	packets := make([]*wire.PacketBuffer, batchSize)
	bufs := make([][]byte, batchSize)
	sizes := make([]int, batchSize)
	defer func() {
		for _, p := range packets {
			if p != nil {
				p.Release()
			}
		}
	}()

	for {
		for i := range packets {
			if packets[i] == nil {
				packets[i] = r.pool.Get()
			}
			bufs[i] = packets[i].Data[:cap(packets[i].Data)]
		}
		n, err := r.conn.ReadBatch(bufs, sizes)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if udp.IsTransientError(err) {
				r.logger.Debugf("receiving packets failed: %s", err)
				continue
			}
			return fmt.Errorf("receiving packets: %w", err)
		}

		batch := make([]*wire.PacketBuffer, n)
		for i := 0; i < n; i++ {
			packets[i].Data = packets[i].Data[:sizes[i]]
			batch[i] = packets[i]
			packets[i] = nil
		}
		select {
		case r.out <- batch:
		case <-ctx.Done():
			for _, p := range batch {
				p.Release()
			}
			return nil
		}
	}
}
