package diode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync/atomic"

	"github.com/ddritzenhoff/diode/internal/protocol"
	"github.com/ddritzenhoff/diode/internal/udp"
	"github.com/ddritzenhoff/diode/internal/utils"
	"github.com/ddritzenhoff/diode/internal/wire"
)

// A Receiver reassembles the logical connections sent over the diode link.
type Receiver struct {
	config  *Config
	params  protocol.Parameters
	conn    packetReader
	factory TargetFactory
	running atomic.Bool

	logger utils.Logger
}

// NewReceiver creates a receiver reading from conn.
// factory is called for every logical connection opened by the sender.
func NewReceiver(conn *net.UDPConn, config *Config, factory TargetFactory) (*Receiver, error) {
	if factory == nil {
		return nil, errors.New("diode: missing target factory")
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	config = populateConfig(config)
	params, err := config.parameters()
	if err != nil {
		return nil, err
	}
	uconn, err := udp.NewConn(conn, nil, config.BatchSize)
	if err != nil {
		return nil, err
	}
	logger := utils.DefaultLogger.WithPrefix("receiver")
	// the reorder window has to fit into the socket buffer
	wanted := int(min(int64(config.ReorderWindow)*int64(params.MaxPacketsPerBlock())*int64(params.PacketSize()), math.MaxInt32))
	if granted, err := udp.SetReceiveBuffer(conn, wanted); err != nil {
		logger.Warnf("setting the socket receive buffer failed: %s", err)
	} else if granted < wanted {
		logger.Warnf("socket receive buffer may be too small (%d < %d bytes), review the kernel limits using sysctl (net.core.rmem_max)", granted, wanted)
	}
	return newReceiver(uconn, config, params, factory, logger), nil
}

func newReceiver(conn packetReader, config *Config, params protocol.Parameters, factory TargetFactory, logger utils.Logger) *Receiver {
	return &Receiver{
		config:  config,
		params:  params,
		conn:    conn,
		factory: factory,
		logger:  logger,
	}
}

// Run receives until ctx is canceled or a fatal error occurs. It closes the connection when it returns.
// Open connections are aborted. Run must only be called once.
func (r *Receiver) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("diode: receiver already running")
	}
	defer func() {
		if r.config.Tracer != nil && r.config.Tracer.Close != nil {
			r.config.Tracer.Close()
		}
	}()
	r.logger.Infof("receiving with %s, reorder window of %d blocks", r.params, r.config.ReorderWindow)

	queueLen := max(r.config.DecodeWorkers, 1)
	packets := make(chan []*wire.PacketBuffer, queueLen)
	blocks := make(chan decodedBlock, queueLen)
	receiver := newUDPReceiver(r.conn, r.params.PacketSize()+protocol.SymbolAlignment, packets, r.logger)
	decoder := newBlockDecoder(r.params, r.config.ReorderWindow, r.config.DecodeWorkers, r.config.ResetTimeout, packets, blocks, r.config.Tracer, r.logger.WithPrefix("decoder"))
	demux := newDemultiplexer(blocks, r.factory, r.config, r.logger)

	ctrl := newController(ctx, r.config.CPUAffinity, r.logger)
	ctrl.Go("udp receiver", true, receiver.run)
	ctrl.Go("block decoder", true, decoder.run)
	for i := 0; i < r.config.DecodeWorkers; i++ {
		ctrl.Go(fmt.Sprintf("decoder %d", i), true, decoder.runWorker)
	}
	ctrl.Go("demultiplexer", false, demux.run)

	<-ctrl.Context().Done()
	// unblocks the udp receiver
	if err := r.conn.Close(); err != nil {
		r.logger.Debugf("closing the connection: %s", err)
	}
	err := ctrl.Shutdown(r.config.ShutdownGracePeriod)
	r.logger.Infof("receiver stopped")
	return err
}
