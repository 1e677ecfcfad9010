package diode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ddritzenhoff/diode/internal/protocol"
	"github.com/ddritzenhoff/diode/internal/udp"
	"github.com/ddritzenhoff/diode/internal/utils"
	"github.com/ddritzenhoff/diode/logging"
)

// A Sender multiplexes client connections onto the diode link.
type Sender struct {
	config *Config
	params protocol.Parameters

	ctrl    *controller
	queue   *sendQueue
	encoder *blockEncoder
	mux     *multiplexer

	workers       sync.WaitGroup
	heartbeatStop chan struct{}
	closeOnce     sync.Once
	closeErr      error

	logger utils.Logger
}

// NewSender creates a sender writing to raddr through conn.
// The sender doesn't close conn.
func NewSender(conn *net.UDPConn, raddr *net.UDPAddr, config *Config) (*Sender, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	config = populateConfig(config)
	params, err := config.parameters()
	if err != nil {
		return nil, err
	}
	uconn, err := udp.NewConn(conn, raddr, config.BatchSize)
	if err != nil {
		return nil, err
	}
	logger := utils.DefaultLogger.WithPrefix("sender")
	wanted := params.MaxPacketsPerBlock() * params.PacketSize()
	if granted, err := udp.SetSendBuffer(conn, wanted); err != nil {
		logger.Warnf("setting the socket send buffer failed: %s", err)
	} else if granted < wanted {
		logger.Warnf("socket send buffer may be too small (%d < %d bytes), review the kernel limits using sysctl (net.core.wmem_max)", granted, wanted)
	}
	return newSender(uconn, config, params, logger)
}

func newSender(conn packetWriter, config *Config, params protocol.Parameters, logger utils.Logger) (*Sender, error) {
	logger.Infof("sending with %s", params)
	if batch := conn.BatchSize(); batch > 1 && batch < params.MaxPacketsPerBlock() {
		logger.Warnf("batch size %d is smaller than the %d packets of a block", batch, params.MaxPacketsPerBlock())
	}

	queue := newSendQueue(max(config.EncodeWorkers, 1))
	encoder, err := newBlockEncoder(params, config.EncodeWorkers, config.OverflowPolicy, queue, config.Tracer, logger.WithPrefix("encoder"))
	if err != nil {
		return nil, err
	}
	s := &Sender{
		config:        config,
		params:        params,
		ctrl:          newController(context.Background(), config.CPUAffinity, logger),
		queue:         queue,
		encoder:       encoder,
		mux:           newMultiplexer(encoder, config.MaxConnections, config.Flush, config.StreamDigest, config.Tracer, logger),
		heartbeatStop: make(chan struct{}),
		logger:        logger,
	}

	udpSender := newUDPSender(conn, queue, config.MaxSendRate, params.PacketSize(), config.Tracer, logger)
	s.ctrl.Go("udp sender", true, udpSender.run)
	for i := 0; i < config.EncodeWorkers; i++ {
		s.workers.Add(1)
		s.ctrl.Go(fmt.Sprintf("encoder %d", i), true, func(ctx context.Context) error {
			defer s.workers.Done()
			return encoder.runWorker(ctx)
		})
	}
	if config.HeartbeatInterval > 0 {
		s.ctrl.Go("heartbeat", false, s.runHeartbeat)
	}
	go func() {
		// unblock writers once the pipeline stopped
		<-s.ctrl.Context().Done()
		queue.CloseWithError(ErrClosed)
	}()
	return s, nil
}

func (s *Sender) runHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.heartbeatStop:
			return nil
		case <-ticker.C:
			if err := s.mux.Heartbeat(); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				return err
			}
		}
	}
}

// Done is closed when the sender stopped, either because it was closed or because of a fatal error.
func (s *Sender) Done() <-chan struct{} {
	return s.ctrl.Context().Done()
}

// OpenStream opens a new logical connection.
// It waits while the maximum number of connections is open.
func (s *Sender) OpenStream(ctx context.Context) (*SendStream, error) {
	id, err := s.mux.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &SendStream{mux: s.mux, id: id}, nil
}

// Serve sends everything read from r as one logical connection.
// The connection is closed when r returns io.EOF, and aborted on any other error.
func (s *Sender) Serve(ctx context.Context, r io.Reader) error {
	str, err := s.OpenStream(ctx)
	if err != nil {
		return err
	}
	buf := make([]byte, protocol.MaxDataFrameSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := str.Write(buf[:n]); err != nil {
				str.Abort()
				return err
			}
		}
		if rerr == io.EOF {
			return str.Close()
		}
		if rerr != nil {
			str.Abort()
			return fmt.Errorf("reading from client: %w", rerr)
		}
		if err := ctx.Err(); err != nil {
			str.Abort()
			return err
		}
	}
}

// Close aborts the open connections, sends all pending blocks and stops the sender.
// It waits at most ShutdownGracePeriod for the pending packets to be sent.
func (s *Sender) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close()
	})
	return s.closeErr
}

func (s *Sender) close() error {
	deadline := time.Now().Add(s.config.ShutdownGracePeriod)
	s.mux.AbortAll(logging.AbortReasonShutdown)
	close(s.heartbeatStop)
	if err := s.encoder.Close(); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Errorf("flushing the last block failed: %s", err)
	}

	workersDone := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-time.After(time.Until(deadline)):
	}
	s.queue.CloseWithError(ErrClosed)
	if err := s.ctrl.WaitTimeout(time.Until(deadline)); err != nil {
		s.ctrl.cancel()
		return err
	}
	s.ctrl.cancel()
	return nil
}

// A SendStream is the sending side of a logical connection.
// It must not be used concurrently.
type SendStream struct {
	mux *multiplexer
	id  protocol.ConnectionID
}

var _ io.WriteCloser = &SendStream{}

// ConnectionID returns the ID of the logical connection.
func (s *SendStream) ConnectionID() ConnectionID { return s.id }

// Write sends p on the connection.
func (s *SendStream) Write(p []byte) (int, error) {
	return s.mux.Write(s.id, p)
}

// Close ends the connection. The receiver closes its target after all data was written.
func (s *SendStream) Close() error {
	return s.mux.Close(s.id)
}

// Abort ends the connection without completing it.
func (s *SendStream) Abort() error {
	return s.mux.Abort(s.id)
}
