package diode

import (
	"io"
	"time"

	"github.com/ddritzenhoff/diode/internal/protocol"
	"github.com/ddritzenhoff/diode/logging"
)

// The ConnectionID identifies a logical connection carried over the diode.
type ConnectionID = protocol.ConnectionID

// A FECScheme is the erasure code protecting each block.
type FECScheme = protocol.FECSchemeID

const (
	// ReedSolomon can recover any lost subset of symbols, as long as the repair symbols outnumber it.
	ReedSolomon FECScheme = protocol.ReedSolomonFECScheme
	// XOR recovers a single lost symbol per block.
	XOR FECScheme = protocol.XORFECScheme
)

// OverflowPolicy decides what happens to client data when the encoder pipeline is saturated.
type OverflowPolicy uint8

const (
	// OverflowBlock makes writers wait until the pipeline has room.
	OverflowBlock OverflowPolicy = iota
	// OverflowDrop refuses data while the pipeline is saturated and aborts the affected connection.
	OverflowDrop
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowBlock:
		return "block"
	case OverflowDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// A TargetFactory opens the destination of a logical connection on the receiver side.
// It is called from the connection's own goroutine, so it may block.
// If the returned target also implements Abort() error, Abort is used instead of Close
// for connections that didn't end cleanly.
type TargetFactory func(id ConnectionID) (io.WriteCloser, error)

// Config contains all configuration data needed for one side of the diode.
// Block-level parameters (MTU, BlockSize, RepairPercentage, FECScheme) must match on both sides.
type Config struct {
	// MTU of the diode link. The symbol size is derived from it.
	// If not set, it uses 1500.
	MTU int
	// BlockSize is the largest payload of one block in bytes.
	// If not set, it uses 734928.
	BlockSize int
	// RepairPercentage is the amount of repair symbols relative to the source symbols of a block.
	// If zero, it uses 2%. A negative value disables repair symbols.
	RepairPercentage int
	// FECScheme selects the erasure code used by the sender.
	// The receiver decodes whatever scheme each packet announces.
	// If not set, Reed-Solomon is used.
	FECScheme FECScheme

	// EncodeWorkers is the number of goroutines encoding blocks, at most 255.
	// Blocks are encoded inline by the writing goroutine if zero.
	EncodeWorkers int
	// DecodeWorkers is the number of goroutines decoding blocks, at most 255.
	// Blocks are decoded inline by the reordering goroutine if zero.
	DecodeWorkers int
	// BatchSize is the number of datagrams sent or received per system call, at most 1024.
	// Values of 0 and 1 disable batching.
	BatchSize int
	// CPUAffinity pins the pipeline goroutines to successive CPUs (Linux only).
	CPUAffinity bool

	// ResetTimeout is the period of silence after which the receiver resets its session state.
	// If not set, it uses 2 seconds.
	ResetTimeout time.Duration
	// ReorderWindow is the number of blocks the receiver keeps in flight while waiting for reordered packets.
	// If not set, it uses 64.
	ReorderWindow int
	// AbortTimeout aborts a receiving connection when no data arrived for that long.
	// Zero disables the timeout.
	AbortTimeout time.Duration
	// HeartbeatInterval is the period between heartbeats on the sender,
	// and the largest interval expected between them on the receiver.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration
	// Flush cuts a block after every client write on the sender,
	// and writes through to the target on the receiver.
	Flush bool

	// MaxConnections is the number of simultaneous logical connections.
	// If not set, it uses 2.
	MaxConnections int
	// OverflowPolicy applies when the sender can't keep up with its clients.
	OverflowPolicy OverflowPolicy
	// MaxSendRate caps the sending rate in bytes per second. Zero means unlimited.
	MaxSendRate int64
	// StreamDigest appends a BLAKE2b-256 digest of each connection's data to its Close frame on the sender,
	// and verifies it on the receiver.
	StreamDigest bool
	// ShutdownGracePeriod is how long Close waits for in-flight blocks.
	// If not set, it uses 2 seconds.
	ShutdownGracePeriod time.Duration

	// Tracer receives events of the diode. Optional.
	Tracer *logging.Tracer
}
