package protocol

import "fmt"

// A SequenceID numbers the blocks of a diode session in send order.
// It wraps around after 2^32 blocks.
type SequenceID uint32

// Distance returns the signed distance from s to other, taking wrap-around into account.
func (s SequenceID) Distance(other SequenceID) int64 {
	return int64(int32(uint32(other) - uint32(s)))
}

// A SymbolID is the dense index of a symbol within its block.
// Source symbols are numbered first, repair symbols after.
type SymbolID uint16

// A ConnectionID identifies one logical connection multiplexed over the diode.
// The zero value is reserved for frames that don't belong to a connection.
type ConnectionID uint32

func (c ConnectionID) String() string {
	return fmt.Sprintf("%08x", uint32(c))
}

// FrameKind is the type of a connection frame.
type FrameKind uint8

const (
	// FrameHeartbeat tells the receiver that the sender is alive.
	FrameHeartbeat FrameKind = iota
	// FrameOpen starts a logical connection.
	FrameOpen
	// FrameData carries payload bytes of a logical connection.
	FrameData
	// FrameClose ends a logical connection after all its data was sent.
	FrameClose
	// FrameAbort ends a logical connection whose sender side failed.
	FrameAbort
)

func (k FrameKind) String() string {
	switch k {
	case FrameHeartbeat:
		return "Heartbeat"
	case FrameOpen:
		return "Open"
	case FrameData:
		return "Data"
	case FrameClose:
		return "Close"
	case FrameAbort:
		return "Abort"
	default:
		return fmt.Sprintf("unknown frame kind: %d", uint8(k))
	}
}

// Valid reports whether k is a known frame kind.
func (k FrameKind) Valid() bool {
	return k <= FrameAbort
}

// A ByteCount in the diode
type ByteCount int64

const (
	// IPv4UDPHeaderSize is subtracted from the link MTU to get the UDP payload size.
	IPv4UDPHeaderSize = 20 + 8

	// PacketHeaderSize is the size of the header in front of every symbol.
	PacketHeaderSize = 20

	// SymbolAlignment is the granularity of the symbol size.
	// The Leopard GF(2^16) Reed-Solomon backend requires shards to be a multiple of 64 bytes.
	SymbolAlignment = 64

	// MaxSymbolsPerBlock is the largest number of source plus repair symbols in one block.
	MaxSymbolsPerBlock = 1 << 15

	// NoFrameOffset is the frame offset of a block in which no frame starts.
	NoFrameOffset = ^uint32(0)

	// FrameHeaderSize is the size of the header of a connection frame.
	FrameHeaderSize = 10

	// MaxDataFrameSize is the largest payload carried by a single Data frame.
	MaxDataFrameSize = 1 << 16

	// DigestSize is the size of the optional stream digest carried by a Close frame.
	DigestSize = 32

	// PacketVersion is the version of the packet header.
	PacketVersion = 1
)

const (
	// DefaultMTU is the default MTU of the diode link.
	DefaultMTU = 1500
	// DefaultBlockSize is the default block size in bytes.
	DefaultBlockSize = 734928
	// DefaultRepairPercentage is the default share of repair data.
	DefaultRepairPercentage = 2
	// MinMTU is the smallest link MTU that leaves room for a symbol.
	MinMTU = IPv4UDPHeaderSize + PacketHeaderSize + SymbolAlignment
	// MaxMTU is the largest supported link MTU.
	MaxMTU = 65535
)
