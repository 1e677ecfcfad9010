package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ddritzenhoff/diode/internal/protocol"
)

// ErrInvalidPacket is returned for datagrams that don't carry a valid packet.
var ErrInvalidPacket = errors.New("invalid packet")

// A PacketHeader precedes every symbol on the wire.
//
//	version(1) scheme(1) k(2) m(2) symbol id(2) sequence id(4) payload length(4) frame offset(4)
//
// All fields are little-endian.
type PacketHeader struct {
	Scheme     protocol.FECSchemeID
	K          uint16
	M          uint16
	SymbolID   protocol.SymbolID
	SequenceID protocol.SequenceID
	// PayloadLength is the number of payload bytes of the block, before padding.
	PayloadLength uint32
	// FrameOffset is the offset of the first connection frame header starting in the block.
	FrameOffset uint32
}

// HasFrameOffset reports whether a connection frame starts in the block.
func (h *PacketHeader) HasFrameOffset() bool {
	return h.FrameOffset != protocol.NoFrameOffset
}

// Append appends the encoded header to b.
func (h *PacketHeader) Append(b []byte) []byte {
	b = append(b, protocol.PacketVersion, byte(h.Scheme))
	b = binary.LittleEndian.AppendUint16(b, h.K)
	b = binary.LittleEndian.AppendUint16(b, h.M)
	b = binary.LittleEndian.AppendUint16(b, uint16(h.SymbolID))
	b = binary.LittleEndian.AppendUint32(b, uint32(h.SequenceID))
	b = binary.LittleEndian.AppendUint32(b, h.PayloadLength)
	b = binary.LittleEndian.AppendUint32(b, h.FrameOffset)
	return b
}

// ParsePacket parses a datagram into its header and symbol.
// The returned symbol aliases data.
func ParsePacket(data []byte) (*PacketHeader, []byte, error) {
	if len(data) <= protocol.PacketHeaderSize {
		return nil, nil, fmt.Errorf("%w: datagram of %d bytes", ErrInvalidPacket, len(data))
	}
	if data[0] != protocol.PacketVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidPacket, data[0])
	}
	h := &PacketHeader{
		Scheme:        protocol.FECSchemeID(data[1]),
		K:             binary.LittleEndian.Uint16(data[2:]),
		M:             binary.LittleEndian.Uint16(data[4:]),
		SymbolID:      protocol.SymbolID(binary.LittleEndian.Uint16(data[6:])),
		SequenceID:    protocol.SequenceID(binary.LittleEndian.Uint32(data[8:])),
		PayloadLength: binary.LittleEndian.Uint32(data[12:]),
		FrameOffset:   binary.LittleEndian.Uint32(data[16:]),
	}
	symbol := data[protocol.PacketHeaderSize:]
	if err := h.validate(len(symbol)); err != nil {
		return nil, nil, err
	}
	return h, symbol, nil
}

func (h *PacketHeader) validate(symbolSize int) error {
	if !h.Scheme.Valid() {
		return fmt.Errorf("%w: unknown FEC scheme %d", ErrInvalidPacket, h.Scheme)
	}
	total := int(h.K) + int(h.M)
	switch {
	case h.K == 0:
		return fmt.Errorf("%w: block without source symbols", ErrInvalidPacket)
	case total > protocol.MaxSymbolsPerBlock:
		return fmt.Errorf("%w: block of %d symbols", ErrInvalidPacket, total)
	case int(h.M) > h.Scheme.MaxRepairSymbols():
		return fmt.Errorf("%w: %d repair symbols for %s", ErrInvalidPacket, h.M, h.Scheme)
	case int(h.SymbolID) >= total:
		return fmt.Errorf("%w: symbol %d of a block of %d symbols", ErrInvalidPacket, h.SymbolID, total)
	case uint64(h.PayloadLength) > uint64(h.K)*uint64(symbolSize):
		return fmt.Errorf("%w: payload of %d bytes for %d symbols of %d bytes", ErrInvalidPacket, h.PayloadLength, h.K, symbolSize)
	case h.HasFrameOffset() && h.FrameOffset >= h.PayloadLength:
		return fmt.Errorf("%w: frame offset %d beyond payload of %d bytes", ErrInvalidPacket, h.FrameOffset, h.PayloadLength)
	}
	return nil
}

// Len is the length of the encoded header.
func (h *PacketHeader) Len() protocol.ByteCount {
	return protocol.PacketHeaderSize
}
