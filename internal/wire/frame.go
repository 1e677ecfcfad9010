package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ddritzenhoff/diode/internal/protocol"
)

// FrameMagic is the first byte of every connection frame header.
const FrameMagic = 0xD1

// ErrInvalidFrame is returned for malformed connection frame headers.
var ErrInvalidFrame = errors.New("invalid frame")

// A Frame is a unit of the multiplexed connection stream.
type Frame struct {
	Kind         protocol.FrameKind
	ConnectionID protocol.ConnectionID
	// Payload is the data of a Data frame, or the optional stream digest of a Close frame.
	Payload []byte
}

// Append appends the encoded frame to b.
func (f *Frame) Append(b []byte) []byte {
	b = append(b, FrameMagic, byte(f.Kind))
	b = binary.LittleEndian.AppendUint32(b, uint32(f.ConnectionID))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(f.Payload)))
	return append(b, f.Payload...)
}

// Length of a written frame
func (f *Frame) Length() protocol.ByteCount {
	return protocol.FrameHeaderSize + protocol.ByteCount(len(f.Payload))
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s(%s, %d bytes)", f.Kind, f.ConnectionID, len(f.Payload))
}

// A FrameHeader is the fixed-size part of a frame.
type FrameHeader struct {
	Kind         protocol.FrameKind
	ConnectionID protocol.ConnectionID
	Length       uint32
}

// ParseFrameHeader parses and validates the header at the start of b.
// b must contain at least protocol.FrameHeaderSize bytes.
func ParseFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < protocol.FrameHeaderSize {
		return FrameHeader{}, fmt.Errorf("%w: short header", ErrInvalidFrame)
	}
	if b[0] != FrameMagic {
		return FrameHeader{}, fmt.Errorf("%w: bad magic %#x", ErrInvalidFrame, b[0])
	}
	h := FrameHeader{
		Kind:         protocol.FrameKind(b[1]),
		ConnectionID: protocol.ConnectionID(binary.LittleEndian.Uint32(b[2:])),
		Length:       binary.LittleEndian.Uint32(b[6:]),
	}
	if err := h.validate(); err != nil {
		return FrameHeader{}, err
	}
	return h, nil
}

func (h FrameHeader) validate() error {
	if !h.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidFrame, uint8(h.Kind))
	}
	if (h.Kind == protocol.FrameHeartbeat) != (h.ConnectionID == 0) {
		return fmt.Errorf("%w: %s frame for connection %s", ErrInvalidFrame, h.Kind, h.ConnectionID)
	}
	var ok bool
	switch h.Kind {
	case protocol.FrameData:
		ok = h.Length <= protocol.MaxDataFrameSize
	case protocol.FrameClose:
		ok = h.Length == 0 || h.Length == protocol.DigestSize
	default:
		ok = h.Length == 0
	}
	if !ok {
		return fmt.Errorf("%w: %s frame of %d bytes", ErrInvalidFrame, h.Kind, h.Length)
	}
	return nil
}
