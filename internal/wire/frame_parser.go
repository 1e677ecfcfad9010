package wire

import (
	"fmt"

	"github.com/ddritzenhoff/diode/internal/protocol"
)

// A FrameParser reassembles connection frames from consecutive block payloads.
// Frames may span any number of blocks.
//
// The parser starts out unsynchronized. It synchronizes at the frame offset of the first block
// that has one, skipping everything before it. Reset is called on every discontinuity. When a
// malformed header is found, Feed returns an error and the parser drops back to the unsynchronized state.
type FrameParser struct {
	synced bool
	// pending holds the bytes of a frame that started in an earlier block
	pending []byte
}

// NewFrameParser creates an unsynchronized frame parser.
func NewFrameParser() *FrameParser {
	return &FrameParser{}
}

// Synced reports whether the parser is synchronized with the frame stream.
func (p *FrameParser) Synced() bool { return p.synced }

// Reset discards any partial frame. The parser resynchronizes at the next frame offset.
func (p *FrameParser) Reset() {
	p.synced = false
	p.pending = nil
}

// Feed parses the payload of the next block.
// frameOffset is the offset of the first frame header starting in the block, or protocol.NoFrameOffset.
// Payloads of returned frames may alias block.
// On a protocol violation, the frames parsed before it are returned together with an error wrapping ErrInvalidFrame.
func (p *FrameParser) Feed(block []byte, frameOffset uint32) ([]Frame, error) {
	if frameOffset != protocol.NoFrameOffset && int64(frameOffset) >= int64(len(block)) {
		p.Reset()
		return nil, fmt.Errorf("%w: frame offset %d in a block of %d bytes", ErrInvalidFrame, frameOffset, len(block))
	}

	if !p.synced {
		if frameOffset == protocol.NoFrameOffset {
			return nil, nil
		}
		p.synced = true
		return p.parse(block, int(frameOffset), nil)
	}
	if len(p.pending) == 0 {
		if len(block) > 0 && frameOffset != 0 {
			p.Reset()
			return nil, fmt.Errorf("%w: frame offset %d but a frame starts at 0", ErrInvalidFrame, frameOffset)
		}
		return p.parse(block, 0, nil)
	}

	frame, pos, err := p.completePending(block)
	if err != nil {
		p.Reset()
		return nil, err
	}
	if frame == nil {
		// the whole block belongs to the pending frame
		if frameOffset != protocol.NoFrameOffset {
			p.Reset()
			return nil, fmt.Errorf("%w: frame offset %d inside a frame continuing past the block", ErrInvalidFrame, frameOffset)
		}
		return nil, nil
	}
	if pos < len(block) && frameOffset != uint32(pos) {
		p.Reset()
		return []Frame{*frame}, fmt.Errorf("%w: frame boundary at %d but frame offset %d", ErrInvalidFrame, pos, frameOffset)
	}
	if pos == len(block) && frameOffset != protocol.NoFrameOffset {
		p.Reset()
		return []Frame{*frame}, fmt.Errorf("%w: frame offset %d past the frame boundary", ErrInvalidFrame, frameOffset)
	}
	return p.parse(block, pos, []Frame{*frame})
}

// completePending appends the beginning of block to the pending frame.
// It returns the frame once it is complete, and the position in block after it.
func (p *FrameParser) completePending(block []byte) (*Frame, int, error) {
	pos := 0
	if len(p.pending) < protocol.FrameHeaderSize {
		n := min(protocol.FrameHeaderSize-len(p.pending), len(block))
		p.pending = append(p.pending, block[:n]...)
		pos = n
		if len(p.pending) < protocol.FrameHeaderSize {
			return nil, pos, nil
		}
	}
	hdr, err := ParseFrameHeader(p.pending)
	if err != nil {
		return nil, 0, err
	}
	total := protocol.FrameHeaderSize + int(hdr.Length)
	n := min(total-len(p.pending), len(block)-pos)
	p.pending = append(p.pending, block[pos:pos+n]...)
	pos += n
	if len(p.pending) < total {
		return nil, pos, nil
	}
	frame := &Frame{Kind: hdr.Kind, ConnectionID: hdr.ConnectionID}
	if hdr.Length > 0 {
		frame.Payload = p.pending[protocol.FrameHeaderSize:total]
	}
	p.pending = nil
	return frame, pos, nil
}

func (p *FrameParser) parse(block []byte, pos int, frames []Frame) ([]Frame, error) {
	for pos < len(block) {
		rest := block[pos:]
		if len(rest) < protocol.FrameHeaderSize {
			p.stash(rest, protocol.FrameHeaderSize)
			return frames, nil
		}
		hdr, err := ParseFrameHeader(rest)
		if err != nil {
			p.Reset()
			return frames, fmt.Errorf("at offset %d: %w", pos, err)
		}
		total := protocol.FrameHeaderSize + int(hdr.Length)
		if len(rest) < total {
			p.stash(rest, total)
			return frames, nil
		}
		frame := Frame{Kind: hdr.Kind, ConnectionID: hdr.ConnectionID}
		if hdr.Length > 0 {
			frame.Payload = rest[protocol.FrameHeaderSize:total:total]
		}
		frames = append(frames, frame)
		pos += total
	}
	return frames, nil
}

func (p *FrameParser) stash(b []byte, capacity int) {
	p.pending = make([]byte, len(b), max(capacity, len(b)))
	copy(p.pending, b)
}
