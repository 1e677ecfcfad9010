// Package logging defines a logging interface for the diode.
// This package should not be considered stable
package logging

import (
	"github.com/ddritzenhoff/diode/internal/protocol"
)

type (
	// A ByteCount is used to count bytes.
	ByteCount = protocol.ByteCount
	// The ConnectionID identifies a logical connection.
	ConnectionID = protocol.ConnectionID
	// The SequenceID numbers the blocks of a session.
	SequenceID = protocol.SequenceID
	// The FECSchemeID identifies the erasure code of a block.
	FECSchemeID = protocol.FECSchemeID
)

// LossReason is the reason why a block wasn't delivered.
type LossReason uint8

const (
	// LossReasonInsufficientSymbols means that fewer symbols than source symbols arrived.
	LossReasonInsufficientSymbols LossReason = iota
	// LossReasonWindowOverflow means that the block was pushed out of the reorder window.
	LossReasonWindowOverflow
	// LossReasonSessionReset means that the block was pending when the session was reset.
	LossReasonSessionReset
	// LossReasonMissing means that no symbol of the block ever arrived.
	LossReasonMissing
	// LossReasonDecodeError means that the erasure code failed.
	LossReasonDecodeError
)

func (r LossReason) String() string {
	switch r {
	case LossReasonInsufficientSymbols:
		return "insufficient_symbols"
	case LossReasonWindowOverflow:
		return "window_overflow"
	case LossReasonSessionReset:
		return "session_reset"
	case LossReasonMissing:
		return "missing"
	case LossReasonDecodeError:
		return "decode_error"
	default:
		return "unknown"
	}
}

// AbortReason is the reason why a logical connection was aborted.
type AbortReason uint8

const (
	// AbortReasonSender means that the sender side of the connection failed.
	AbortReasonSender AbortReason = iota
	// AbortReasonTimeout means that no data arrived within the abort timeout.
	AbortReasonTimeout
	// AbortReasonDiscontinuity means that a block of the stream was lost.
	AbortReasonDiscontinuity
	// AbortReasonProtocolViolation means that an invalid frame was received.
	AbortReasonProtocolViolation
	// AbortReasonTarget means that writing to the target failed.
	AbortReasonTarget
	// AbortReasonBackpressure means that the encoder pipeline was saturated.
	AbortReasonBackpressure
	// AbortReasonDigestMismatch means that the stream digest didn't match the received data.
	AbortReasonDigestMismatch
	// AbortReasonShutdown means that the diode was closed.
	AbortReasonShutdown
)

func (r AbortReason) String() string {
	switch r {
	case AbortReasonSender:
		return "sender"
	case AbortReasonTimeout:
		return "timeout"
	case AbortReasonDiscontinuity:
		return "discontinuity"
	case AbortReasonProtocolViolation:
		return "protocol_violation"
	case AbortReasonTarget:
		return "target"
	case AbortReasonBackpressure:
		return "backpressure"
	case AbortReasonDigestMismatch:
		return "digest_mismatch"
	case AbortReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}
