package diode

import (
	"errors"

	"github.com/ddritzenhoff/diode/internal/fec"
)

var (
	// ErrInsufficientSymbols is the decoding error of a block that lost too many symbols.
	ErrInsufficientSymbols = fec.ErrInsufficientSymbols
	// ErrBlockTooLarge is a fatal pipeline error: a block payload exceeded the block size.
	ErrBlockTooLarge = errors.New("diode: block payload exceeds block size")
	// ErrBackpressure is returned by writes refused under OverflowDrop. The connection is aborted.
	ErrBackpressure = errors.New("diode: encoder pipeline saturated")
	// ErrClosed is returned when using a closed sender or stream.
	ErrClosed = errors.New("diode: closed")
	// ErrTooManyConnections is returned by OpenStream when MaxConnections connections are open
	// and the context doesn't allow waiting for one to end.
	ErrTooManyConnections = errors.New("diode: too many connections")
	// ErrStreamAborted is returned when writing to an aborted stream.
	ErrStreamAborted = errors.New("diode: stream aborted")
)
