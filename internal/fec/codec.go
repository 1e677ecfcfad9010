package fec

import (
	"errors"
	"fmt"

	"github.com/ddritzenhoff/diode/internal/protocol"
)

// ErrPayloadTooLarge is returned when a payload doesn't fit into the source symbols of a block.
var ErrPayloadTooLarge = errors.New("fec: payload exceeds block capacity")

// A Codec erasure-codes blocks into symbols of a fixed size.
// It holds no per-block state and is safe for concurrent use.
type Codec struct {
	id         protocol.FECSchemeID
	scheme     BlockFECScheme
	symbolSize int
}

// NewCodec creates a codec for the given scheme.
func NewCodec(id protocol.FECSchemeID, symbolSize int) (*Codec, error) {
	if symbolSize <= 0 {
		return nil, fmt.Errorf("invalid symbol size: %d", symbolSize)
	}
	var scheme BlockFECScheme
	switch id {
	case protocol.ReedSolomonFECScheme:
		scheme = newReedSolomonScheme()
	case protocol.XORFECScheme:
		scheme = &xorScheme{}
	default:
		return nil, fmt.Errorf("unknown FEC scheme: %d", id)
	}
	return &Codec{id: id, scheme: scheme, symbolSize: symbolSize}, nil
}

// Scheme returns the scheme the codec encodes with.
func (c *Codec) Scheme() protocol.FECSchemeID { return c.id }

// SymbolSize returns the size of every symbol produced by the codec.
func (c *Codec) SymbolSize() int { return c.symbolSize }

func (c *Codec) checkShape(k, m int) error {
	if k <= 0 || m < 0 || k+m > protocol.MaxSymbolsPerBlock {
		return fmt.Errorf("invalid block shape: %d source and %d repair symbols", k, m)
	}
	if m > c.id.MaxRepairSymbols() {
		return fmt.Errorf("%s supports at most %d repair symbols, got %d", c.id, c.id.MaxRepairSymbols(), m)
	}
	return nil
}

// Encode splits the payload into k source symbols, zero-padding the last one, and computes m repair symbols.
// Source symbols come first in the returned slice, ordered by ID.
func (c *Codec) Encode(payload []byte, k, m int) ([]Symbol, error) {
	if err := c.checkShape(k, m); err != nil {
		return nil, err
	}
	if len(payload) > k*c.symbolSize {
		return nil, fmt.Errorf("%w: %d bytes for %d symbols of %d bytes", ErrPayloadTooLarge, len(payload), k, c.symbolSize)
	}

	buf := make([]byte, (k+m)*c.symbolSize)
	copy(buf, payload)
	shards := make([][]byte, k+m)
	for i := range shards {
		shards[i] = buf[i*c.symbolSize : (i+1)*c.symbolSize]
	}
	if err := c.scheme.repairSymbols(shards, k, m); err != nil {
		return nil, err
	}

	symbols := make([]Symbol, k+m)
	for i, shard := range shards {
		symbols[i] = Symbol{ID: protocol.SymbolID(i), Data: shard}
	}
	return symbols, nil
}

// Decode reconstructs the k*SymbolSize bytes of source data of a block from any k distinct symbols.
// Duplicate symbols are ignored. Symbols that don't fit the block shape are an error.
func (c *Codec) Decode(symbols []Symbol, k, m int) ([]byte, error) {
	if err := c.checkShape(k, m); err != nil {
		return nil, err
	}
	b := NewBlock(k, m, c.symbolSize)
	for _, s := range symbols {
		if _, err := b.AddSymbol(s); err != nil {
			return nil, err
		}
	}
	return c.DecodeBlock(b)
}

// DecodeBlock reconstructs the source data of a block collected by the caller.
// The block's missing source shards are filled in place.
func (c *Codec) DecodeBlock(b *Block) ([]byte, error) {
	if b.symbolSize != c.symbolSize {
		return nil, fmt.Errorf("block has symbols of %d bytes, codec uses %d", b.symbolSize, c.symbolSize)
	}
	if !b.IsRecoverable() {
		return nil, ErrInsufficientSymbols
	}
	if !b.IsComplete() {
		if err := c.scheme.recoverSymbols(b.shards, b.totNumSourceSymbols, b.totNumRepairSymbols); err != nil {
			return nil, err
		}
	}
	return b.sourcePayload(), nil
}
