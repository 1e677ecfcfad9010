package fec

import (
	"errors"
	"fmt"

	"github.com/ddritzenhoff/diode/internal/protocol"
)

// ErrInsufficientSymbols is returned when fewer distinct symbols than source symbols are available.
var ErrInsufficientSymbols = errors.New("fec: insufficient symbols to reconstruct block")

// A Symbol is one fixed-size fragment of an encoded block.
type Symbol struct {
	ID   protocol.SymbolID
	Data []byte
}

// IsRepair reports whether the symbol is a repair symbol of a block with k source symbols.
func (s Symbol) IsRepair(k int) bool {
	return int(s.ID) >= k
}

// A Block collects the symbols received for one block.
// It is not safe for concurrent use.
type Block struct {
	// totNumSourceSymbols represents the total number of source symbols in this block.
	totNumSourceSymbols int
	// totNumRepairSymbols represents the total number of repair symbols in this block.
	totNumRepairSymbols int
	symbolSize          int

	shards        [][]byte
	numPresent    int
	numSourceSeen int
}

// NewBlock creates an empty block expecting k source and m repair symbols of symbolSize bytes.
func NewBlock(k, m, symbolSize int) *Block {
	return &Block{
		totNumSourceSymbols: k,
		totNumRepairSymbols: m,
		symbolSize:          symbolSize,
		shards:              make([][]byte, k+m),
	}
}

// AddSymbol adds a symbol to the block. Duplicates are ignored and reported as not added.
// An error is returned if the symbol doesn't belong to a block of this shape.
func (b *Block) AddSymbol(s Symbol) (added bool, err error) {
	if int(s.ID) >= len(b.shards) {
		return false, fmt.Errorf("symbol %d out of range for a block of %d symbols", s.ID, len(b.shards))
	}
	if len(s.Data) != b.symbolSize {
		return false, fmt.Errorf("symbol %d has %d bytes, expected %d", s.ID, len(s.Data), b.symbolSize)
	}
	if b.shards[s.ID] != nil {
		return false, nil
	}
	b.shards[s.ID] = s.Data
	b.numPresent++
	if !s.IsRepair(b.totNumSourceSymbols) {
		b.numSourceSeen++
	}
	return true, nil
}

// NumSymbols is the number of distinct symbols added so far.
func (b *Block) NumSymbols() int { return b.numPresent }

// SourceSymbols is the number of source symbols of the block.
func (b *Block) SourceSymbols() int { return b.totNumSourceSymbols }

// RepairSymbols is the number of repair symbols of the block.
func (b *Block) RepairSymbols() int { return b.totNumRepairSymbols }

// IsRecoverable indicates whether the block contains enough symbols to reconstruct all source symbols.
func (b *Block) IsRecoverable() bool {
	return b.numPresent >= b.totNumSourceSymbols
}

// IsComplete indicates whether the block contains all of its source symbols.
func (b *Block) IsComplete() bool {
	return b.numSourceSeen == b.totNumSourceSymbols
}

// sourcePayload concatenates the source shards. All of them must be present.
func (b *Block) sourcePayload() []byte {
	payload := make([]byte, 0, b.totNumSourceSymbols*b.symbolSize)
	for _, shard := range b.shards[:b.totNumSourceSymbols] {
		payload = append(payload, shard...)
	}
	return payload
}
