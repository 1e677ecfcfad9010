package protocol

import (
	"errors"
	"fmt"
)

// Parameters are the block-level parameters.
// Sender and receiver must agree on them.
type Parameters struct {
	Scheme           FECSchemeID
	SymbolSize       int
	BlockSize        int
	RepairPercentage int
}

// NewParameters derives the symbol size from the link MTU.
func NewParameters(scheme FECSchemeID, mtu, blockSize, repairPercentage int) (Parameters, error) {
	if mtu < MinMTU || mtu > MaxMTU {
		return Parameters{}, fmt.Errorf("MTU must be in [%d, %d], got %d", MinMTU, MaxMTU, mtu)
	}
	symbolSize := mtu - IPv4UDPHeaderSize - PacketHeaderSize
	symbolSize -= symbolSize % SymbolAlignment
	return NewParametersWithSymbolSize(scheme, symbolSize, blockSize, repairPercentage)
}

// NewParametersWithSymbolSize uses the given symbol size.
// The symbol size only needs to be aligned for blocks of more than 256 symbols.
func NewParametersWithSymbolSize(scheme FECSchemeID, symbolSize, blockSize, repairPercentage int) (Parameters, error) {
	p := Parameters{
		Scheme:           scheme,
		SymbolSize:       symbolSize,
		BlockSize:        blockSize,
		RepairPercentage: repairPercentage,
	}
	if err := p.validate(); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

func (p Parameters) validate() error {
	if !p.Scheme.Valid() {
		return fmt.Errorf("unknown FEC scheme: %d", p.Scheme)
	}
	if p.SymbolSize <= 0 {
		return errors.New("symbol size must be positive")
	}
	if p.BlockSize <= 0 {
		return errors.New("block size must be positive")
	}
	if p.RepairPercentage < 0 || p.RepairPercentage > 100 {
		return fmt.Errorf("repair percentage must be in [0, 100], got %d", p.RepairPercentage)
	}
	k, m := p.SymbolCounts(p.BlockSize)
	if k+m > MaxSymbolsPerBlock {
		return fmt.Errorf("block of %d bytes needs %d symbols, max %d", p.BlockSize, k+m, MaxSymbolsPerBlock)
	}
	if k+m > 256 && p.SymbolSize%SymbolAlignment != 0 {
		return fmt.Errorf("symbol size %d must be a multiple of %d for blocks of more than 256 symbols", p.SymbolSize, SymbolAlignment)
	}
	return nil
}

// SourceSymbols is the number of source symbols needed for a payload of n bytes.
// An empty payload still occupies one symbol.
func (p Parameters) SourceSymbols(n int) int {
	if n <= 0 {
		return 1
	}
	return (n + p.SymbolSize - 1) / p.SymbolSize
}

// RepairSymbols is the number of repair symbols sent for k source symbols.
func (p Parameters) RepairSymbols(k int) int {
	m := (k*p.RepairPercentage + 99) / 100
	if limit := p.Scheme.MaxRepairSymbols(); m > limit {
		m = limit
	}
	return m
}

// SymbolCounts returns the source and repair symbol counts for a payload of n bytes.
func (p Parameters) SymbolCounts(n int) (k, m int) {
	k = p.SourceSymbols(n)
	return k, p.RepairSymbols(k)
}

// PacketSize is the size of a datagram carrying one symbol.
func (p Parameters) PacketSize() int {
	return PacketHeaderSize + p.SymbolSize
}

// MaxPacketsPerBlock is the number of packets sent for a full block.
func (p Parameters) MaxPacketsPerBlock() int {
	k, m := p.SymbolCounts(p.BlockSize)
	return k + m
}

func (p Parameters) String() string {
	k, m := p.SymbolCounts(p.BlockSize)
	return fmt.Sprintf("scheme=%s block_size=%d symbol_size=%d source_symbols=%d repair_symbols=%d", p.Scheme, p.BlockSize, p.SymbolSize, k, m)
}
