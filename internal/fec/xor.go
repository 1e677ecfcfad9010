package fec

import "fmt"

// xorScheme protects a block with a single parity symbol, the XOR of all source symbols.
type xorScheme struct{}

var _ BlockFECScheme = &xorScheme{}

func (s *xorScheme) repairSymbols(shards [][]byte, k, m int) error {
	if m == 0 {
		return nil
	}
	if m != 1 {
		return fmt.Errorf("xor only supports a (k+1,k) scheme. provided (%d, %d)", k+m, k)
	}
	parity := shards[k]
	for i := range parity {
		parity[i] = 0
	}
	for _, shard := range shards[:k] {
		xor(parity, shard)
	}
	return nil
}

func (s *xorScheme) recoverSymbols(shards [][]byte, k, m int) error {
	if m != 1 || shards[k] == nil {
		return ErrInsufficientSymbols
	}
	missing := -1
	for i, shard := range shards[:k] {
		if shard != nil {
			continue
		}
		if missing != -1 {
			return ErrInsufficientSymbols
		}
		missing = i
	}
	if missing == -1 {
		// the block already has all the source symbols, so there's nothing for us to do.
		return nil
	}

	recovered := make([]byte, len(shards[k]))
	copy(recovered, shards[k])
	for i, shard := range shards[:k] {
		if i != missing {
			xor(recovered, shard)
		}
	}
	shards[missing] = recovered
	return nil
}

// TODO (ddritzenhoff) this is the slow way of doing XOR, process 8 bytes at a time.
func xor(dst, src []byte) {
	for i := range src {
		dst[i] ^= src[i]
	}
}
