package fec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

type shape struct{ k, m int }

// reedSolomonScheme caches one encoder per block shape.
// The final block of a stream usually has fewer source symbols than the others.
type reedSolomonScheme struct {
	mutex    sync.Mutex
	encoders map[shape]reedsolomon.Encoder
}

var _ BlockFECScheme = &reedSolomonScheme{}

func newReedSolomonScheme() *reedSolomonScheme {
	return &reedSolomonScheme{encoders: make(map[shape]reedsolomon.Encoder)}
}

func (s *reedSolomonScheme) encoder(k, m int) (reedsolomon.Encoder, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if enc, ok := s.encoders[shape{k, m}]; ok {
		return enc, nil
	}
	// More than 256 shards are handled by the Leopard GF(2^16) backend.
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, fmt.Errorf("creating Reed-Solomon encoder (%d, %d): %w", k, m, err)
	}
	s.encoders[shape{k, m}] = enc
	return enc, nil
}

func (s *reedSolomonScheme) repairSymbols(shards [][]byte, k, m int) error {
	if m == 0 {
		return nil
	}
	enc, err := s.encoder(k, m)
	if err != nil {
		return err
	}
	if err := enc.Encode(shards); err != nil {
		return fmt.Errorf("unable to make parity shards: %w", err)
	}
	return nil
}

func (s *reedSolomonScheme) recoverSymbols(shards [][]byte, k, m int) error {
	if m == 0 {
		return ErrInsufficientSymbols
	}
	enc, err := s.encoder(k, m)
	if err != nil {
		return err
	}
	if err := enc.ReconstructData(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return ErrInsufficientSymbols
		}
		return fmt.Errorf("unable to reconstruct source shards: %w", err)
	}
	return nil
}
