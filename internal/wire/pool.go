package wire

import (
	"sync"
)

// A PacketBuffer holds one encoded packet.
type PacketBuffer struct {
	Data []byte

	pool *PacketPool
}

// Release puts the buffer back into the pool it was taken from.
func (b *PacketBuffer) Release() {
	if b.pool == nil {
		return
	}
	b.pool.put(b)
}

// A PacketPool recycles buffers of a fixed capacity.
type PacketPool struct {
	size int
	pool sync.Pool
}

// NewPacketPool creates a pool of buffers of size bytes.
func NewPacketPool(size int) *PacketPool {
	p := &PacketPool{size: size}
	p.pool.New = func() interface{} {
		return &PacketBuffer{Data: make([]byte, 0, size), pool: p}
	}
	return p
}

// Size is the capacity of the pooled buffers.
func (p *PacketPool) Size() int { return p.size }

// Get returns an empty buffer.
func (p *PacketPool) Get() *PacketBuffer {
	b := p.pool.Get().(*PacketBuffer)
	b.Data = b.Data[:0]
	return b
}

func (p *PacketPool) put(b *PacketBuffer) {
	if cap(b.Data) != p.size {
		panic("wire.PacketBuffer released with a buffer of the wrong size!")
	}
	p.pool.Put(b)
}
