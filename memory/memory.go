// Package memory places module load blocks inside a fixed load region.
package memory

import (
	"errors"
	"fmt"
	"math/bits"
	"slices"
)

var (
	ErrNoSpace    = errors.New("load region exhausted")
	ErrBadAddress = errors.New("address not allocated")
)

// Block is an allocation: its load address and the bytes backing it.
type Block struct {
	Addr uint64
	Data []byte
}

type span struct {
	offset uint64
	size   uint64
}

// Region hands out aligned, non-overlapping blocks from a byte range loaded
// at base. Placement is first fit in address order.
type Region struct {
	base  uint64
	mem   []byte
	spans []span
	unmap func() error
}

// NewRegion manages mem as if it were loaded at base.
func NewRegion(base uint64, mem []byte) *Region {
	return &Region{base: base, mem: mem}
}

// New allocates a size-byte region with load address base on the Go heap.
func New(base, size uint64) *Region {
	return NewRegion(base, make([]byte, size))
}

func (r *Region) Base() uint64 {
	return r.base
}

func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

// Used returns the bytes currently allocated.
func (r *Region) Used() uint64 {
	var n uint64
	for _, s := range r.spans {
		n += s.size
	}
	return n
}

func alignOffset(base, offset, align uint64) uint64 {
	if align <= 1 {
		return offset
	}
	addr := base + offset
	return offset + (align-addr%align)%align
}

// Alloc reserves size bytes whose address is a multiple of align. The block
// is zeroed.
func (r *Region) Alloc(size, align uint64) (Block, error) {
	if align == 0 {
		align = 1
	}
	if bits.OnesCount64(align) != 1 {
		return Block{}, fmt.Errorf("alignment %d is not a power of two", align)
	}
	if size == 0 {
		return Block{Addr: r.base + alignOffset(r.base, 0, align)}, nil
	}

	limit := uint64(len(r.mem))
	gapStart := uint64(0)
	for i := 0; i <= len(r.spans); i++ {
		gapEnd := limit
		if i < len(r.spans) {
			gapEnd = r.spans[i].offset
		}
		offset := alignOffset(r.base, gapStart, align)
		if offset >= gapStart && offset <= gapEnd && gapEnd-offset >= size {
			r.spans = slices.Insert(r.spans, i, span{offset: offset, size: size})
			data := r.mem[offset : offset+size : offset+size]
			clear(data)
			return Block{Addr: r.base + offset, Data: data}, nil
		}
		if i < len(r.spans) {
			gapStart = r.spans[i].offset + r.spans[i].size
		}
	}
	return Block{}, fmt.Errorf("%w: %#x bytes aligned to %d in %#x-byte region", ErrNoSpace, size, align, limit)
}

// Free releases the block allocated at addr.
func (r *Region) Free(addr uint64) error {
	for i, s := range r.spans {
		if r.base+s.offset == addr {
			r.spans = slices.Delete(r.spans, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("%w: %#x", ErrBadAddress, addr)
}

// Close releases host memory backing the region. The region is unusable
// afterwards.
func (r *Region) Close() error {
	r.spans = nil
	r.mem = nil
	if r.unmap == nil {
		return nil
	}
	unmap := r.unmap
	r.unmap = nil
	return unmap()
}
