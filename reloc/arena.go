package reloc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sliverarmory/bootmod/arch"
)

var ErrArenaExhausted = errors.New("trampoline arena exhausted")

// Handle identifies a trampoline slot in an Arena.
type Handle int

type slot struct {
	used   bool
	owner  string
	target uint64
}

// Arena is a fixed region of trampoline slots shared by every module. Slots
// are addressed by index until their address is needed for a patch, and are
// freed together with the module that owns them.
type Arena struct {
	base  uint64
	mem   []byte
	order binary.ByteOrder
	stub  *arch.Trampoline
	slots []slot
}

// NewArena carves mem, loaded at base, into trampoline slots for p.
func NewArena(p *arch.Profile, base uint64, mem []byte) (*Arena, error) {
	if p.Trampoline == nil {
		return nil, fmt.Errorf("%s has no trampoline encoding", p.Name)
	}
	size := uint64(p.Trampoline.Size)
	if base%size != 0 {
		return nil, fmt.Errorf("%w: arena base %#x not aligned to %d", ErrMisalignedTarget, base, size)
	}
	n := uint64(len(mem)) / size
	return &Arena{
		base:  base,
		mem:   mem[:n*size],
		order: p.ByteOrder(),
		stub:  p.Trampoline,
		slots: make([]slot, n),
	}, nil
}

// SlotSize returns the size of one trampoline.
func (arena *Arena) SlotSize() int {
	return arena.stub.Size
}

// Len returns the number of slots.
func (arena *Arena) Len() int {
	return len(arena.slots)
}

// Used returns the number of allocated slots.
func (arena *Arena) Used() int {
	n := 0
	for _, s := range arena.slots {
		if s.used {
			n++
		}
	}
	return n
}

// Addr returns the load address of h.
func (arena *Arena) Addr(h Handle) uint64 {
	return arena.base + uint64(h)*uint64(arena.stub.Size)
}

// Bytes returns the encoded stub of h.
func (arena *Arena) Bytes(h Handle) []byte {
	size := arena.stub.Size
	return arena.mem[int(h)*size : (int(h)+1)*size]
}

// Target decodes the jump target h currently holds.
func (arena *Arena) Target(h Handle) uint64 {
	return arena.stub.Target(arena.order, arena.Bytes(h))
}

// Place returns a trampoline jumping to target whose address lies in
// [lo, hi]. An existing trampoline of owner for the same target is reused;
// created reports whether a new slot was written.
func (arena *Arena) Place(owner string, target, lo, hi uint64) (h Handle, created bool, err error) {
	first, last, ok := arena.window(lo, hi)
	if !ok {
		return 0, false, fmt.Errorf("%w: no slot within [%#x, %#x]", ErrArenaExhausted, lo, hi)
	}
	for i := first; i <= last; i++ {
		s := arena.slots[i]
		if s.used && s.owner == owner && s.target == target {
			return Handle(i), false, nil
		}
	}
	for i := first; i <= last; i++ {
		if arena.slots[i].used {
			continue
		}
		arena.slots[i] = slot{used: true, owner: owner, target: target}
		arena.stub.Write(arena.order, arena.Bytes(Handle(i)), target)
		return Handle(i), true, nil
	}
	return 0, false, fmt.Errorf("%w: %d slots within [%#x, %#x] in use", ErrArenaExhausted, last-first+1, lo, hi)
}

// window returns the slot indices whose addresses lie in [lo, hi].
func (arena *Arena) window(lo, hi uint64) (first, last int, ok bool) {
	if len(arena.slots) == 0 {
		return 0, 0, false
	}
	size := uint64(arena.stub.Size)
	end := arena.base + uint64(len(arena.slots)-1)*size
	lo = max(lo, arena.base)
	hi = min(hi, end)
	if lo > hi {
		return 0, 0, false
	}
	f := (lo - arena.base + size - 1) / size
	l := (hi - arena.base) / size
	if f > l {
		return 0, 0, false
	}
	return int(f), int(l), true
}

// Release frees individual slots, used to roll back a failed relocation.
func (arena *Arena) Release(handles []Handle) {
	for _, h := range handles {
		arena.free(int(h))
	}
}

// FreeOwner frees every slot owner holds and returns how many there were.
func (arena *Arena) FreeOwner(owner string) int {
	n := 0
	for i, s := range arena.slots {
		if s.used && s.owner == owner {
			arena.free(i)
			n++
		}
	}
	return n
}

func (arena *Arena) free(i int) {
	arena.slots[i] = slot{}
	clear(arena.Bytes(Handle(i)))
}
