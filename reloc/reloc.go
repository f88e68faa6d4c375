// Package reloc patches a parsed module image to run at a chosen base
// address.
//
// Every patch of a module is computed against shadow copies of its sections
// and trampolines are allocated provisionally; only when the whole module
// relocates cleanly are the shadows committed to the image. A failure leaves
// the image and the arena as they were.
package reloc

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/bootmod/arch"
	"github.com/sliverarmory/bootmod/module"
)

var (
	ErrUnresolvedSymbol = errors.New("unresolved symbol")

	ErrOffsetOutOfRange = arch.ErrOffsetOutOfRange
	ErrMisalignedTarget = arch.ErrMisalignedTarget
)

// Error describes the relocation entry that failed.
type Error struct {
	Index   int
	Section string
	Offset  uint64
	Kind    string
	Symbol  string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("relocation %d (%s at %s+%#x against %s): %v", e.Index, e.Kind, e.Section, e.Offset, e.Symbol, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result summarises a committed relocation.
type Result struct {
	Base uint64
	// Trampolines lists the arena slots created for this module.
	Trampolines []Handle
	Patched     int
}

type relocator struct {
	image   *module.Image
	p       *arch.Profile
	base    uint64
	symbols SymbolTable
	arena   *Arena
	owner   string

	shadows map[int][]byte
	// high maps the address of a PC-relative high-part entry to its index,
	// for the paired low parts that name it.
	high    map[uint64]int
	created []Handle
}

// Relocate patches image for a load block at base. symbols resolves external
// references. arena may be nil, in which case out of range branches fail.
// owner tags the trampolines created, normally the module name.
func Relocate(image *module.Image, base uint64, symbols SymbolTable, arena *Arena, owner string) (*Result, error) {
	p := image.Profile
	if image.LoadAlign > 1 && base%image.LoadAlign != 0 {
		return nil, fmt.Errorf("%w: base %#x not aligned to %d", ErrMisalignedTarget, base, image.LoadAlign)
	}
	if limit := p.AddressLimit(); limit != 0 && (base >= limit || image.LoadSize > limit-base) {
		return nil, fmt.Errorf("%w: block [%#x, +%#x) exceeds %d-bit address space", ErrOffsetOutOfRange, base, image.LoadSize, 8*p.PointerWidth)
	}
	if symbols == nil {
		symbols = Symbols{}
	}

	r := &relocator{
		image:   image,
		p:       p,
		base:    base,
		symbols: symbols,
		arena:   arena,
		owner:   owner,
		shadows: map[int][]byte{},
		high:    map[uint64]int{},
	}
	r.indexHighParts()

	patched := 0
	for i := range image.Relocations {
		applied, err := r.apply(i)
		if err != nil {
			if arena != nil {
				arena.Release(r.created)
			}
			return nil, err
		}
		if applied {
			patched++
		}
	}

	for idx, shadow := range r.shadows {
		copy(image.Sections[idx].Data, shadow)
	}
	return &Result{Base: base, Trampolines: r.created, Patched: patched}, nil
}

func (r *relocator) indexHighParts() {
	for i := range r.image.Relocations {
		e := &r.image.Relocations[i]
		if e.Rule == nil || e.Rule.Form != arch.FormHigh || e.Rule.Compute != arch.PCRelative {
			continue
		}
		r.high[r.place(e)] = i
	}
}

// place returns the address the entry patches: the start of its window,
// which is the enclosing bundle for slot kinds.
func (r *relocator) place(e *module.Relocation) uint64 {
	start, _, _ := e.Rule.Window(e.Offset)
	return r.base + r.image.Sections[e.Section].LoadOffset + start
}

func (r *relocator) fail(i int, err error) error {
	e := &r.image.Relocations[i]
	return &Error{
		Index:   i,
		Section: r.image.Sections[e.Section].Name,
		Offset:  e.Offset,
		Kind:    r.p.KindName(e.Kind),
		Symbol:  r.image.SymbolName(e),
		Err:     err,
	}
}

func (r *relocator) resolve(e *module.Relocation) (uint64, error) {
	if e.Symbol == 0 {
		return 0, nil
	}
	sym := &r.image.Symbols[e.Symbol]
	if sym.Defined() {
		return r.image.Address(sym, r.base), nil
	}
	if addr, ok := r.symbols.Resolve(sym.Name); ok {
		return addr, nil
	}
	if sym.Weak() {
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnresolvedSymbol, sym.Name)
}

// value returns S+A and the number the entry encodes, before any trampoline
// redirection.
func (r *relocator) value(i int) (target, v uint64, err error) {
	e := &r.image.Relocations[i]
	s, err := r.resolve(e)
	if err != nil {
		return 0, 0, err
	}
	target = s + uint64(e.Addend)
	pc := r.place(e) + r.p.PCBias

	switch e.Rule.Compute {
	case arch.PCRelative:
		return target, target - pc, nil
	case arch.PageRelative:
		return target, arch.Page(target) - arch.Page(pc), nil
	default:
		return target, target, nil
	}
}

// pairedValue finds the high-part entry at the address the low part's symbol
// names and returns the value computed for it.
func (r *relocator) pairedValue(i int) (uint64, error) {
	e := &r.image.Relocations[i]
	at, err := r.resolve(e)
	if err != nil {
		return 0, err
	}
	at += uint64(e.Addend)
	hi, ok := r.high[at]
	if !ok {
		return 0, fmt.Errorf("%w: no high part relocation at %#x", module.ErrCorruptImage, at)
	}
	_, v, err := r.value(hi)
	return v, err
}

func (r *relocator) window(e *module.Relocation) ([]byte, int) {
	shadow, ok := r.shadows[e.Section]
	if !ok {
		shadow = append([]byte(nil), r.image.Sections[e.Section].Data...)
		r.shadows[e.Section] = shadow
	}
	start, size, slot := e.Rule.Window(e.Offset)
	return shadow[start : start+uint64(size)], slot
}

func (r *relocator) apply(i int) (bool, error) {
	e := &r.image.Relocations[i]
	if e.Rule == nil {
		return false, r.fail(i, fmt.Errorf("%w: %s", arch.ErrUnsupportedRelocationKind, r.p.KindName(e.Kind)))
	}
	if e.Rule.Form == arch.FormNone {
		return false, nil
	}

	var v uint64
	var err error
	switch e.Rule.Form {
	case arch.FormPairedLow:
		v, err = r.pairedValue(i)
	case arch.FormBranch:
		v, err = r.branch(i)
	default:
		_, v, err = r.value(i)
	}
	if err != nil {
		return false, r.fail(i, err)
	}

	w, slot := r.window(e)
	if err := e.Rule.Encode(r.p.ByteOrder(), w, slot, v); err != nil {
		return false, r.fail(i, err)
	}
	return true, nil
}

// branch returns the displacement for a branch entry, routing it through a
// trampoline when the target is beyond direct reach.
func (r *relocator) branch(i int) (uint64, error) {
	e := &r.image.Relocations[i]
	target, v, err := r.value(i)
	if err != nil {
		return 0, err
	}
	rule := e.Rule
	if rule.Reach(v) || !rule.Aligned(v) || r.arena == nil || r.p.Trampoline == nil {
		// Encode reports misalignment and range.
		return v, nil
	}

	pc := r.place(e) + r.p.PCBias
	lo, hi := rule.Span(pc)
	h, created, err := r.arena.Place(r.owner, target, lo, hi)
	if err != nil {
		return 0, fmt.Errorf("%w: %s to %#x: %w", ErrOffsetOutOfRange, rule.Name, target, err)
	}
	if created {
		r.created = append(r.created, h)
	}
	return r.arena.Addr(h) - pc, nil
}
