package arch

import (
	"encoding/binary"
	"fmt"
)

// Form classifies how a relocation participates in patching.
type Form int

const (
	// FormNone kinds are accepted and skipped.
	FormNone Form = iota
	// FormWord kinds store the computed value, possibly range checked.
	FormWord
	// FormBranch kinds store a signed displacement and may be redirected
	// through a trampoline when the target is out of reach.
	FormBranch
	// FormHigh kinds store the upper part of a split immediate.
	FormHigh
	// FormLow kinds store the lower part of a split immediate computed from
	// their own symbol.
	FormLow
	// FormPairedLow kinds store the lower part of the value computed by an
	// earlier FormHigh entry whose location their symbol names.
	FormPairedLow
)

func (f Form) String() string {
	switch f {
	case FormNone:
		return "none"
	case FormWord:
		return "word"
	case FormBranch:
		return "branch"
	case FormHigh:
		return "high"
	case FormLow:
		return "low"
	case FormPairedLow:
		return "paired-low"
	default:
		return fmt.Sprintf("form(%d)", int(f))
	}
}

// Compute selects how the relocated value is derived from the symbol.
type Compute int

const (
	// Absolute is S + A.
	Absolute Compute = iota
	// PCRelative is S + A - P.
	PCRelative
	// PageRelative is Page(S + A) - Page(P) with 4 KiB pages.
	PageRelative
)

// Encoder patches value into window. slot is the instruction slot inside
// a bundle for Slot rules and zero otherwise.
type Encoder func(order binary.ByteOrder, window []byte, slot int, value uint64) error

// Decoder recovers the value a window currently encodes.
type Decoder func(order binary.ByteOrder, window []byte, slot int) uint64

// Rule is the encoding of one relocation kind.
type Rule struct {
	Name    string
	Form    Form
	Compute Compute
	// Size is the width in bytes of the patched window.
	Size int
	// Slot rules address a 16-byte instruction bundle; the low bits of the
	// relocation offset select the slot.
	Slot bool
	// Bits and Shift give the signed displacement range of branch rules:
	// the encoded field holds Bits bits of (value >> Shift).
	Bits  uint
	Shift uint

	Encode Encoder
	Decode Decoder
}

const bundleSize = 16

// Window returns the start and size of the bytes patched for a relocation
// at offset, and the bundle slot for Slot rules.
func (r *Rule) Window(offset uint64) (start uint64, size int, slot int) {
	if r.Slot {
		return offset &^ (bundleSize - 1), bundleSize, int(offset & 3)
	}
	return offset, r.Size, 0
}

// Aligned reports whether a branch displacement honours the rule's
// instruction alignment.
func (r *Rule) Aligned(value uint64) bool {
	return value&(uint64(1)<<r.Shift-1) == 0
}

// Reach reports whether a branch displacement can be encoded directly.
func (r *Rule) Reach(value uint64) bool {
	return r.Aligned(value) && fitsSigned(int64(value)>>r.Shift, r.Bits)
}

// Span returns the lowest and highest addresses a branch placed at pc can
// reach directly.
func (r *Rule) Span(pc uint64) (lo, hi uint64) {
	reach := uint64(1) << (r.Bits - 1 + r.Shift)
	lo = pc - reach
	if lo > pc {
		lo = 0
	}
	hi = pc + reach - uint64(1)<<r.Shift
	if hi < pc {
		hi = ^uint64(0)
	}
	return lo, hi
}

func fitsSigned(v int64, bits uint) bool {
	limit := int64(1) << (bits - 1)
	return v >= -limit && v < limit
}

func fitsUnsigned(v uint64, bits uint) bool {
	return bits >= 64 || v>>bits == 0
}

func signExtend(v uint64, bits uint) uint64 {
	shift := 64 - bits
	return uint64(int64(v<<shift) >> shift)
}

// Page rounds an address down to its 4 KiB page.
func Page(v uint64) uint64 {
	return v &^ 0xfff
}

func rangeError(name string, value uint64) error {
	return fmt.Errorf("%w: %s cannot encode %#x", ErrOffsetOutOfRange, name, value)
}

func alignError(name string, value uint64, align uint64) error {
	return fmt.Errorf("%w: %s needs %d-byte alignment, got %#x", ErrMisalignedTarget, name, align, value)
}

// check selects the overflow test of a data word.
type check int

const (
	truncate check = iota
	signed
	unsigned
	// either accepts values representable as signed or unsigned.
	either
)

func (c check) ok(v uint64, bits uint) bool {
	switch c {
	case signed:
		return fitsSigned(int64(v), bits)
	case unsigned:
		return fitsUnsigned(v, bits)
	case either:
		return fitsSigned(int64(v), bits) || fitsUnsigned(v, bits)
	default:
		return true
	}
}

func none(name string) *Rule {
	return &Rule{Name: name, Form: FormNone}
}

func word64(name string, c Compute) *Rule {
	return &Rule{
		Name: name, Form: FormWord, Compute: c, Size: 8,
		Encode: func(order binary.ByteOrder, w []byte, _ int, v uint64) error {
			order.PutUint64(w, v)
			return nil
		},
		Decode: func(order binary.ByteOrder, w []byte, _ int) uint64 {
			return order.Uint64(w)
		},
	}
}

func word32(name string, c Compute, ck check) *Rule {
	return &Rule{
		Name: name, Form: FormWord, Compute: c, Size: 4,
		Encode: func(order binary.ByteOrder, w []byte, _ int, v uint64) error {
			if !ck.ok(v, 32) {
				return rangeError(name, v)
			}
			order.PutUint32(w, uint32(v))
			return nil
		},
		Decode: func(order binary.ByteOrder, w []byte, _ int) uint64 {
			v := uint64(order.Uint32(w))
			if ck == signed {
				return signExtend(v, 32)
			}
			return v
		},
	}
}

// insn32 builds a rule patching one 32-bit instruction word.
func insn32(name string, form Form, c Compute, patch func(insn uint32, v uint64) (uint32, error), read func(insn uint32) uint64) *Rule {
	return &Rule{
		Name: name, Form: form, Compute: c, Size: 4,
		Encode: func(order binary.ByteOrder, w []byte, _ int, v uint64) error {
			insn, err := patch(order.Uint32(w), v)
			if err != nil {
				return err
			}
			order.PutUint32(w, insn)
			return nil
		},
		Decode: func(order binary.ByteOrder, w []byte, _ int) uint64 {
			return read(order.Uint32(w))
		},
	}
}

// branch32 builds a displacement rule whose field is a contiguous run of
// bits starting at bit lsb of a 32-bit instruction.
func branch32(name string, bits, shift, lsb uint) *Rule {
	mask := uint32(1)<<bits - 1
	r := insn32(name, FormBranch, PCRelative,
		func(insn uint32, v uint64) (uint32, error) {
			if v&(uint64(1)<<shift-1) != 0 {
				return 0, alignError(name, v, 1<<shift)
			}
			if !fitsSigned(int64(v)>>shift, bits) {
				return 0, rangeError(name, v)
			}
			field := uint32(v>>shift) & mask
			return insn&^(mask<<lsb) | field<<lsb, nil
		},
		func(insn uint32) uint64 {
			return signExtend(uint64(insn>>lsb&mask), bits) << shift
		})
	r.Bits, r.Shift = bits, shift
	return r
}
