package arch

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// debug/elf carries no IA-64 relocation constants.
const (
	R_IA64_NONE       Kind = 0x00
	R_IA64_IMM22      Kind = 0x22
	R_IA64_DIR64LSB   Kind = 0x27
	R_IA64_PCREL21B   Kind = 0x49
	R_IA64_PCREL64LSB Kind = 0x4f
)

const (
	slotWidth = 41
	slotMask  = uint64(1)<<slotWidth - 1
)

// Bundles are little endian regardless of data byte order: a 5-bit
// template followed by three 41-bit instruction slots.
func bundleSlot(w []byte, slot int) uint64 {
	lo := binary.LittleEndian.Uint64(w[0:])
	hi := binary.LittleEndian.Uint64(w[8:])
	pos := uint(5 + slotWidth*slot)
	var v uint64
	if pos >= 64 {
		v = hi >> (pos - 64)
	} else {
		v = lo>>pos | hi<<(64-pos)
	}
	return v & slotMask
}

func setBundleSlot(w []byte, slot int, insn uint64) {
	lo := binary.LittleEndian.Uint64(w[0:])
	hi := binary.LittleEndian.Uint64(w[8:])
	pos := uint(5 + slotWidth*slot)
	insn &= slotMask
	if pos >= 64 {
		hi = hi&^(slotMask<<(pos-64)) | insn<<(pos-64)
	} else {
		lo = lo&^(slotMask<<pos) | insn<<pos
		hi = hi&^(slotMask>>(64-pos)) | insn>>(64-pos)
	}
	binary.LittleEndian.PutUint64(w[0:], lo)
	binary.LittleEndian.PutUint64(w[8:], hi)
}

func field(insn uint64, lsb, width uint) uint64 {
	return insn >> lsb & (uint64(1)<<width - 1)
}

func setField(insn uint64, lsb, width uint, v uint64) uint64 {
	mask := uint64(1)<<width - 1
	return insn&^(mask<<lsb) | (v&mask)<<lsb
}

func slotRule(name string, form Form, c Compute, patch func(insn, v uint64) (uint64, error), read func(insn uint64) uint64) *Rule {
	return &Rule{
		Name: name, Form: form, Compute: c, Size: bundleSize, Slot: true,
		Encode: func(_ binary.ByteOrder, w []byte, slot int, v uint64) error {
			if slot > 2 {
				return fmt.Errorf("%w: %s in bundle slot %d", ErrMisalignedTarget, name, slot)
			}
			insn, err := patch(bundleSlot(w, slot), v)
			if err != nil {
				return err
			}
			setBundleSlot(w, slot, insn)
			return nil
		},
		Decode: func(_ binary.ByteOrder, w []byte, slot int) uint64 {
			if slot > 2 {
				return 0
			}
			return read(bundleSlot(w, slot))
		},
	}
}

// imm22 patches the add-immediate form: imm7b at 13, imm5c at 22, imm9d at
// 27 and the sign at 36.
var imm22 = slotRule("R_IA64_IMM22", FormWord, Absolute,
	func(insn, v uint64) (uint64, error) {
		if !fitsSigned(int64(v), 22) {
			return 0, rangeError("R_IA64_IMM22", v)
		}
		insn = setField(insn, 13, 7, v)
		insn = setField(insn, 27, 9, v>>7)
		insn = setField(insn, 22, 5, v>>16)
		return setField(insn, 36, 1, v>>21), nil
	},
	func(insn uint64) uint64 {
		v := field(insn, 13, 7) | field(insn, 27, 9)<<7 | field(insn, 22, 5)<<16 | field(insn, 36, 1)<<21
		return signExtend(v, 22)
	})

// pcrel21b patches a bundle-relative branch: imm20b at 13 and the sign at 36,
// counting 16-byte bundles.
var pcrel21b = func() *Rule {
	r := slotRule("R_IA64_PCREL21B", FormBranch, PCRelative,
		func(insn, v uint64) (uint64, error) {
			if v&(bundleSize-1) != 0 {
				return 0, alignError("R_IA64_PCREL21B", v, bundleSize)
			}
			imm := int64(v) >> 4
			if !fitsSigned(imm, 21) {
				return 0, rangeError("R_IA64_PCREL21B", v)
			}
			insn = setField(insn, 13, 20, uint64(imm))
			return setField(insn, 36, 1, uint64(imm)>>20), nil
		},
		func(insn uint64) uint64 {
			v := field(insn, 13, 20) | field(insn, 36, 1)<<20
			return signExtend(v, 21) << 4
		})
	r.Bits, r.Shift = 21, 4
	return r
}()

var IA64 = register(newProfile(Profile{
	Name:         "ia64",
	Machine:      elf.EM_IA_64,
	PointerWidth: 8,
	Rela:         true,
}, map[Kind]*Rule{
	R_IA64_NONE:       none("R_IA64_NONE"),
	R_IA64_IMM22:      imm22,
	R_IA64_DIR64LSB:   word64("R_IA64_DIR64LSB", Absolute),
	R_IA64_PCREL21B:   pcrel21b,
	R_IA64_PCREL64LSB: word64("R_IA64_PCREL64LSB", PCRelative),
},
	R_IA64_NONE, R_IA64_DIR64LSB, R_IA64_PCREL21B, R_IA64_PCREL64LSB,
))
