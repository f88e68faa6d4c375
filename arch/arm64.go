package arch

import (
	"debug/elf"
	"encoding/binary"
)

const (
	arm64LdrX16 = 0x58000050 // ldr x16, #8
	arm64BrX16  = 0xd61f0200 // br x16
)

var arm64Trampoline = &Trampoline{
	Size: 16,
	Write: func(order binary.ByteOrder, dst []byte, target uint64) {
		order.PutUint32(dst[0:], arm64LdrX16)
		order.PutUint32(dst[4:], arm64BrX16)
		order.PutUint64(dst[8:], target)
	},
	Target: func(order binary.ByteOrder, src []byte) uint64 {
		return order.Uint64(src[8:])
	},
}

// adrp patches the 21-bit page displacement of an ADRP instruction, split
// into immlo (bits 29-30) and immhi (bits 5-23).
func adrp(name string) *Rule {
	return insn32(name, FormHigh, PageRelative,
		func(insn uint32, v uint64) (uint32, error) {
			imm := int64(v) >> 12
			if !fitsSigned(imm, 21) {
				return 0, rangeError(name, v)
			}
			immlo := uint32(imm) & 0x3
			immhi := uint32(imm>>2) & 0x7ffff
			return insn&^0x60ffffe0 | immlo<<29 | immhi<<5, nil
		},
		func(insn uint32) uint64 {
			imm := uint64(insn>>5&0x7ffff)<<2 | uint64(insn>>29&0x3)
			return signExtend(imm, 21) << 12
		})
}

// lo12 patches the unsigned 12-bit immediate at bits 10-21, scaled by the
// access size of load/store forms.
func lo12(name string, scale uint64) *Rule {
	return insn32(name, FormLow, Absolute,
		func(insn uint32, v uint64) (uint32, error) {
			lo := v & 0xfff
			if lo%scale != 0 {
				return 0, alignError(name, v, scale)
			}
			return insn&^(0xfff<<10) | uint32(lo/scale)<<10, nil
		},
		func(insn uint32) uint64 {
			return uint64(insn>>10&0xfff) * scale
		})
}

var ARM64 = register(newProfile(Profile{
	Name:         "arm64",
	Machine:      elf.EM_AARCH64,
	PointerWidth: 8,
	Rela:         true,
	Trampoline:   arm64Trampoline,
}, map[Kind]*Rule{
	Kind(elf.R_AARCH64_NONE):               none("R_AARCH64_NONE"),
	Kind(elf.R_AARCH64_ABS64):              word64("R_AARCH64_ABS64", Absolute),
	Kind(elf.R_AARCH64_ABS32):              word32("R_AARCH64_ABS32", Absolute, either),
	Kind(elf.R_AARCH64_PREL64):             word64("R_AARCH64_PREL64", PCRelative),
	Kind(elf.R_AARCH64_PREL32):             word32("R_AARCH64_PREL32", PCRelative, signed),
	Kind(elf.R_AARCH64_CALL26):             branch32("R_AARCH64_CALL26", 26, 2, 0),
	Kind(elf.R_AARCH64_JUMP26):             branch32("R_AARCH64_JUMP26", 26, 2, 0),
	Kind(elf.R_AARCH64_ADR_PREL_PG_HI21):   adrp("R_AARCH64_ADR_PREL_PG_HI21"),
	Kind(elf.R_AARCH64_ADD_ABS_LO12_NC):    lo12("R_AARCH64_ADD_ABS_LO12_NC", 1),
	Kind(elf.R_AARCH64_LDST8_ABS_LO12_NC):  lo12("R_AARCH64_LDST8_ABS_LO12_NC", 1),
	Kind(elf.R_AARCH64_LDST16_ABS_LO12_NC): lo12("R_AARCH64_LDST16_ABS_LO12_NC", 2),
	Kind(elf.R_AARCH64_LDST32_ABS_LO12_NC): lo12("R_AARCH64_LDST32_ABS_LO12_NC", 4),
	Kind(elf.R_AARCH64_LDST64_ABS_LO12_NC): lo12("R_AARCH64_LDST64_ABS_LO12_NC", 8),
},
	Kind(elf.R_AARCH64_NONE), Kind(elf.R_AARCH64_ABS64), Kind(elf.R_AARCH64_PREL32),
	Kind(elf.R_AARCH64_CALL26), Kind(elf.R_AARCH64_JUMP26),
	Kind(elf.R_AARCH64_ADR_PREL_PG_HI21), Kind(elf.R_AARCH64_ADD_ABS_LO12_NC),
	Kind(elf.R_AARCH64_LDST8_ABS_LO12_NC), Kind(elf.R_AARCH64_LDST16_ABS_LO12_NC),
	Kind(elf.R_AARCH64_LDST32_ABS_LO12_NC), Kind(elf.R_AARCH64_LDST64_ABS_LO12_NC),
))
