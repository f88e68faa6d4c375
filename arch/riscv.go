package arch

import (
	"debug/elf"
	"encoding/binary"
)

// RISC-V immediates are scattered across the instruction word. Each format
// gets a pack/unpack pair over the already shifted field value.

func packB(insn, imm uint32) uint32 {
	insn &^= 0xfe000f80
	return insn | (imm>>11&1)<<31 | (imm>>4&0x3f)<<25 | (imm&0xf)<<8 | (imm>>10&1)<<7
}

func unpackB(insn uint32) uint64 {
	imm := insn>>31&1<<11 | insn>>7&1<<10 | insn>>25&0x3f<<4 | insn>>8&0xf
	return uint64(imm)
}

func packJ(insn, imm uint32) uint32 {
	insn &^= 0xfffff000
	return insn | (imm>>19&1)<<31 | (imm&0x3ff)<<21 | (imm>>10&1)<<20 | (imm>>11&0xff)<<12
}

func unpackJ(insn uint32) uint64 {
	imm := insn>>31&1<<19 | insn>>12&0xff<<11 | insn>>20&1<<10 | insn>>21&0x3ff
	return uint64(imm)
}

func packI(insn uint32, lo uint64) uint32 {
	return insn&^0xfff00000 | uint32(lo&0xfff)<<20
}

func unpackI(insn uint32) uint64 {
	return signExtend(uint64(insn>>20), 12)
}

func packS(insn uint32, lo uint64) uint32 {
	insn &^= 0xfe000f80
	return insn | uint32(lo>>5&0x7f)<<25 | uint32(lo&0x1f)<<7
}

func unpackS(insn uint32) uint64 {
	return signExtend(uint64(insn>>25&0x7f<<5|insn>>7&0x1f), 12)
}

// hi20 splits v into the upper part an auipc/lui carries; the lower 12 bits
// are added back sign extended by the paired instruction.
func hi20(name string, v uint64) (uint32, error) {
	hi := (int64(v) + 0x800) >> 12
	if !fitsSigned(hi, 20) {
		return 0, rangeError(name, v)
	}
	return uint32(hi) << 12, nil
}

func packU(insn, hi uint32) uint32 {
	return insn&0xfff | hi
}

func unpackU(insn uint32) uint64 {
	return signExtend(uint64(insn&0xfffff000), 32)
}

func riscvBranch(name string, bits uint, pack func(insn, imm uint32) uint32, unpack func(insn uint32) uint64) *Rule {
	mask := uint64(1)<<bits - 1
	r := insn32(name, FormBranch, PCRelative,
		func(insn uint32, v uint64) (uint32, error) {
			if v&1 != 0 {
				return 0, alignError(name, v, 2)
			}
			if !fitsSigned(int64(v)>>1, bits) {
				return 0, rangeError(name, v)
			}
			return pack(insn, uint32(v>>1&mask)), nil
		},
		func(insn uint32) uint64 {
			return signExtend(unpack(insn), bits) << 1
		})
	r.Bits, r.Shift = bits, 1
	return r
}

func riscvHigh(name string, c Compute) *Rule {
	return insn32(name, FormHigh, c,
		func(insn uint32, v uint64) (uint32, error) {
			hi, err := hi20(name, v)
			if err != nil {
				return 0, err
			}
			return packU(insn, hi), nil
		}, unpackU)
}

func riscvLow(name string, form Form, pack func(insn uint32, lo uint64) uint32, unpack func(insn uint32) uint64) *Rule {
	return insn32(name, form, Absolute,
		func(insn uint32, v uint64) (uint32, error) {
			return pack(insn, v), nil
		}, unpack)
}

// riscvCall patches an auipc/jalr pair.
func riscvCall(name string) *Rule {
	return &Rule{
		Name: name, Form: FormWord, Compute: PCRelative, Size: 8,
		Encode: func(order binary.ByteOrder, w []byte, _ int, v uint64) error {
			hi, err := hi20(name, v)
			if err != nil {
				return err
			}
			order.PutUint32(w[0:], packU(order.Uint32(w[0:]), hi))
			order.PutUint32(w[4:], packI(order.Uint32(w[4:]), v))
			return nil
		},
		Decode: func(order binary.ByteOrder, w []byte, _ int) uint64 {
			return unpackU(order.Uint32(w[0:])) + unpackI(order.Uint32(w[4:]))
		},
	}
}

var RISCV64 = register(newProfile(Profile{
	Name:         "riscv64",
	Machine:      elf.EM_RISCV,
	PointerWidth: 8,
	Rela:         true,
}, map[Kind]*Rule{
	Kind(elf.R_RISCV_NONE):         none("R_RISCV_NONE"),
	Kind(elf.R_RISCV_RELAX):        none("R_RISCV_RELAX"),
	Kind(elf.R_RISCV_32):           word32("R_RISCV_32", Absolute, either),
	Kind(elf.R_RISCV_64):           word64("R_RISCV_64", Absolute),
	Kind(elf.R_RISCV_BRANCH):       riscvBranch("R_RISCV_BRANCH", 12, packB, unpackB),
	Kind(elf.R_RISCV_JAL):          riscvBranch("R_RISCV_JAL", 20, packJ, unpackJ),
	Kind(elf.R_RISCV_CALL):         riscvCall("R_RISCV_CALL"),
	Kind(elf.R_RISCV_CALL_PLT):     riscvCall("R_RISCV_CALL_PLT"),
	Kind(elf.R_RISCV_PCREL_HI20):   riscvHigh("R_RISCV_PCREL_HI20", PCRelative),
	Kind(elf.R_RISCV_PCREL_LO12_I): riscvLow("R_RISCV_PCREL_LO12_I", FormPairedLow, packI, unpackI),
	Kind(elf.R_RISCV_PCREL_LO12_S): riscvLow("R_RISCV_PCREL_LO12_S", FormPairedLow, packS, unpackS),
	Kind(elf.R_RISCV_HI20):         riscvHigh("R_RISCV_HI20", Absolute),
	Kind(elf.R_RISCV_LO12_I):       riscvLow("R_RISCV_LO12_I", FormLow, packI, unpackI),
	Kind(elf.R_RISCV_LO12_S):       riscvLow("R_RISCV_LO12_S", FormLow, packS, unpackS),
},
	Kind(elf.R_RISCV_NONE), Kind(elf.R_RISCV_RELAX), Kind(elf.R_RISCV_32), Kind(elf.R_RISCV_64),
	Kind(elf.R_RISCV_BRANCH), Kind(elf.R_RISCV_JAL), Kind(elf.R_RISCV_CALL), Kind(elf.R_RISCV_CALL_PLT),
	Kind(elf.R_RISCV_PCREL_HI20), Kind(elf.R_RISCV_PCREL_LO12_I), Kind(elf.R_RISCV_PCREL_LO12_S),
))
