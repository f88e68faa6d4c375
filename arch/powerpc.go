package arch

import (
	"debug/elf"
	"encoding/binary"
)

const (
	ppcLisR12   = 0x3d800000 // lis r12, 0
	ppcOriR12   = 0x618c0000 // ori r12, r12, 0
	ppcMtctrR12 = 0x7d8903a6
	ppcBctr     = 0x4e800420
)

var ppcTrampoline = &Trampoline{
	Size: 16,
	Write: func(order binary.ByteOrder, dst []byte, target uint64) {
		order.PutUint32(dst[0:], ppcLisR12|uint32(target>>16&0xffff))
		order.PutUint32(dst[4:], ppcOriR12|uint32(target&0xffff))
		order.PutUint32(dst[8:], ppcMtctrR12)
		order.PutUint32(dst[12:], ppcBctr)
	},
	Target: func(order binary.ByteOrder, src []byte) uint64 {
		hi := uint64(order.Uint32(src[0:]) & 0xffff)
		lo := uint64(order.Uint32(src[4:]) & 0xffff)
		return hi<<16 | lo
	},
}

func half16(name string, form Form, part func(v uint64) uint64, read func(field uint64) uint64) *Rule {
	return &Rule{
		Name: name, Form: form, Compute: Absolute, Size: 2,
		Encode: func(order binary.ByteOrder, w []byte, _ int, v uint64) error {
			order.PutUint16(w, uint16(part(v)))
			return nil
		},
		Decode: func(order binary.ByteOrder, w []byte, _ int) uint64 {
			return read(uint64(order.Uint16(w)))
		},
	}
}

var PowerPC = register(newProfile(Profile{
	Name:         "powerpc",
	Machine:      elf.EM_PPC,
	PointerWidth: 4,
	BigEndian:    true,
	Rela:         true,
	Trampoline:   ppcTrampoline,
}, map[Kind]*Rule{
	Kind(elf.R_PPC_NONE):   none("R_PPC_NONE"),
	Kind(elf.R_PPC_ADDR32): word32("R_PPC_ADDR32", Absolute, truncate),
	Kind(elf.R_PPC_ADDR16_LO): half16("R_PPC_ADDR16_LO", FormLow,
		func(v uint64) uint64 { return v & 0xffff },
		func(f uint64) uint64 { return f }),
	Kind(elf.R_PPC_ADDR16_HI): half16("R_PPC_ADDR16_HI", FormHigh,
		func(v uint64) uint64 { return v>>16&0xffff },
		func(f uint64) uint64 { return f << 16 }),
	Kind(elf.R_PPC_ADDR16_HA): half16("R_PPC_ADDR16_HA", FormHigh,
		func(v uint64) uint64 { return (v+0x8000)>>16&0xffff },
		func(f uint64) uint64 { return f << 16 }),
	Kind(elf.R_PPC_REL24): branch32("R_PPC_REL24", 24, 2, 2),
	Kind(elf.R_PPC_REL32): word32("R_PPC_REL32", PCRelative, truncate),
},
	Kind(elf.R_PPC_NONE), Kind(elf.R_PPC_ADDR32), Kind(elf.R_PPC_ADDR16_LO),
	Kind(elf.R_PPC_ADDR16_HA), Kind(elf.R_PPC_REL24), Kind(elf.R_PPC_REL32),
))
