package arch

import "debug/elf"

var I386 = register(newProfile(Profile{
	Name:         "i386",
	Machine:      elf.EM_386,
	PointerWidth: 4,
}, map[Kind]*Rule{
	Kind(elf.R_386_NONE): none("R_386_NONE"),
	Kind(elf.R_386_32):   word32("R_386_32", Absolute, truncate),
	Kind(elf.R_386_PC32): word32("R_386_PC32", PCRelative, truncate),
},
	Kind(elf.R_386_NONE), Kind(elf.R_386_32), Kind(elf.R_386_PC32),
))

var X86_64 = register(newProfile(Profile{
	Name:         "x86_64",
	Machine:      elf.EM_X86_64,
	PointerWidth: 8,
	Rela:         true,
}, map[Kind]*Rule{
	Kind(elf.R_X86_64_NONE):  none("R_X86_64_NONE"),
	Kind(elf.R_X86_64_64):    word64("R_X86_64_64", Absolute),
	Kind(elf.R_X86_64_PC32):  word32("R_X86_64_PC32", PCRelative, signed),
	Kind(elf.R_X86_64_PLT32): word32("R_X86_64_PLT32", PCRelative, signed),
	Kind(elf.R_X86_64_32):    word32("R_X86_64_32", Absolute, unsigned),
	Kind(elf.R_X86_64_32S):   word32("R_X86_64_32S", Absolute, signed),
	Kind(elf.R_X86_64_PC64):  word64("R_X86_64_PC64", PCRelative),
},
	Kind(elf.R_X86_64_NONE), Kind(elf.R_X86_64_64), Kind(elf.R_X86_64_PC32),
	Kind(elf.R_X86_64_PLT32), Kind(elf.R_X86_64_32), Kind(elf.R_X86_64_32S),
))
