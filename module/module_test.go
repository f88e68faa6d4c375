package module

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/bootmod/arch"
	"github.com/sliverarmory/bootmod/module/moduletest"
)

func sampleX86(t *testing.T) *moduletest.Builder {
	t.Helper()
	b := moduletest.New(arch.X86_64)
	text := b.Text(make([]byte, 32))
	data := b.Data(make([]byte, 16))
	b.BSS(64)
	b.ModName("fs_fat")
	b.ModDeps("disk", "fshelp")

	b.Func(InitSymbol, text, 0)
	b.Func(FiniSymbol, text, 16)
	b.Object("counter", data, 8, 8)
	printf := b.Undefined("grub_printf")
	dataSym := b.SectionSym(data)

	b.Reloc(text, 4, arch.Kind(elf.R_X86_64_PLT32), printf, -4)
	b.Reloc(text, 20, arch.Kind(elf.R_X86_64_PC32), dataSym, 4)
	b.Reloc(data, 0, arch.Kind(elf.R_X86_64_64), printf, 0)
	return b
}

func TestParse(t *testing.T) {
	image, err := Parse(sampleX86(t).Bytes(), arch.X86_64)
	require.NoError(t, err)

	assert.Equal(t, "fs_fat", image.Name)
	assert.Equal(t, []string{"disk", "fshelp"}, image.Deps)

	text := image.Sections[1]
	assert.Equal(t, ".text", text.Name)
	assert.True(t, text.Alloc())
	assert.Equal(t, uint64(0), text.LoadOffset)
	assert.Len(t, text.Data, 32)

	data := image.Sections[2]
	assert.Equal(t, uint64(32), data.LoadOffset)

	bss := image.Sections[3]
	assert.Equal(t, elf.SHT_NOBITS, bss.Type)
	assert.Nil(t, bss.Data)
	assert.Equal(t, uint64(48), bss.LoadOffset)

	assert.Equal(t, uint64(112), image.LoadSize)
	assert.Equal(t, uint64(16), image.LoadAlign)

	require.Len(t, image.Relocations, 3)
	r := image.Relocations[0]
	assert.Equal(t, 1, r.Section)
	assert.Equal(t, uint64(4), r.Offset)
	assert.Equal(t, arch.Kind(elf.R_X86_64_PLT32), r.Kind)
	assert.Equal(t, int64(-4), r.Addend)
	require.NotNil(t, r.Rule)
	assert.Equal(t, "R_X86_64_PLT32", r.Rule.Name)
	assert.Equal(t, "grub_printf", image.SymbolName(&r))
	assert.Equal(t, ".data", image.SymbolName(&image.Relocations[1]))

	init, ok := image.Entry(InitSymbol)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), image.Address(init, 0x1000))
	fini, ok := image.Entry(FiniSymbol)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1010), image.Address(fini, 0x1000))

	counter, ok := image.Lookup("counter")
	require.True(t, ok)
	assert.Equal(t, uint64(0x1028), image.Address(counter, 0x1000))

	_, ok = image.Lookup("grub_printf")
	assert.False(t, ok, "undefined symbols are not exported")

	undef := image.Undefined()
	require.Len(t, undef, 1)
	assert.Equal(t, "grub_printf", undef[0].Name)
}

func TestParseRelImplicitAddend(t *testing.T) {
	b := moduletest.New(arch.I386)
	text := b.Text(make([]byte, 16))
	ext := b.Undefined("grub_memcpy")
	b.Func(InitSymbol, text, 0)
	b.Reloc(text, 1, arch.Kind(elf.R_386_PC32), ext, -4)
	b.Reloc(text, 8, arch.Kind(elf.R_386_32), ext, 0x40)

	image, err := Parse(b.Bytes(), arch.I386)
	require.NoError(t, err)
	require.Len(t, image.Relocations, 2)
	assert.Equal(t, int64(-4), image.Relocations[0].Addend)
	assert.Equal(t, int64(0x40), image.Relocations[1].Addend)
}

func TestParseBigEndian(t *testing.T) {
	b := moduletest.New(arch.PowerPC)
	text := b.Text(make([]byte, 8))
	ext := b.Undefined("grub_puts")
	b.Reloc(text, 0, arch.Kind(elf.R_PPC_REL24), ext, 0)

	image, err := Parse(b.Bytes(), arch.PowerPC)
	require.NoError(t, err)
	require.Len(t, image.Relocations, 1)
	assert.Equal(t, arch.Kind(elf.R_PPC_REL24), image.Relocations[0].Kind)
}

func TestParseKeepsUnknownKinds(t *testing.T) {
	b := moduletest.New(arch.X86_64)
	text := b.Text(make([]byte, 16))
	ext := b.Undefined("grub_puts")
	b.Reloc(text, 0, arch.Kind(elf.R_X86_64_GOTPCREL), ext, 0)

	image, err := Parse(b.Bytes(), arch.X86_64)
	require.NoError(t, err)
	require.Len(t, image.Relocations, 1)
	assert.Nil(t, image.Relocations[0].Rule)
}

func TestParseCorrupt(t *testing.T) {
	valid := sampleX86(t).Bytes()

	tests := []struct {
		name  string
		build func() []byte
		p     *arch.Profile
	}{
		{"empty", func() []byte { return nil }, arch.X86_64},
		{"bad magic", func() []byte {
			b := append([]byte(nil), valid...)
			b[0] = 'X'
			return b
		}, arch.X86_64},
		{"truncated", func() []byte { return valid[:len(valid)/2] }, arch.X86_64},
		{"foreign machine", func() []byte { return valid }, arch.ARM64},
		{"foreign class", func() []byte { return valid }, arch.I386},
		{"executable", func() []byte {
			b := sampleX86(t)
			b.Type = elf.ET_EXEC
			return b.Bytes()
		}, arch.X86_64},
		{"section outside image", func() []byte {
			b := append([]byte(nil), valid...)
			shoff := binary.LittleEndian.Uint64(b[0x28:])
			// .text is section 1; its sh_size lives 32 bytes into the header.
			binary.LittleEndian.PutUint64(b[shoff+64+32:], 1<<40)
			return b
		}, arch.X86_64},
		{"relocation offset outside section", func() []byte {
			b := moduletest.New(arch.X86_64)
			text := b.Text(make([]byte, 8))
			ext := b.Undefined("grub_puts")
			b.Reloc(text, 8, arch.Kind(elf.R_X86_64_PC32), ext, 0)
			return b.Bytes()
		}, arch.X86_64},
		{"relocation window overruns section", func() []byte {
			b := moduletest.New(arch.X86_64)
			text := b.Text(make([]byte, 8))
			ext := b.Undefined("grub_puts")
			b.Reloc(text, 4, arch.Kind(elf.R_X86_64_64), ext, 0)
			return b.Bytes()
		}, arch.X86_64},
		{"symbol value outside section", func() []byte {
			b := moduletest.New(arch.X86_64)
			text := b.Text(make([]byte, 8))
			b.Func("f", text, 9)
			return b.Bytes()
		}, arch.X86_64},
		{"common symbol", func() []byte {
			b := moduletest.New(arch.X86_64)
			b.Text(make([]byte, 8))
			b.Common("shared", 64)
			return b.Bytes()
		}, arch.X86_64},
		{"bad alignment", func() []byte {
			b := moduletest.New(arch.X86_64)
			b.Section(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, make([]byte, 8), 3)
			return b.Bytes()
		}, arch.X86_64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image, err := Parse(tt.build(), tt.p)
			assert.ErrorIs(t, err, ErrCorruptImage)
			assert.Nil(t, image)
		})
	}
}

func TestCopyTo(t *testing.T) {
	b := moduletest.New(arch.X86_64)
	b.Text([]byte{0xc3, 0x90})
	b.BSS(8)
	image, err := Parse(b.Bytes(), arch.X86_64)
	require.NoError(t, err)

	block := make([]byte, image.LoadSize)
	for i := range block {
		block[i] = 0xaa
	}
	require.NoError(t, image.CopyTo(block))
	assert.Equal(t, []byte{0xc3, 0x90, 0, 0, 0, 0, 0, 0}, block[:8])
	assert.Equal(t, make([]byte, 8), block[8:16])

	assert.Error(t, image.CopyTo(make([]byte, 4)))
}

func TestDetect(t *testing.T) {
	p, err := Detect(moduletest.New(arch.RISCV64).Bytes())
	require.NoError(t, err)
	assert.Same(t, arch.RISCV64, p)

	_, err = Detect([]byte("not an elf"))
	assert.ErrorIs(t, err, ErrCorruptImage)
}
