package arch

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func neg(v int64) uint64 { return uint64(v) }

func encode(t *testing.T, p *Profile, k Kind, offset uint64, buf []byte, value uint64) (*Rule, []byte, int, error) {
	t.Helper()
	r, ok := p.Rule(k)
	require.True(t, ok, "%s has no rule for %s", p, p.KindName(k))
	start, size, slot := r.Window(offset)
	if buf == nil {
		buf = make([]byte, start+uint64(size))
	}
	w := buf[start : start+uint64(size)]
	return r, w, slot, r.Encode(p.ByteOrder(), w, slot, value)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		p      *Profile
		kind   Kind
		offset uint64
		value  uint64
	}{
		{"i386 32", I386, Kind(elf.R_386_32), 0, 0xc0001000},
		{"i386 pc32", I386, Kind(elf.R_386_PC32), 0, 0xfffffffc},
		{"x86_64 64", X86_64, Kind(elf.R_X86_64_64), 0, 0x1122334455667788},
		{"x86_64 pc32", X86_64, Kind(elf.R_X86_64_PC32), 0, neg(-0x100)},
		{"x86_64 plt32", X86_64, Kind(elf.R_X86_64_PLT32), 0, 0x7ffffff0},
		{"x86_64 32", X86_64, Kind(elf.R_X86_64_32), 0, 0xdeadbeef},
		{"x86_64 32s", X86_64, Kind(elf.R_X86_64_32S), 0, neg(-0x80000000)},
		{"x86_64 pc64", X86_64, Kind(elf.R_X86_64_PC64), 0, neg(-0x123456789)},
		{"arm64 abs64", ARM64, Kind(elf.R_AARCH64_ABS64), 0, 0xffff000012345678},
		{"arm64 abs32", ARM64, Kind(elf.R_AARCH64_ABS32), 0, 0xffffffff},
		{"arm64 prel32", ARM64, Kind(elf.R_AARCH64_PREL32), 0, neg(-0x40)},
		{"arm64 prel64", ARM64, Kind(elf.R_AARCH64_PREL64), 0, 0x100000000},
		{"arm64 call26 max", ARM64, Kind(elf.R_AARCH64_CALL26), 0, 0x7fffffc},
		{"arm64 call26 min", ARM64, Kind(elf.R_AARCH64_CALL26), 0, neg(-0x8000000)},
		{"arm64 jump26", ARM64, Kind(elf.R_AARCH64_JUMP26), 0, 0x1000},
		{"arm64 adrp", ARM64, Kind(elf.R_AARCH64_ADR_PREL_PG_HI21), 0, 0xfffff000},
		{"arm64 adrp back", ARM64, Kind(elf.R_AARCH64_ADR_PREL_PG_HI21), 0, neg(-0x1000)},
		{"arm64 add lo12", ARM64, Kind(elf.R_AARCH64_ADD_ABS_LO12_NC), 0, 0xabc},
		{"arm64 ldst8", ARM64, Kind(elf.R_AARCH64_LDST8_ABS_LO12_NC), 0, 0xfff},
		{"arm64 ldst16", ARM64, Kind(elf.R_AARCH64_LDST16_ABS_LO12_NC), 0, 0x2},
		{"arm64 ldst32", ARM64, Kind(elf.R_AARCH64_LDST32_ABS_LO12_NC), 0, 0xffc},
		{"arm64 ldst64", ARM64, Kind(elf.R_AARCH64_LDST64_ABS_LO12_NC), 0, 0x238},
		{"riscv 32", RISCV64, Kind(elf.R_RISCV_32), 0, 0x80000000},
		{"riscv 64", RISCV64, Kind(elf.R_RISCV_64), 0, 0x8000000000001000},
		{"riscv branch back", RISCV64, Kind(elf.R_RISCV_BRANCH), 0, neg(-4096)},
		{"riscv branch fwd", RISCV64, Kind(elf.R_RISCV_BRANCH), 0, 4094},
		{"riscv jal fwd", RISCV64, Kind(elf.R_RISCV_JAL), 0, 0xffffe},
		{"riscv jal back", RISCV64, Kind(elf.R_RISCV_JAL), 0, neg(-0x100000)},
		{"riscv call", RISCV64, Kind(elf.R_RISCV_CALL), 0, 0x12345678},
		{"riscv call plt back", RISCV64, Kind(elf.R_RISCV_CALL_PLT), 0, neg(-0x10)},
		{"riscv pcrel hi20", RISCV64, Kind(elf.R_RISCV_PCREL_HI20), 0, 0x12345000},
		{"riscv pcrel lo12 i", RISCV64, Kind(elf.R_RISCV_PCREL_LO12_I), 0, 0x123},
		{"riscv pcrel lo12 s", RISCV64, Kind(elf.R_RISCV_PCREL_LO12_S), 0, neg(-0x800)},
		{"riscv hi20", RISCV64, Kind(elf.R_RISCV_HI20), 0, neg(-0x1000)},
		{"riscv lo12 i", RISCV64, Kind(elf.R_RISCV_LO12_I), 0, 0x7ff},
		{"riscv lo12 s", RISCV64, Kind(elf.R_RISCV_LO12_S), 0, neg(-16)},
		{"ppc addr32", PowerPC, Kind(elf.R_PPC_ADDR32), 0, 0xdeadbeef},
		{"ppc addr16 lo", PowerPC, Kind(elf.R_PPC_ADDR16_LO), 0, 0xbeef},
		{"ppc addr16 hi", PowerPC, Kind(elf.R_PPC_ADDR16_HI), 0, 0xdead0000},
		{"ppc addr16 ha", PowerPC, Kind(elf.R_PPC_ADDR16_HA), 0, 0x12340000},
		{"ppc rel24 max", PowerPC, Kind(elf.R_PPC_REL24), 0, 0x1fffffc},
		{"ppc rel24 min", PowerPC, Kind(elf.R_PPC_REL24), 0, neg(-0x2000000)},
		{"ppc rel32", PowerPC, Kind(elf.R_PPC_REL32), 0, 0xfffffff0},
		{"ia64 imm22 slot0", IA64, R_IA64_IMM22, 0, 0x1fffff},
		{"ia64 imm22 slot1", IA64, R_IA64_IMM22, 1, neg(-0x200000)},
		{"ia64 imm22 slot2", IA64, R_IA64_IMM22, 2, 0x12345},
		{"ia64 pcrel21b slot0", IA64, R_IA64_PCREL21B, 0, 0xffff0},
		{"ia64 pcrel21b slot1", IA64, R_IA64_PCREL21B, 1, neg(-0x1000000)},
		{"ia64 pcrel21b slot2", IA64, R_IA64_PCREL21B, 2, 0x40},
		{"ia64 dir64", IA64, R_IA64_DIR64LSB, 0, 0xe000000000001234},
		{"ia64 pcrel64", IA64, R_IA64_PCREL64LSB, 0, neg(-8)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, w, slot, err := encode(t, tt.p, tt.kind, tt.offset, nil, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.value, r.Decode(tt.p.ByteOrder(), w, slot))
		})
	}
}

func TestSplitPairs(t *testing.T) {
	order := RISCV64.ByteOrder()
	for _, v := range []uint64{0x12345678, 0x7ff, 0x800, neg(-0x801), 0x7ffff7ff} {
		hiRule, hi, _, err := encode(t, RISCV64, Kind(elf.R_RISCV_HI20), 0, nil, v)
		require.NoError(t, err)
		loRule, lo, _, err := encode(t, RISCV64, Kind(elf.R_RISCV_LO12_I), 0, nil, v)
		require.NoError(t, err)
		assert.Equal(t, v, hiRule.Decode(order, hi, 0)+loRule.Decode(order, lo, 0), "%#x", v)
	}

	order = PowerPC.ByteOrder()
	for _, v := range []uint64{0x12348000, 0xdeadbeef, 0x0000ffff} {
		haRule, ha, _, err := encode(t, PowerPC, Kind(elf.R_PPC_ADDR16_HA), 0, nil, v)
		require.NoError(t, err)
		loRule, lo, _, err := encode(t, PowerPC, Kind(elf.R_PPC_ADDR16_LO), 0, nil, v)
		require.NoError(t, err)
		sum := haRule.Decode(order, ha, 0) + signExtend(loRule.Decode(order, lo, 0), 16)
		assert.Equal(t, v, sum&0xffffffff, "%#x", v)
	}
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		p     *Profile
		kind  Kind
		value uint64
		want  error
	}{
		{"x86_64 pc32 overflow", X86_64, Kind(elf.R_X86_64_PC32), 0x80000000, ErrOffsetOutOfRange},
		{"x86_64 32 negative", X86_64, Kind(elf.R_X86_64_32), neg(-1), ErrOffsetOutOfRange},
		{"x86_64 32s overflow", X86_64, Kind(elf.R_X86_64_32S), 0x80000000, ErrOffsetOutOfRange},
		{"arm64 call26 far", ARM64, Kind(elf.R_AARCH64_CALL26), 0x8000000, ErrOffsetOutOfRange},
		{"arm64 call26 odd", ARM64, Kind(elf.R_AARCH64_CALL26), 0x102, ErrMisalignedTarget},
		{"arm64 adrp far", ARM64, Kind(elf.R_AARCH64_ADR_PREL_PG_HI21), 0x100000000, ErrOffsetOutOfRange},
		{"arm64 ldst32 unaligned", ARM64, Kind(elf.R_AARCH64_LDST32_ABS_LO12_NC), 0x1002, ErrMisalignedTarget},
		{"arm64 ldst64 unaligned", ARM64, Kind(elf.R_AARCH64_LDST64_ABS_LO12_NC), 0x4, ErrMisalignedTarget},
		{"riscv branch far", RISCV64, Kind(elf.R_RISCV_BRANCH), 4096, ErrOffsetOutOfRange},
		{"riscv jal odd", RISCV64, Kind(elf.R_RISCV_JAL), 3, ErrMisalignedTarget},
		{"riscv hi20 far", RISCV64, Kind(elf.R_RISCV_HI20), 0x7ffff800, ErrOffsetOutOfRange},
		{"riscv call far", RISCV64, Kind(elf.R_RISCV_CALL), 0x100000000, ErrOffsetOutOfRange},
		{"ppc rel24 far", PowerPC, Kind(elf.R_PPC_REL24), 0x2000000, ErrOffsetOutOfRange},
		{"ppc rel24 odd", PowerPC, Kind(elf.R_PPC_REL24), 0x6, ErrMisalignedTarget},
		{"ia64 imm22 far", IA64, R_IA64_IMM22, 0x200000, ErrOffsetOutOfRange},
		{"ia64 pcrel21b odd", IA64, R_IA64_PCREL21B, 0x8, ErrMisalignedTarget},
		{"ia64 pcrel21b far", IA64, R_IA64_PCREL21B, 0x1000000, ErrOffsetOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := encode(t, tt.p, tt.kind, 0, nil, tt.value)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodePreservesOpcode(t *testing.T) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0x94000000) // bl
	_, _, _, err := encode(t, ARM64, Kind(elf.R_AARCH64_CALL26), 0, buf, 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x94000002), binary.LittleEndian.Uint32(buf))

	binary.LittleEndian.PutUint32(buf, 0x90000010) // adrp x16, 0
	_, _, _, err = encode(t, ARM64, Kind(elf.R_AARCH64_ADR_PREL_PG_HI21), 0, buf, 0x5000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xb0000030), binary.LittleEndian.Uint32(buf))

	binary.BigEndian.PutUint32(buf, 0x48000001) // bl
	_, _, _, err = encode(t, PowerPC, Kind(elf.R_PPC_REL24), 0, buf, 0x100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x48000101), binary.BigEndian.Uint32(buf))

	binary.LittleEndian.PutUint32(buf, 0x00050513) // addi a0, a0, 0
	_, _, _, err = encode(t, RISCV64, Kind(elf.R_RISCV_LO12_I), 0, buf, 0x7ff)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7ff50513), binary.LittleEndian.Uint32(buf))
}

func TestBundleSlotIsolation(t *testing.T) {
	for slot := 0; slot < 3; slot++ {
		bundle := make([]byte, bundleSize)
		for i := range bundle {
			bundle[i] = 0xff
		}
		before := [3]uint64{bundleSlot(bundle, 0), bundleSlot(bundle, 1), bundleSlot(bundle, 2)}
		template := bundle[0] & 0x1f

		_, _, _, err := encode(t, IA64, R_IA64_IMM22, uint64(slot), bundle, 0)
		require.NoError(t, err)

		assert.Equal(t, template, bundle[0]&0x1f, "template")
		for other := 0; other < 3; other++ {
			if other == slot {
				continue
			}
			assert.Equal(t, before[other], bundleSlot(bundle, other), "slot %d after patching slot %d", other, slot)
		}
		// Bits outside the immediate fields survive.
		assert.Equal(t, field(before[slot], 0, 13), field(bundleSlot(bundle, slot), 0, 13))
		assert.Equal(t, field(before[slot], 20, 2), field(bundleSlot(bundle, slot), 20, 2))
		assert.Equal(t, field(before[slot], 37, 4), field(bundleSlot(bundle, slot), 37, 4))
	}
}

func TestBundleWindow(t *testing.T) {
	r, ok := IA64.Rule(R_IA64_PCREL21B)
	require.True(t, ok)
	start, size, slot := r.Window(0x32)
	assert.Equal(t, uint64(0x30), start)
	assert.Equal(t, bundleSize, size)
	assert.Equal(t, 2, slot)
}

func TestTrampolines(t *testing.T) {
	for _, p := range []*Profile{ARM64, PowerPC} {
		t.Run(p.Name, func(t *testing.T) {
			require.NotNil(t, p.Trampoline)
			stub := make([]byte, p.Trampoline.Size)
			p.Trampoline.Write(p.ByteOrder(), stub, 0x12345678)
			assert.Equal(t, uint64(0x12345678), p.Trampoline.Target(p.ByteOrder(), stub))
		})
	}

	stub := make([]byte, 16)
	PowerPC.Trampoline.Write(binary.BigEndian, stub, 0xdeadbeef)
	assert.Equal(t, uint32(0x3d80dead), binary.BigEndian.Uint32(stub[0:]))
	assert.Equal(t, uint32(0x618cbeef), binary.BigEndian.Uint32(stub[4:]))
	assert.Equal(t, uint32(0x7d8903a6), binary.BigEndian.Uint32(stub[8:]))
	assert.Equal(t, uint32(0x4e800420), binary.BigEndian.Uint32(stub[12:]))

	ARM64.Trampoline.Write(binary.LittleEndian, stub, 0xffff800012345678)
	assert.Equal(t, uint32(0x58000050), binary.LittleEndian.Uint32(stub[0:]))
	assert.Equal(t, uint32(0xd61f0200), binary.LittleEndian.Uint32(stub[4:]))
	assert.Equal(t, uint64(0xffff800012345678), binary.LittleEndian.Uint64(stub[8:]))

	assert.Nil(t, X86_64.Trampoline)
	assert.Nil(t, RISCV64.Trampoline)
	assert.Nil(t, IA64.Trampoline)
}

func TestSpan(t *testing.T) {
	r, _ := PowerPC.Rule(Kind(elf.R_PPC_REL24))
	lo, hi := r.Span(0x10000000)
	assert.Equal(t, uint64(0x0e000000), lo)
	assert.Equal(t, uint64(0x11fffffc), hi)

	lo, _ = r.Span(0x100)
	assert.Equal(t, uint64(0), lo, "clamped at zero")

	assert.True(t, r.Reach(0x1fffffc))
	assert.False(t, r.Reach(0x2000000))
	assert.False(t, r.Reach(0x2))
}

func TestShortSets(t *testing.T) {
	for _, p := range Profiles() {
		t.Run(p.Name, func(t *testing.T) {
			for k := range p.Short {
				assert.True(t, p.Allowed.Has(k), "short kind %s not allowed", p.KindName(k))
			}
			if p != I386 {
				assert.Less(t, len(p.Short), len(p.Allowed))
			}
		})
	}
	assert.False(t, X86_64.Short.Has(Kind(elf.R_X86_64_PC64)))
	assert.False(t, ARM64.Short.Has(Kind(elf.R_AARCH64_ABS32)))
	assert.False(t, IA64.Short.Has(R_IA64_IMM22))
}

func TestLookup(t *testing.T) {
	names := []string{}
	for _, p := range Profiles() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"arm64", "i386", "ia64", "powerpc", "riscv64", "x86_64"}, names)

	p, err := Lookup("powerpc")
	require.NoError(t, err)
	assert.Same(t, PowerPC, p)
	assert.Equal(t, elf.ELFCLASS32, p.Class())
	assert.Equal(t, uint64(1)<<32, p.AddressLimit())

	_, err = Lookup("mips")
	assert.ErrorIs(t, err, ErrUnknownArch)

	p, err = ForMachine(elf.EM_X86_64, elf.ELFCLASS64)
	require.NoError(t, err)
	assert.Same(t, X86_64, p)

	_, err = ForMachine(elf.EM_X86_64, elf.ELFCLASS32)
	assert.ErrorIs(t, err, ErrUnknownArch)

	assert.Equal(t, "x86_64 reloc 999", X86_64.KindName(999))
	assert.Equal(t, "R_X86_64_PLT32", X86_64.KindName(Kind(elf.R_X86_64_PLT32)))
}
