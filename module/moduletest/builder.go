// Package moduletest builds ELF relocatable objects in memory for tests.
package moduletest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/sliverarmory/bootmod/arch"
)

// Sym is a handle to a symbol added to a Builder. Final symbol table indices
// are assigned when the object is written, locals first.
type Sym int

type section struct {
	name  string
	typ   elf.SectionType
	flags elf.SectionFlag
	data  []byte
	size  uint64
	align uint64
}

type symbol struct {
	name    string
	bind    elf.SymBind
	typ     elf.SymType
	section elf.SectionIndex
	value   uint64
	size    uint64
}

type reloc struct {
	offset uint64
	kind   arch.Kind
	sym    Sym
	addend int64
}

// Builder accumulates sections, symbols and relocations and writes them as
// an ET_REL object for its profile.
type Builder struct {
	Profile *arch.Profile
	// Machine and Type default to the profile machine and ET_REL.
	Machine elf.Machine
	Type    elf.Type

	sections []section
	symbols  []symbol
	relocs   map[int][]reloc
}

func New(p *arch.Profile) *Builder {
	return &Builder{
		Profile: p,
		Machine: p.Machine,
		Type:    elf.ET_REL,
		relocs:  map[int][]reloc{},
	}
}

// Section adds a section and returns its ELF section index.
func (b *Builder) Section(name string, typ elf.SectionType, flags elf.SectionFlag, data []byte, align uint64) int {
	b.sections = append(b.sections, section{
		name:  name,
		typ:   typ,
		flags: flags,
		data:  append([]byte(nil), data...),
		size:  uint64(len(data)),
		align: align,
	})
	return len(b.sections)
}

// Text adds an executable .text section.
func (b *Builder) Text(data []byte) int {
	return b.Section(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, data, 16)
}

// Data adds a writable .data section.
func (b *Builder) Data(data []byte) int {
	return b.Section(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, data, 8)
}

// BSS adds a zero-filled .bss section of size bytes.
func (b *Builder) BSS(size uint64) int {
	b.sections = append(b.sections, section{
		name:  ".bss",
		typ:   elf.SHT_NOBITS,
		flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		size:  size,
		align: 8,
	})
	return len(b.sections)
}

// ModName adds a .modname section.
func (b *Builder) ModName(name string) int {
	return b.Section(".modname", elf.SHT_PROGBITS, 0, append([]byte(name), 0), 1)
}

// ModDeps adds a .moddeps section listing deps.
func (b *Builder) ModDeps(deps ...string) int {
	var buf bytes.Buffer
	for _, d := range deps {
		buf.WriteString(d)
		buf.WriteByte(0)
	}
	return b.Section(".moddeps", elf.SHT_PROGBITS, 0, buf.Bytes(), 1)
}

func (b *Builder) addSymbol(s symbol) Sym {
	b.symbols = append(b.symbols, s)
	return Sym(len(b.symbols) - 1)
}

// Func defines a global function symbol.
func (b *Builder) Func(name string, sec int, value uint64) Sym {
	return b.addSymbol(symbol{name: name, bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, section: elf.SectionIndex(sec), value: value})
}

// Object defines a global data symbol.
func (b *Builder) Object(name string, sec int, value, size uint64) Sym {
	return b.addSymbol(symbol{name: name, bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT, section: elf.SectionIndex(sec), value: value, size: size})
}

// Local defines a local symbol.
func (b *Builder) Local(name string, sec int, value uint64) Sym {
	return b.addSymbol(symbol{name: name, bind: elf.STB_LOCAL, typ: elf.STT_NOTYPE, section: elf.SectionIndex(sec), value: value})
}

// SectionSym adds the STT_SECTION symbol of sec.
func (b *Builder) SectionSym(sec int) Sym {
	return b.addSymbol(symbol{bind: elf.STB_LOCAL, typ: elf.STT_SECTION, section: elf.SectionIndex(sec)})
}

// Abs defines an absolute global symbol.
func (b *Builder) Abs(name string, value uint64) Sym {
	return b.addSymbol(symbol{name: name, bind: elf.STB_GLOBAL, section: elf.SHN_ABS, value: value})
}

// Common adds an SHN_COMMON symbol.
func (b *Builder) Common(name string, size uint64) Sym {
	return b.addSymbol(symbol{name: name, bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT, section: elf.SHN_COMMON, value: 8, size: size})
}

// Undefined references an external symbol.
func (b *Builder) Undefined(name string) Sym {
	return b.addSymbol(symbol{name: name, bind: elf.STB_GLOBAL, section: elf.SHN_UNDEF})
}

// Weak references an external symbol that may stay unresolved.
func (b *Builder) Weak(name string) Sym {
	return b.addSymbol(symbol{name: name, bind: elf.STB_WEAK, section: elf.SHN_UNDEF})
}

// Reloc adds a relocation against sec. REL profiles store the addend in the
// section contents.
func (b *Builder) Reloc(sec int, offset uint64, kind arch.Kind, sym Sym, addend int64) {
	b.relocs[sec] = append(b.relocs[sec], reloc{offset: offset, kind: kind, sym: sym, addend: addend})
}

// Bytes writes the object. It panics on inputs it cannot express, which are
// test bugs.
func (b *Builder) Bytes() []byte {
	p := b.Profile
	order := p.ByteOrder()
	is64 := p.PointerWidth == 8

	// locals first, then globals
	symIndex := make([]uint32, len(b.symbols))
	next := uint32(1)
	for pass := 0; pass < 2; pass++ {
		for i, s := range b.symbols {
			if (s.bind == elf.STB_LOCAL) == (pass == 0) {
				symIndex[i] = next
				next++
			}
		}
	}
	firstGlobal := uint32(1)
	for _, s := range b.symbols {
		if s.bind == elf.STB_LOCAL {
			firstGlobal++
		}
	}

	sections := make([]section, len(b.sections))
	copy(sections, b.sections)
	for i := range sections {
		sections[i].data = append([]byte(nil), b.sections[i].data...)
	}

	shstr := newStringTable()
	str := newStringTable()

	type header struct {
		section
		nameOff uint32
		link    uint32
		info    uint32
		entsize uint64
	}
	headers := []header{{}}
	for _, s := range sections {
		headers = append(headers, header{section: s, nameOff: shstr.add(s.name)})
	}

	nsections := len(sections)
	symtabIndex := uint32(nsections + 1 + len(b.relocs))
	strtabIndex := symtabIndex + 1
	shstrtabIndex := strtabIndex + 1

	for sec := 1; sec <= nsections; sec++ {
		entries, ok := b.relocs[sec]
		if !ok {
			continue
		}
		var buf bytes.Buffer
		for _, r := range entries {
			sym := symIndex[r.sym]
			if rule, ok := p.Rule(r.kind); !p.Rela && (!ok || rule.Form != arch.FormNone) {
				if !ok {
					panic(fmt.Sprintf("moduletest: REL addend for %s", p.KindName(r.kind)))
				}
				start, size, slot := rule.Window(r.offset)
				w := headers[sec].data[start : start+uint64(size)]
				if err := rule.Encode(order, w, slot, uint64(r.addend)); err != nil {
					panic(err)
				}
			}
			switch {
			case is64 && p.Rela:
				write(&buf, order, elf.Rela64{Off: r.offset, Info: elf.R_INFO(sym, uint32(r.kind)), Addend: r.addend})
			case is64:
				write(&buf, order, elf.Rel64{Off: r.offset, Info: elf.R_INFO(sym, uint32(r.kind))})
			case p.Rela:
				write(&buf, order, elf.Rela32{Off: uint32(r.offset), Info: elf.R_INFO32(sym, uint32(r.kind)), Addend: int32(r.addend)})
			default:
				write(&buf, order, elf.Rel32{Off: uint32(r.offset), Info: elf.R_INFO32(sym, uint32(r.kind))})
			}
		}
		typ, name, entsize := elf.SHT_REL, ".rel", relSize(is64, false)
		if p.Rela {
			typ, name, entsize = elf.SHT_RELA, ".rela", relSize(is64, true)
		}
		headers = append(headers, header{
			section: section{name: name + sections[sec-1].name, typ: typ, flags: elf.SHF_INFO_LINK, data: buf.Bytes(), align: uint64(p.PointerWidth)},
			nameOff: shstr.add(name + sections[sec-1].name),
			link:    symtabIndex,
			info:    uint32(sec),
			entsize: entsize,
		})
	}

	var symtab bytes.Buffer
	ordered := make([]symbol, len(b.symbols)+1)
	for i, s := range b.symbols {
		ordered[symIndex[i]] = s
	}
	for _, s := range ordered {
		nameOff := uint32(0)
		if s.name != "" {
			nameOff = str.add(s.name)
		}
		info := elf.ST_INFO(s.bind, s.typ)
		if is64 {
			write(&symtab, order, elf.Sym64{Name: nameOff, Info: info, Shndx: uint16(s.section), Value: s.value, Size: s.size})
		} else {
			write(&symtab, order, elf.Sym32{Name: nameOff, Info: info, Shndx: uint16(s.section), Value: uint32(s.value), Size: uint32(s.size)})
		}
	}
	symEnt := uint64(elf.Sym32Size)
	if is64 {
		symEnt = elf.Sym64Size
	}
	headers = append(headers,
		header{section: section{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab.Bytes(), align: uint64(p.PointerWidth)}, nameOff: shstr.add(".symtab"), link: strtabIndex, info: firstGlobal, entsize: symEnt},
		header{section: section{name: ".strtab", typ: elf.SHT_STRTAB, data: str.bytes(), align: 1}, nameOff: shstr.add(".strtab")},
	)
	shstrName := shstr.add(".shstrtab")
	headers = append(headers, header{section: section{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstr.bytes(), align: 1}, nameOff: shstrName})

	ehsize := 52
	if is64 {
		ehsize = 64
	}
	var body bytes.Buffer
	body.Write(make([]byte, ehsize))
	offsets := make([]uint64, len(headers))
	for i := 1; i < len(headers); i++ {
		h := headers[i]
		if h.typ == elf.SHT_NOBITS {
			offsets[i] = uint64(body.Len())
			continue
		}
		pad(&body, h.align)
		offsets[i] = uint64(body.Len())
		body.Write(h.data)
	}
	pad(&body, 8)
	shoff := uint64(body.Len())

	for i, h := range headers {
		size := uint64(len(h.data))
		if h.typ == elf.SHT_NOBITS {
			size = h.size
		}
		if i == 0 {
			size = 0
		}
		if is64 {
			write(&body, order, elf.Section64{
				Name: h.nameOff, Type: uint32(h.typ), Flags: uint64(h.flags), Off: offsets[i], Size: size,
				Link: h.link, Info: h.info, Addralign: h.align, Entsize: h.entsize,
			})
		} else {
			write(&body, order, elf.Section32{
				Name: h.nameOff, Type: uint32(h.typ), Flags: uint32(h.flags), Off: uint32(offsets[i]), Size: uint32(size),
				Link: h.link, Info: h.info, Addralign: uint32(h.align), Entsize: uint32(h.entsize),
			})
		}
	}

	out := body.Bytes()
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(p.Class())
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	if p.BigEndian {
		ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	}
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var hdr bytes.Buffer
	if is64 {
		write(&hdr, order, elf.Header64{
			Ident: ident, Type: uint16(b.Type), Machine: uint16(b.Machine), Version: uint32(elf.EV_CURRENT),
			Shoff: shoff, Ehsize: uint16(ehsize), Shentsize: 64, Shnum: uint16(len(headers)), Shstrndx: uint16(shstrtabIndex),
		})
	} else {
		write(&hdr, order, elf.Header32{
			Ident: ident, Type: uint16(b.Type), Machine: uint16(b.Machine), Version: uint32(elf.EV_CURRENT),
			Shoff: uint32(shoff), Ehsize: uint16(ehsize), Shentsize: 40, Shnum: uint16(len(headers)), Shstrndx: uint16(shstrtabIndex),
		})
	}
	copy(out, hdr.Bytes())
	return out
}

func relSize(is64, rela bool) uint64 {
	switch {
	case is64 && rela:
		return 24
	case is64:
		return 16
	case rela:
		return 12
	default:
		return 8
	}
}

func write(buf *bytes.Buffer, order binary.ByteOrder, v any) {
	if err := binary.Write(buf, order, v); err != nil {
		panic(err)
	}
}

func pad(buf *bytes.Buffer, align uint64) {
	if align == 0 {
		return
	}
	for uint64(buf.Len())%align != 0 {
		buf.WriteByte(0)
	}
}

type stringTable struct {
	buf     bytes.Buffer
	offsets map[string]uint32
}

func newStringTable() *stringTable {
	t := &stringTable{offsets: map[string]uint32{}}
	t.buf.WriteByte(0)
	return t
}

func (t *stringTable) add(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := t.offsets[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.offsets[s] = off
	return off
}

func (t *stringTable) bytes() []byte {
	return t.buf.Bytes()
}
