// Package module parses relocatable module images.
//
// An Image is an index over the caller's buffer: section contents are views
// into it and are patched in place when the image is relocated. Parse never
// returns a partially validated image.
package module

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/sliverarmory/bootmod/arch"
)

var ErrCorruptImage = errors.New("corrupt module image")

const (
	MaxSections    = 1 << 16
	MaxRelocations = 1 << 20

	InitSymbol = "grub_mod_init"
	FiniSymbol = "grub_mod_fini"

	nameSection = ".modname"
	depsSection = ".moddeps"
)

// Section is one section of the image. Index matches the ELF section index;
// section 0 is the null section.
type Section struct {
	Index     int
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Size      uint64
	Addralign uint64
	// LoadOffset is the section's offset inside the load block. Only
	// meaningful for Alloc sections.
	LoadOffset uint64
	// Data views the section contents in the image buffer. NOBITS sections
	// have none.
	Data []byte
}

// Alloc reports whether the section occupies memory at run time.
func (s *Section) Alloc() bool {
	return s.Flags&elf.SHF_ALLOC != 0
}

// Symbol is an entry of the image symbol table. Index 0 is the null symbol.
type Symbol struct {
	Index   int
	Name    string
	Bind    elf.SymBind
	Type    elf.SymType
	Section elf.SectionIndex
	Value   uint64
	Size    uint64
}

// Defined reports whether the symbol is provided by the image itself.
func (s *Symbol) Defined() bool {
	return s.Section != elf.SHN_UNDEF
}

// Weak reports whether an undefined reference may stay unresolved.
func (s *Symbol) Weak() bool {
	return s.Bind == elf.STB_WEAK
}

// Relocation is one patch instruction. Offset is relative to the target
// section. Rule is nil when the profile cannot express Kind.
type Relocation struct {
	Section int
	Offset  uint64
	Kind    arch.Kind
	Symbol  int
	Addend  int64
	Rule    *arch.Rule
}

type Image struct {
	Profile     *arch.Profile
	Name        string
	Deps        []string
	Sections    []Section
	Symbols     []Symbol
	Relocations []Relocation
	// LoadSize and LoadAlign describe the block the alloc sections are laid
	// out into.
	LoadSize  uint64
	LoadAlign uint64

	raw     []byte
	globals map[string]int
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptImage, fmt.Sprintf(format, args...))
}

// Detect returns the profile matching the image's machine and class.
func Detect(data []byte) (*arch.Profile, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ELF image: %v", ErrCorruptImage, err)
	}
	defer f.Close()
	return arch.ForMachine(f.Machine, f.Class)
}

// Parse validates data as a relocatable module for p. The image takes
// ownership of data.
func Parse(data []byte, p *arch.Profile) (*Image, error) {
	if len(data) == 0 {
		return nil, corrupt("empty image")
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ELF image: %v", ErrCorruptImage, err)
	}
	defer f.Close()

	if f.Class != p.Class() {
		return nil, corrupt("class %s, expected %s", f.Class, p.Class())
	}
	if (f.ByteOrder == binary.BigEndian) != p.BigEndian {
		return nil, corrupt("byte order %s, expected %s", f.ByteOrder, p.ByteOrder())
	}
	if f.Machine != p.Machine {
		return nil, corrupt("foreign platform (provided: %s, expected: %s)", f.Machine, p.Machine)
	}
	if f.Type != elf.ET_REL {
		return nil, corrupt("unsupported ELF file type: %s", f.Type)
	}
	if len(f.Sections) > MaxSections {
		return nil, corrupt("%d sections exceeds limit %d", len(f.Sections), MaxSections)
	}

	image := &Image{Profile: p, raw: data, globals: map[string]int{}}
	if err := image.readSections(f); err != nil {
		return nil, err
	}
	if err := image.readSymbols(f); err != nil {
		return nil, err
	}
	if err := image.readRelocations(f); err != nil {
		return nil, err
	}
	image.readMetadata()
	return image, nil
}

func (image *Image) readSections(f *elf.File) error {
	image.Sections = make([]Section, len(f.Sections))
	var offset, maxAlign uint64 = 0, 1
	for i, s := range f.Sections {
		sec := Section{
			Index:     i,
			Name:      s.Name,
			Type:      s.Type,
			Flags:     s.Flags,
			Size:      s.Size,
			Addralign: s.Addralign,
		}
		if s.Type != elf.SHT_NOBITS && s.Type != elf.SHT_NULL {
			end := s.Offset + s.Size
			if end < s.Offset || end > uint64(len(image.raw)) {
				return corrupt("section %d (%s) [%#x, +%#x) outside image of %#x bytes", i, s.Name, s.Offset, s.Size, len(image.raw))
			}
			sec.Data = image.raw[s.Offset:end:end]
		}
		if sec.Alloc() {
			align := max(s.Addralign, 1)
			if bits.OnesCount64(align) != 1 {
				return corrupt("section %d (%s) alignment %d is not a power of two", i, s.Name, s.Addralign)
			}
			offset = alignUp(offset, align)
			sec.LoadOffset = offset
			next := offset + s.Size
			if next < offset {
				return corrupt("section %d (%s) size %#x overflows load block", i, s.Name, s.Size)
			}
			offset = next
			maxAlign = max(maxAlign, align)
		}
		image.Sections[i] = sec
	}
	image.LoadSize = offset
	image.LoadAlign = maxAlign
	return nil
}

func (image *Image) readSymbols(f *elf.File) error {
	syms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		image.Symbols = []Symbol{{}}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: symbol table: %v", ErrCorruptImage, err)
	}

	image.Symbols = make([]Symbol, len(syms)+1)
	for i, s := range syms {
		sym := Symbol{
			Index:   i + 1,
			Name:    s.Name,
			Bind:    elf.ST_BIND(s.Info),
			Type:    elf.ST_TYPE(s.Info),
			Section: s.Section,
			Value:   s.Value,
			Size:    s.Size,
		}
		switch {
		case s.Section == elf.SHN_UNDEF, s.Section == elf.SHN_ABS:
		case s.Section == elf.SHN_COMMON:
			return corrupt("common symbol %q is not supported", s.Name)
		case s.Section >= elf.SHN_LORESERVE:
			return corrupt("symbol %q in reserved section %#x", s.Name, uint16(s.Section))
		case int(s.Section) >= len(image.Sections):
			return corrupt("symbol %q in section %d of %d", s.Name, s.Section, len(image.Sections))
		default:
			sec := &image.Sections[s.Section]
			if s.Value > sec.Size {
				return corrupt("symbol %q value %#x outside section %s of %#x bytes", s.Name, s.Value, sec.Name, sec.Size)
			}
		}
		if sym.Defined() && sym.Bind != elf.STB_LOCAL && sym.Name != "" {
			image.globals[sym.Name] = sym.Index
		}
		image.Symbols[i+1] = sym
	}
	return nil
}

func (image *Image) readRelocations(f *elf.File) error {
	p := image.Profile
	order := p.ByteOrder()
	is64 := p.PointerWidth == 8
	total := 0

	for i, s := range f.Sections {
		if s.Type != elf.SHT_REL && s.Type != elf.SHT_RELA {
			continue
		}
		target := int(s.Info)
		if target <= 0 || target >= len(image.Sections) {
			return corrupt("relocation section %s targets section %d", s.Name, s.Info)
		}
		tsec := &image.Sections[target]
		if !tsec.Alloc() {
			continue
		}
		if tsec.Data == nil {
			return corrupt("relocation section %s targets %s without contents", s.Name, tsec.Name)
		}

		rela := s.Type == elf.SHT_RELA
		entsize := relocationSize(is64, rela)
		data := image.Sections[i].Data
		if uint64(len(data))%entsize != 0 {
			return corrupt("relocation section %s size %#x is not a multiple of %d", s.Name, len(data), entsize)
		}
		n := len(data) / int(entsize)
		total += n
		if total > MaxRelocations {
			return corrupt("more than %d relocations", MaxRelocations)
		}

		for j := 0; j < n; j++ {
			e := data[j*int(entsize):]
			var r Relocation
			if is64 {
				info := order.Uint64(e[8:])
				r.Offset = order.Uint64(e)
				r.Kind = arch.Kind(elf.R_TYPE64(info))
				r.Symbol = int(elf.R_SYM64(info))
				if rela {
					r.Addend = int64(order.Uint64(e[16:]))
				}
			} else {
				info := order.Uint32(e[4:])
				r.Offset = uint64(order.Uint32(e))
				r.Kind = arch.Kind(elf.R_TYPE32(info))
				r.Symbol = int(elf.R_SYM32(info))
				if rela {
					r.Addend = int64(int32(order.Uint32(e[8:])))
				}
			}
			r.Section = target

			if r.Symbol >= len(image.Symbols) {
				return corrupt("relocation %d in %s references symbol %d of %d", j, s.Name, r.Symbol, len(image.Symbols))
			}
			if r.Offset >= tsec.Size {
				return corrupt("relocation %d in %s at %#x outside %s of %#x bytes", j, s.Name, r.Offset, tsec.Name, tsec.Size)
			}
			if rule, ok := p.Rule(r.Kind); ok {
				r.Rule = rule
				if rule.Form != arch.FormNone {
					start, size, slot := rule.Window(r.Offset)
					if start+uint64(size) > tsec.Size {
						return corrupt("relocation %d in %s: %s at %#x overruns %s", j, s.Name, rule.Name, r.Offset, tsec.Name)
					}
					if !rela {
						v := rule.Decode(order, tsec.Data[start:start+uint64(size)], slot)
						if size <= 4 && !rule.Slot {
							v = uint64(int32(uint32(v)))
						}
						r.Addend = int64(v)
					}
				}
			}
			image.Relocations = append(image.Relocations, r)
		}
	}
	return nil
}

func (image *Image) readMetadata() {
	for _, s := range image.Sections {
		switch s.Name {
		case nameSection:
			image.Name = strings.TrimRight(string(s.Data), "\x00")
		case depsSection:
			for _, d := range strings.Split(string(s.Data), "\x00") {
				if d != "" {
					image.Deps = append(image.Deps, d)
				}
			}
		}
	}
}

func relocationSize(is64, rela bool) uint64 {
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

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Bytes returns the image buffer.
func (image *Image) Bytes() []byte {
	return image.raw
}

// Lookup returns the defined global symbol name.
func (image *Image) Lookup(name string) (*Symbol, bool) {
	i, ok := image.globals[name]
	if !ok {
		return nil, false
	}
	return &image.Symbols[i], true
}

// Entry returns the defined function symbol name, used for the init and fini
// entry points.
func (image *Image) Entry(name string) (*Symbol, bool) {
	sym, ok := image.Lookup(name)
	if !ok || sym.Section == elf.SHN_ABS {
		return nil, false
	}
	return sym, true
}

// SymbolName returns a printable name for the relocation's symbol, falling
// back to the section name for section symbols.
func (image *Image) SymbolName(r *Relocation) string {
	sym := &image.Symbols[r.Symbol]
	if sym.Name != "" {
		return sym.Name
	}
	if sym.Type == elf.STT_SECTION && int(sym.Section) < len(image.Sections) {
		return image.Sections[sym.Section].Name
	}
	return fmt.Sprintf("sym%d", r.Symbol)
}

// Undefined returns the undefined symbols referenced by relocations, in order
// of first reference.
func (image *Image) Undefined() []*Symbol {
	seen := map[int]bool{}
	var out []*Symbol
	for _, r := range image.Relocations {
		if r.Symbol == 0 || seen[r.Symbol] {
			continue
		}
		sym := &image.Symbols[r.Symbol]
		if sym.Defined() {
			continue
		}
		seen[r.Symbol] = true
		out = append(out, sym)
	}
	return out
}

// Address returns the load address of a defined symbol when the block is
// placed at base.
func (image *Image) Address(sym *Symbol, base uint64) uint64 {
	if sym.Section == elf.SHN_ABS {
		return sym.Value
	}
	return base + image.Sections[sym.Section].LoadOffset + sym.Value
}

// CopyTo lays the alloc sections out into dst, zero filling NOBITS sections
// and padding.
func (image *Image) CopyTo(dst []byte) error {
	if uint64(len(dst)) < image.LoadSize {
		return fmt.Errorf("load block of %#x bytes, need %#x", len(dst), image.LoadSize)
	}
	clear(dst[:image.LoadSize])
	for i := range image.Sections {
		s := &image.Sections[i]
		if !s.Alloc() || s.Data == nil {
			continue
		}
		copy(dst[s.LoadOffset:], s.Data)
	}
	return nil
}
