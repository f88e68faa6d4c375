// Package arch describes, per target architecture, which relocation kinds a
// module may carry and how each kind is encoded into instruction and data
// words.
package arch

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sort"
)

var (
	ErrUnsupportedRelocationKind = errors.New("unsupported relocation kind")
	ErrOffsetOutOfRange          = errors.New("relocation value out of range")
	ErrMisalignedTarget          = errors.New("misaligned relocation target")
	ErrUnknownArch               = errors.New("unknown architecture")
)

// Kind is the raw relocation type number of the architecture's ELF ABI.
type Kind uint32

// KindSet is an immutable set of relocation kinds.
type KindSet map[Kind]struct{}

func newKindSet(kinds ...Kind) KindSet {
	set := make(KindSet, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}

// Has reports whether k is a member of the set.
func (s KindSet) Has(k Kind) bool {
	_, ok := s[k]
	return ok
}

// Sorted returns the members in ascending order.
func (s KindSet) Sorted() []Kind {
	out := make([]Kind, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Trampoline describes the fixed-size stub an architecture uses to reach
// branch targets outside the direct displacement range.
type Trampoline struct {
	Size int
	// Write encodes a jump to target into dst, which is exactly Size bytes.
	Write func(order binary.ByteOrder, dst []byte, target uint64)
	// Target decodes the absolute jump target from an encoded stub.
	Target func(order binary.ByteOrder, src []byte) uint64
}

// Profile is the static relocation model of one target architecture.
type Profile struct {
	Name         string
	Machine      elf.Machine
	PointerWidth int
	BigEndian    bool
	// Rela is set when the ABI carries explicit addends. REL images keep the
	// addend in the patched word.
	Rela bool
	// PCBias is added to the address of the patched location to obtain the
	// PC value PC-relative kinds are computed against.
	PCBias uint64

	// Allowed holds every kind the object format can express and the engine
	// can apply. Short is the subset accepted under the secure posture.
	Allowed KindSet
	Short   KindSet

	Trampoline *Trampoline

	rules map[Kind]*Rule
}

// ByteOrder returns the data byte order of the architecture.
func (p *Profile) ByteOrder() binary.ByteOrder {
	if p.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Class returns the ELF class images for this architecture use.
func (p *Profile) Class() elf.Class {
	if p.PointerWidth == 8 {
		return elf.ELFCLASS64
	}
	return elf.ELFCLASS32
}

// Rule returns the encoding rule for kind.
func (p *Profile) Rule(k Kind) (*Rule, bool) {
	r, ok := p.rules[k]
	return r, ok
}

// KindName returns a printable name for kind, including kinds the profile
// does not support.
func (p *Profile) KindName(k Kind) string {
	if r, ok := p.rules[k]; ok {
		return r.Name
	}
	return fmt.Sprintf("%s reloc %d", p.Name, uint32(k))
}

// AddressLimit returns one past the highest address the architecture can
// hold in a pointer.
func (p *Profile) AddressLimit() uint64 {
	if p.PointerWidth == 8 {
		return 0
	}
	return 1 << (8 * p.PointerWidth)
}

func (p *Profile) String() string {
	return p.Name
}

func newProfile(p Profile, rules map[Kind]*Rule, short ...Kind) *Profile {
	p.rules = rules
	p.Allowed = make(KindSet, len(rules))
	for k := range rules {
		p.Allowed[k] = struct{}{}
	}
	p.Short = newKindSet(short...)
	for k := range p.Short {
		if !p.Allowed.Has(k) {
			panic(fmt.Sprintf("arch %s: short kind %d is not an allowed kind", p.Name, k))
		}
	}
	return &p
}

var profiles = map[string]*Profile{}

func register(p *Profile) *Profile {
	profiles[p.Name] = p
	return p
}

// Lookup returns the profile registered under name.
func Lookup(name string) (*Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArch, name)
	}
	return p, nil
}

// ForMachine returns the profile matching an ELF machine and class.
func ForMachine(machine elf.Machine, class elf.Class) (*Profile, error) {
	for _, p := range profiles {
		if p.Machine == machine && p.Class() == class {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s (%s)", ErrUnknownArch, machine, class)
}

// Profiles returns every registered profile sorted by name.
func Profiles() []*Profile {
	out := make([]*Profile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
