// Package verify gates module images against a relocation and symbol policy
// before they are relocated.
package verify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sliverarmory/bootmod/arch"
	"github.com/sliverarmory/bootmod/module"
)

var ErrUnwhitelistedSymbol = errors.New("unwhitelisted symbol")

// Policy selects the verification posture.
type Policy struct {
	// Secure restricts relocations to the profile's short set and enforces
	// the whitelist. Otherwise every kind the architecture can express is
	// accepted and the whitelist is ignored.
	Secure bool
	// Whitelist lists the external symbols a module may reference. An empty
	// whitelist admits every symbol.
	Whitelist []string
}

// KindError reports a relocation whose kind the policy does not permit.
type KindError struct {
	Kind    arch.Kind
	Name    string
	Section string
	Offset  uint64
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %s at %s+%#x", arch.ErrUnsupportedRelocationKind, e.Name, e.Section, e.Offset)
}

func (e *KindError) Unwrap() error {
	return arch.ErrUnsupportedRelocationKind
}

// SymbolError reports an external symbol missing from the whitelist.
type SymbolError struct {
	Name string
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnwhitelistedSymbol, e.Name)
}

func (e *SymbolError) Unwrap() error {
	return ErrUnwhitelistedSymbol
}

// Report accumulates every violation found in an image.
type Report struct {
	Kinds   []*KindError
	Symbols []*SymbolError
}

func (r *Report) Error() string {
	errs := r.Unwrap()
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%d policy violations: %s", len(errs), strings.Join(parts, "; "))
}

// Unwrap exposes each violation to errors.Is and errors.As.
func (r *Report) Unwrap() []error {
	errs := make([]error, 0, len(r.Kinds)+len(r.Symbols))
	for _, e := range r.Kinds {
		errs = append(errs, e)
	}
	for _, e := range r.Symbols {
		errs = append(errs, e)
	}
	return errs
}

// Verify checks image against p and policy. Both passes run to completion;
// a non-nil result is a *Report.
func Verify(image *module.Image, p *arch.Profile, policy Policy) error {
	report := &Report{}

	permitted := p.Allowed
	if policy.Secure {
		permitted = p.Short
	}
	for i := range image.Relocations {
		r := &image.Relocations[i]
		if permitted.Has(r.Kind) {
			continue
		}
		report.Kinds = append(report.Kinds, &KindError{
			Kind:    r.Kind,
			Name:    p.KindName(r.Kind),
			Section: image.Sections[r.Section].Name,
			Offset:  r.Offset,
		})
	}

	if policy.Secure && len(policy.Whitelist) > 0 {
		allowed := make(map[string]struct{}, len(policy.Whitelist))
		for _, name := range policy.Whitelist {
			allowed[name] = struct{}{}
		}
		for _, sym := range image.Undefined() {
			if _, ok := allowed[sym.Name]; !ok {
				report.Symbols = append(report.Symbols, &SymbolError{Name: sym.Name})
			}
		}
	}

	if len(report.Kinds) == 0 && len(report.Symbols) == 0 {
		return nil
	}
	return report
}
