package loader

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sliverarmory/bootmod/arch"
	"github.com/sliverarmory/bootmod/module"
)

// Source supplies module images and their detached signatures by name.
type Source interface {
	ReadModule(name string) ([]byte, error)
	ReadSignature(name string) ([]byte, error)
}

// DirSource reads <Dir>/<name>.mod and <Dir>/<name>.mod.sig.
type DirSource struct {
	Dir string
}

func (s DirSource) ModulePath(name string) string {
	return filepath.Join(s.Dir, name+".mod")
}

func (s DirSource) ReadModule(name string) ([]byte, error) {
	data, err := os.ReadFile(s.ModulePath(name))
	if err != nil {
		return nil, fmt.Errorf("read module %s: %w", name, err)
	}
	return data, nil
}

func (s DirSource) ReadSignature(name string) ([]byte, error) {
	data, err := os.ReadFile(s.ModulePath(name) + ".sig")
	if err != nil {
		return nil, fmt.Errorf("read signature of %s: %w", name, err)
	}
	return data, nil
}

// MapSource serves modules from memory.
type MapSource struct {
	Modules    map[string][]byte
	Signatures map[string][]byte
}

func (s MapSource) ReadModule(name string) ([]byte, error) {
	data, ok := s.Modules[name]
	if !ok {
		return nil, fmt.Errorf("read module %s: %w", name, os.ErrNotExist)
	}
	return data, nil
}

func (s MapSource) ReadSignature(name string) ([]byte, error) {
	data, ok := s.Signatures[name]
	if !ok {
		return nil, fmt.Errorf("read signature of %s: %w", name, os.ErrNotExist)
	}
	return data, nil
}

// imageDatabase answers dependency queries from the .moddeps metadata of the
// images a Source holds. A module the source cannot read is unknown.
type imageDatabase struct {
	source  Source
	profile *arch.Profile
	cache   map[string][]string
}

func newImageDatabase(source Source, p *arch.Profile) *imageDatabase {
	return &imageDatabase{source: source, profile: p, cache: map[string][]string{}}
}

func (db *imageDatabase) Dependencies(name string) ([]string, bool) {
	if deps, ok := db.cache[name]; ok {
		return deps, true
	}
	data, err := db.source.ReadModule(name)
	if err != nil {
		return nil, false
	}
	var deps []string
	if image, err := module.Parse(data, db.profile); err == nil {
		deps = image.Deps
	}
	db.cache[name] = deps
	return deps, true
}
