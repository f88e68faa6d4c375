// Package depend computes module load orders from a dependency database.
package depend

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

var (
	ErrUnknownModule     = errors.New("unknown module")
	ErrDependencyCycle   = errors.New("dependency cycle")
	ErrMalformedDatabase = errors.New("malformed dependency database")
)

// Database maps module names to their direct dependencies.
type Database interface {
	Dependencies(name string) ([]string, bool)
}

// UnknownModuleError names a module missing from the database and, when it
// was reached through a dependency, the module that required it.
type UnknownModuleError struct {
	Name       string
	RequiredBy string
}

func (e *UnknownModuleError) Error() string {
	if e.RequiredBy != "" {
		return fmt.Sprintf("%s: %s (required by %s)", ErrUnknownModule, e.Name, e.RequiredBy)
	}
	return fmt.Sprintf("%s: %s", ErrUnknownModule, e.Name)
}

func (e *UnknownModuleError) Unwrap() error {
	return ErrUnknownModule
}

// CycleError lists the modules on a dependency cycle, starting and ending
// with the module the cycle was entered through.
type CycleError struct {
	Names []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDependencyCycle, strings.Join(e.Names, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrDependencyCycle
}

// DB is an in-memory Database. Insertion order of names is kept.
type DB struct {
	deps  map[string][]string
	names []string
}

func NewDB() *DB {
	return &DB{deps: map[string][]string{}}
}

// Add records name and appends deps to its dependency list, skipping
// duplicates.
func (db *DB) Add(name string, deps ...string) {
	existing, ok := db.deps[name]
	if !ok {
		db.names = append(db.names, name)
	}
	for _, d := range deps {
		if !slices.Contains(existing, d) {
			existing = append(existing, d)
		}
	}
	db.deps[name] = existing
}

func (db *DB) Dependencies(name string) ([]string, bool) {
	deps, ok := db.deps[name]
	return deps, ok
}

// Names returns every module in insertion order.
func (db *DB) Names() []string {
	return append([]string(nil), db.names...)
}

// ParseModDep reads a moddep.lst style database: one "name: dep dep ..."
// line per module. Blank lines and '#' comments are ignored; repeated names
// merge their dependency lists.
func ParseModDep(r io.Reader) (*DB, error) {
	db := NewDB()
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		name, rest, ok := strings.Cut(text, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("%w: line %d: %q", ErrMalformedDatabase, line, scanner.Text())
		}
		db.Add(name, strings.Fields(rest)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dependency database: %w", err)
	}
	return db, nil
}

const (
	unvisited = iota
	visiting
	done
)

// Resolve returns requested and their transitive dependencies ordered so
// that every module follows all of its dependencies. Ties are broken by
// request order, then by dependency list order, so the result is stable for
// a given database.
func Resolve(requested []string, db Database) ([]string, error) {
	state := map[string]int{}
	var order, stack []string

	var visit func(name, requiredBy string) error
	visit = func(name, requiredBy string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), stack[start:]...), name)
			return &CycleError{Names: cycle}
		}

		deps, ok := db.Dependencies(name)
		if !ok {
			return &UnknownModuleError{Name: name, RequiredBy: requiredBy}
		}
		state[name] = visiting
		stack = append(stack, name)
		for _, d := range deps {
			if err := visit(d, name); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range requested {
		if err := visit(name, ""); err != nil {
			return nil, err
		}
	}
	return order, nil
}
