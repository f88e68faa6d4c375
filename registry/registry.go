// Package registry tracks loaded modules, their lifecycle state and the
// references other modules hold on them.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sliverarmory/bootmod/module"
	"github.com/sliverarmory/bootmod/namedlist"
)

var (
	ErrDuplicateName     = errors.New("duplicate module name")
	ErrModuleBusy        = errors.New("module busy")
	ErrNotFound          = errors.New("module not registered")
	ErrInvalidTransition = errors.New("invalid module state transition")
)

type State int

const (
	Unloaded State = iota
	Parsed
	Verified
	Relocated
	Running
	FiniRequested
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Parsed:
		return "parsed"
	case Verified:
		return "verified"
	case Relocated:
		return "relocated"
	case Running:
		return "running"
	case FiniRequested:
		return "fini-requested"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Hooks are the module's entry points. Either may be nil.
type Hooks struct {
	Init func(*Module) error
	Fini func(*Module) error
}

// Module is a registry entry. The registry owns it from Register until it
// is unregistered or discarded.
type Module struct {
	name string
	Deps []string
	// Image is released once the module is running.
	Image *module.Image

	Base  uint64
	Size  uint64
	Block []byte

	InitAddr    uint64
	FiniAddr    uint64
	Trampolines int
	Hooks       Hooks

	state State
	refs  int
	elem  *namedlist.Element[*Module]
}

func (m *Module) Name() string {
	return m.name
}

func (m *Module) State() State {
	return m.state
}

func (m *Module) RefCount() int {
	return m.refs
}

// Advance moves the module one step along its lifecycle. Modules that have
// not started may also fall back to Unloaded.
func (m *Module) Advance(to State) error {
	var ok bool
	switch to {
	case Unloaded:
		ok = m.state != Running
	case Parsed:
		ok = m.state == Unloaded
	default:
		ok = to == m.state+1
	}
	if !ok {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, m.name, m.state, to)
	}
	m.state = to
	return nil
}

// Registry is the ordered, name-unique set of modules of one boot session.
// No lock is held while a hook runs, so hooks may register and start further
// modules.
type Registry struct {
	mu      sync.Mutex
	modules namedlist.List[*Module]
}

func New() *Registry {
	return &Registry{}
}

// Register adds name in state Parsed.
func (registry *Registry) Register(name string, image *module.Image, hooks Hooks) (*Module, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, ok := registry.modules.Find(name); ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	m := &Module{name: name, Image: image, Hooks: hooks}
	if image != nil {
		m.Deps = image.Deps
	}
	if err := m.Advance(Parsed); err != nil {
		return nil, err
	}
	m.elem = registry.modules.PushFront(m)
	return m, nil
}

// Start runs the init hook of a relocated module and marks it running. A
// failing init hook unloads the module.
func (registry *Registry) Start(m *Module) error {
	registry.mu.Lock()
	if m.state != Relocated {
		registry.mu.Unlock()
		return fmt.Errorf("%w: start %s in state %s", ErrInvalidTransition, m.name, m.state)
	}
	registry.mu.Unlock()

	if m.Hooks.Init != nil {
		if err := m.Hooks.Init(m); err != nil {
			registry.remove(m)
			return fmt.Errorf("init %s: %w", m.name, err)
		}
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	m.Image = nil
	return m.Advance(Running)
}

// Discard drops a module that never started.
func (registry *Registry) Discard(m *Module) error {
	if m.state == Running || m.state == FiniRequested {
		return fmt.Errorf("%w: discard %s in state %s", ErrInvalidTransition, m.name, m.state)
	}
	registry.remove(m)
	return nil
}

func (registry *Registry) remove(m *Module) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.modules.Remove(m.elem)
	m.state = Unloaded
}

// Unregister runs the fini hook of a running module and removes it. A module
// other modules still reference is left running and ErrModuleBusy returned.
// A failing fini hook does not keep the module registered; its error is
// returned with the module.
func (registry *Registry) Unregister(name string) (*Module, error) {
	registry.mu.Lock()
	e, ok := registry.modules.Find(name)
	if !ok {
		registry.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	m := e.Value()
	if m.state != Running {
		registry.mu.Unlock()
		return nil, fmt.Errorf("%w: unregister %s in state %s", ErrInvalidTransition, name, m.state)
	}
	if m.refs > 0 {
		registry.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has %d references", ErrModuleBusy, name, m.refs)
	}
	m.state = FiniRequested
	registry.mu.Unlock()

	var err error
	if m.Hooks.Fini != nil {
		if ferr := m.Hooks.Fini(m); ferr != nil {
			err = fmt.Errorf("fini %s: %w", name, ferr)
		}
	}
	registry.remove(m)
	return m, err
}

// Find looks name up without changing anything.
func (registry *Registry) Find(name string) (*Module, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	e, ok := registry.modules.Find(name)
	if !ok {
		return nil, false
	}
	return e.Value(), true
}

// Ref records a reference on a running module.
func (registry *Registry) Ref(name string) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	e, ok := registry.modules.Find(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	m := e.Value()
	if m.state != Running {
		return fmt.Errorf("%w: reference %s in state %s", ErrInvalidTransition, name, m.state)
	}
	m.refs++
	return nil
}

// Unref drops a reference.
func (registry *Registry) Unref(name string) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	e, ok := registry.modules.Find(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	m := e.Value()
	if m.refs == 0 {
		return fmt.Errorf("unref %s: no references held", name)
	}
	m.refs--
	return nil
}

// Modules returns every registered module, newest first.
func (registry *Registry) Modules() []*Module {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	out := make([]*Module, 0, registry.modules.Len())
	for m := range registry.modules.All() {
		out = append(out, m)
	}
	return out
}

func (registry *Registry) Len() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.modules.Len()
}
