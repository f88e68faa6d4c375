// Package loader brings modules up and down: it checks signatures, resolves
// dependencies, parses, verifies and relocates each image into the load
// region, and runs its hooks through the registry.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sliverarmory/bootmod/arch"
	"github.com/sliverarmory/bootmod/command"
	"github.com/sliverarmory/bootmod/depend"
	"github.com/sliverarmory/bootmod/memory"
	"github.com/sliverarmory/bootmod/module"
	"github.com/sliverarmory/bootmod/registry"
	"github.com/sliverarmory/bootmod/reloc"
	"github.com/sliverarmory/bootmod/signature"
	"github.com/sliverarmory/bootmod/verify"
)

var (
	ErrSignature        = errors.New("module signature rejected")
	ErrBootRefused      = errors.New("boot refused")
	ErrDependencyFailed = errors.New("dependency failed to load")
)

// Platform is the firmware's power control. Neither call is expected to
// return on real hardware.
type Platform interface {
	Reboot()
	Halt()
}

// HookFactory builds the init and fini hooks of a module about to load.
type HookFactory func(l *Loader, name string) registry.Hooks

type Config struct {
	Profile *arch.Profile
	Policy  verify.Policy
	// Required modules refuse the boot when they fail under a secure policy.
	Required []string
	Symbols  reloc.SymbolTable
	Region   *memory.Region
	// ArenaSize bytes at the start of Region hold trampolines.
	ArenaSize uint64
	Source    Source
	// Database defaults to the .moddeps metadata of the images in Source.
	Database depend.Database
	Verifier signature.Verifier
}

type Option func(*Loader)

func WithLogger(log *zap.Logger) Option {
	return func(l *Loader) {
		l.log = log
	}
}

func WithHooks(hooks HookFactory) Option {
	return func(l *Loader) {
		l.hooks = hooks
	}
}

func WithPlatform(platform Platform) Option {
	return func(l *Loader) {
		l.platform = platform
	}
}

func WithCommands(table *command.Table) Option {
	return func(l *Loader) {
		l.commands = table
	}
}

// Loader owns one registry, its load region and trampoline arena. The secure
// policy is fixed at construction.
type Loader struct {
	cfg      Config
	log      *zap.Logger
	hooks    HookFactory
	platform Platform
	commands *command.Table
	registry *registry.Registry
	required map[string]bool

	// mu guards the region and arena. It is never held across a hook.
	mu         sync.Mutex
	arena      *reloc.Arena
	arenaBlock memory.Block
	refused    bool
}

func New(cfg Config, opts ...Option) (*Loader, error) {
	if cfg.Profile == nil {
		return nil, errors.New("loader: no architecture profile")
	}
	if cfg.Region == nil {
		return nil, errors.New("loader: no load region")
	}
	if cfg.Policy.Secure && cfg.Verifier == nil {
		return nil, errors.New("loader: secure policy requires a signature verifier")
	}
	if cfg.Symbols == nil {
		cfg.Symbols = reloc.Symbols{}
	}
	if cfg.Database == nil && cfg.Source != nil {
		cfg.Database = newImageDatabase(cfg.Source, cfg.Profile)
	}

	l := &Loader{
		cfg:      cfg,
		log:      zap.NewNop(),
		registry: registry.New(),
		commands: command.NewTable(),
		required: map[string]bool{},
	}
	for _, name := range cfg.Required {
		l.required[name] = true
	}
	for _, opt := range opts {
		opt(l)
	}

	if stub := cfg.Profile.Trampoline; stub != nil && cfg.ArenaSize > 0 {
		block, err := cfg.Region.Alloc(cfg.ArenaSize, uint64(stub.Size))
		if err != nil {
			return nil, fmt.Errorf("loader: reserve trampoline arena: %w", err)
		}
		arena, err := reloc.NewArena(cfg.Profile, block.Addr, block.Data)
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		l.arena = arena
		l.arenaBlock = block
		l.log.Debug("trampoline arena reserved", zap.String("base", hex(block.Addr)), zap.Int("slots", arena.Len()))
	}
	return l, nil
}

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

func (l *Loader) Registry() *registry.Registry {
	return l.registry
}

func (l *Loader) Commands() *command.Table {
	return l.commands
}

// Arena returns the trampoline arena, nil for architectures without one.
func (l *Loader) Arena() *reloc.Arena {
	return l.arena
}

func (l *Loader) Profile() *arch.Profile {
	return l.cfg.Profile
}

// Refused reports whether a required module failure has refused the boot.
func (l *Loader) Refused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refused
}

// Load resolves names and their dependencies and loads whatever is not
// running yet, in dependency order. A failure skips every module depending
// on the failed one; unrelated modules still load. All failures are returned
// joined.
func (l *Loader) Load(names ...string) error {
	if l.Refused() {
		return ErrBootRefused
	}
	if l.cfg.Source == nil {
		return errors.New("load: no module source")
	}
	order, err := depend.Resolve(names, l.cfg.Database)
	if err != nil {
		err = fmt.Errorf("resolve %s: %w", strings.Join(names, " "), err)
		for _, name := range names {
			if l.required[name] {
				return l.fail(name, err)
			}
		}
		return err
	}

	failed := map[string]bool{}
	var errs []error
	for _, name := range order {
		if _, ok := l.registry.Find(name); ok {
			l.log.Debug("module already loaded", zap.String("module", name))
			continue
		}
		deps, _ := l.cfg.Database.Dependencies(name)
		if i := slices.IndexFunc(deps, func(dep string) bool { return failed[dep] }); i >= 0 {
			failed[name] = true
			l.log.Warn("skipping module", zap.String("module", name), zap.String("dependency", deps[i]))
			errs = append(errs, l.fail(name, fmt.Errorf("load %s: %w: %s", name, ErrDependencyFailed, deps[i])))
			continue
		}
		if err := l.loadFromSource(name); err != nil {
			failed[name] = true
			errs = append(errs, l.fail(name, err))
		}
		if l.Refused() {
			break
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) loadFromSource(name string) error {
	data, err := l.cfg.Source.ReadModule(name)
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	var sig []byte
	if l.cfg.Policy.Secure {
		if sig, err = l.cfg.Source.ReadSignature(name); err != nil {
			return fmt.Errorf("load %s: %w: %w", name, ErrSignature, err)
		}
	}
	_, err = l.loadImage(name, data, sig)
	return err
}

// fail refuses the boot when a required module fails under a secure policy.
func (l *Loader) fail(name string, err error) error {
	if !l.cfg.Policy.Secure || !l.required[name] {
		l.log.Warn("module failed to load", zap.String("module", name), zap.Error(err))
		return err
	}
	l.mu.Lock()
	l.refused = true
	l.mu.Unlock()
	l.log.Error("required module failed, refusing to boot", zap.String("module", name), zap.Error(err))
	if l.platform != nil {
		l.platform.Halt()
	}
	return fmt.Errorf("%w: required module %s: %w", ErrBootRefused, name, err)
}

// LoadImage loads one module from its image bytes. Its dependencies must
// already be running; each is referenced until the module is unloaded. sig is
// checked when the policy is secure.
func (l *Loader) LoadImage(name string, data, sig []byte) (*registry.Module, error) {
	if l.Refused() {
		return nil, ErrBootRefused
	}
	m, err := l.loadImage(name, data, sig)
	if err != nil {
		return nil, l.fail(name, err)
	}
	return m, nil
}

func (l *Loader) loadImage(name string, data, sig []byte) (*registry.Module, error) {
	if l.cfg.Policy.Secure {
		if sig == nil {
			return nil, fmt.Errorf("load %s: %w: no signature", name, ErrSignature)
		}
		if err := l.cfg.Verifier.Verify(data, sig); err != nil {
			return nil, fmt.Errorf("load %s: %w: %w", name, ErrSignature, err)
		}
	}

	image, err := module.Parse(bytes.Clone(data), l.cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if image.Name != "" && image.Name != name {
		return nil, fmt.Errorf("load %s: %w: image is named %q", name, module.ErrCorruptImage, image.Name)
	}
	if err := verify.Verify(image, l.cfg.Profile, l.cfg.Policy); err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}

	var hooks registry.Hooks
	if l.hooks != nil {
		hooks = l.hooks(l, name)
	}
	m, err := l.registry.Register(name, image, hooks)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if len(m.Deps) == 0 && l.cfg.Database != nil {
		if deps, ok := l.cfg.Database.Dependencies(name); ok {
			m.Deps = deps
		}
	}

	held, err := l.reference(m.Deps)
	if err == nil {
		err = l.place(m)
	}
	if err != nil {
		l.release(m, held)
		_ = l.registry.Discard(m)
		return nil, fmt.Errorf("load %s: %w", name, err)
	}

	if err := l.registry.Start(m); err != nil {
		l.release(m, held)
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	l.log.Info("module loaded",
		zap.String("module", name),
		zap.String("base", hex(m.Base)),
		zap.Uint64("size", m.Size),
		zap.Int("trampolines", m.Trampolines),
		zap.Stringer("state", m.State()),
	)
	return m, nil
}

func (l *Loader) reference(deps []string) ([]string, error) {
	held := make([]string, 0, len(deps))
	for _, dep := range deps {
		if err := l.registry.Ref(dep); err != nil {
			return held, fmt.Errorf("%w: %w", ErrDependencyFailed, err)
		}
		held = append(held, dep)
	}
	return held, nil
}

// place verifies, allocates and relocates m, leaving it Relocated.
func (l *Loader) place(m *registry.Module) error {
	image := m.Image
	if err := m.Advance(registry.Verified); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	block, err := l.cfg.Region.Alloc(image.LoadSize, image.LoadAlign)
	if err != nil {
		return err
	}
	m.Base = block.Addr
	m.Size = image.LoadSize
	m.Block = block.Data

	res, err := reloc.Relocate(image, block.Addr, l.cfg.Symbols, l.arena, m.Name())
	if err != nil {
		return err
	}
	m.Trampolines = len(res.Trampolines)
	if err := image.CopyTo(block.Data); err != nil {
		return err
	}
	if sym, ok := image.Entry(module.InitSymbol); ok {
		m.InitAddr = image.Address(sym, block.Addr)
	}
	if sym, ok := image.Entry(module.FiniSymbol); ok {
		m.FiniAddr = image.Address(sym, block.Addr)
	}
	l.log.Debug("module relocated", zap.String("module", m.Name()), zap.String("base", hex(block.Addr)), zap.Int("patched", res.Patched))
	return m.Advance(registry.Relocated)
}

// release returns what a module held: its trampolines, load block, commands
// and the references on its dependencies.
func (l *Loader) release(m *registry.Module, deps []string) {
	l.mu.Lock()
	if l.arena != nil {
		l.arena.FreeOwner(m.Name())
	}
	if m.Block != nil {
		if err := l.cfg.Region.Free(m.Base); err != nil {
			l.log.Warn("free load block", zap.String("module", m.Name()), zap.Error(err))
		}
		m.Block = nil
	}
	l.mu.Unlock()

	l.commands.UnregisterModule(m.Name())
	for _, dep := range deps {
		if err := l.registry.Unref(dep); err != nil {
			l.log.Warn("drop dependency reference", zap.String("module", m.Name()), zap.String("dependency", dep), zap.Error(err))
		}
	}
}

// Unload runs the fini hook of name and frees everything it held. A module
// still referenced by others is left running with ErrModuleBusy.
func (l *Loader) Unload(name string) error {
	m, err := l.registry.Unregister(name)
	if m == nil {
		return fmt.Errorf("unload %s: %w", name, err)
	}
	l.release(m, m.Deps)
	l.log.Info("module unloaded", zap.String("module", name))
	if err != nil {
		return fmt.Errorf("unload %s: %w", name, err)
	}
	return nil
}

// Close unloads every module newest first and returns the trampoline arena
// to the region. The region itself belongs to the caller.
func (l *Loader) Close() error {
	var errs []error
	for {
		progress := false
		var busy []error
		for _, m := range l.registry.Modules() {
			if m.State() != registry.Running {
				continue
			}
			err := l.Unload(m.Name())
			switch {
			case errors.Is(err, registry.ErrModuleBusy):
				busy = append(busy, err)
				continue
			case err != nil:
				errs = append(errs, err)
			}
			progress = true
		}
		if !progress || len(busy) == 0 {
			errs = append(errs, busy...)
			break
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.arenaBlock.Data != nil {
		if err := l.cfg.Region.Free(l.arenaBlock.Addr); err != nil {
			errs = append(errs, err)
		}
		l.arenaBlock = memory.Block{}
		l.arena = nil
	}
	return errors.Join(errs...)
}
