package bootmod

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sliverarmory/bootmod/arch"
	"github.com/sliverarmory/bootmod/config"
	"github.com/sliverarmory/bootmod/depend"
	"github.com/sliverarmory/bootmod/loader"
	"github.com/sliverarmory/bootmod/memory"
	"github.com/sliverarmory/bootmod/module"
	"github.com/sliverarmory/bootmod/registry"
	"github.com/sliverarmory/bootmod/reloc"
	"github.com/sliverarmory/bootmod/signature"
	"github.com/sliverarmory/bootmod/verify"
)

var ErrSessionClosed = errors.New("bootmod: session is closed")

var (
	ErrCorruptImage              = module.ErrCorruptImage
	ErrUnsupportedRelocationKind = arch.ErrUnsupportedRelocationKind
	ErrUnwhitelistedSymbol       = verify.ErrUnwhitelistedSymbol
	ErrUnresolvedSymbol          = reloc.ErrUnresolvedSymbol
	ErrOffsetOutOfRange          = arch.ErrOffsetOutOfRange
	ErrMisalignedTarget          = arch.ErrMisalignedTarget
	ErrUnknownModule             = depend.ErrUnknownModule
	ErrDependencyCycle           = depend.ErrDependencyCycle
	ErrDuplicateName             = registry.ErrDuplicateName
	ErrModuleBusy                = registry.ErrModuleBusy
	ErrSignature                 = loader.ErrSignature
	ErrBootRefused               = loader.ErrBootRefused
	ErrDependencyFailed          = loader.ErrDependencyFailed
)

// ModuleInfo is a snapshot of a loaded module.
type ModuleInfo struct {
	Name        string
	State       string
	Base        uint64
	Size        uint64
	Trampolines int
	RefCount    int
	Deps        []string
}

// Session is one boot: a loader over a load region, configured from a
// config.Config.
type Session struct {
	mu     sync.RWMutex
	loader *loader.Loader
	region *memory.Region
	closed bool
}

// Open builds a session from cfg.
func Open(cfg config.Config, opts ...loader.Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bootmod: %w", err)
	}
	p, err := cfg.Profile()
	if err != nil {
		return nil, fmt.Errorf("bootmod: %w", err)
	}

	symbols := reloc.Symbols{}
	if cfg.SymbolsFile != "" {
		f, err := os.Open(cfg.Path(cfg.SymbolsFile))
		if err != nil {
			return nil, fmt.Errorf("bootmod: open symbols: %w", err)
		}
		symbols, err = reloc.ParseSymbols(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("bootmod: %w", err)
		}
	}
	for name, addr := range cfg.Symbols {
		symbols[name] = addr
	}

	var verifier signature.Verifier
	if len(cfg.PublicKeys) > 0 {
		ring := signature.NewKeyring()
		for _, text := range cfg.PublicKeys {
			key, err := signature.ParsePublicKey(text)
			if err != nil {
				return nil, fmt.Errorf("bootmod: %w", err)
			}
			ring.Add(key)
		}
		verifier = ring
	}

	var db depend.Database
	if cfg.ModDep != "" {
		f, err := os.Open(cfg.Path(cfg.ModDep))
		if err != nil {
			return nil, fmt.Errorf("bootmod: open moddep: %w", err)
		}
		parsed, err := depend.ParseModDep(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("bootmod: %w", err)
		}
		db = parsed
	}

	var region *memory.Region
	if cfg.HostMemory {
		if region, err = memory.MapHost(cfg.RegionSize); err != nil {
			return nil, fmt.Errorf("bootmod: %w", err)
		}
	} else {
		region = memory.New(cfg.LoadBase, cfg.RegionSize)
	}

	l, err := loader.New(loader.Config{
		Profile:   p,
		Policy:    verify.Policy{Secure: cfg.Secure, Whitelist: cfg.Whitelist},
		Required:  cfg.Required,
		Symbols:   symbols,
		Region:    region,
		ArenaSize: cfg.ArenaSize,
		Source:    loader.DirSource{Dir: cfg.ModuleDir},
		Database:  db,
		Verifier:  verifier,
	}, opts...)
	if err != nil {
		region.Close()
		return nil, fmt.Errorf("bootmod: %w", err)
	}
	return &Session{loader: l, region: region}, nil
}

// OpenFile reads the YAML configuration at path and opens a session.
func OpenFile(path string, opts ...loader.Option) (*Session, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("bootmod: %w", err)
	}
	return Open(cfg, opts...)
}

// Load loads names and everything they depend on.
func (session *Session) Load(names ...string) error {
	session.mu.RLock()
	defer session.mu.RUnlock()

	if session.closed {
		return ErrSessionClosed
	}
	if err := session.loader.Load(names...); err != nil {
		return fmt.Errorf("bootmod: %w", err)
	}
	return nil
}

func (session *Session) Unload(name string) error {
	session.mu.RLock()
	defer session.mu.RUnlock()

	if session.closed {
		return ErrSessionClosed
	}
	if err := session.loader.Unload(name); err != nil {
		return fmt.Errorf("bootmod: %w", err)
	}
	return nil
}

// Run executes a command registered by a loaded module.
func (session *Session) Run(out io.Writer, name string, args ...string) error {
	session.mu.RLock()
	defer session.mu.RUnlock()

	if session.closed {
		return ErrSessionClosed
	}
	return session.loader.Commands().Run(out, name, args...)
}

// Modules lists the loaded modules, newest first.
func (session *Session) Modules() []ModuleInfo {
	session.mu.RLock()
	defer session.mu.RUnlock()

	if session.closed {
		return nil
	}
	var out []ModuleInfo
	for _, m := range session.loader.Registry().Modules() {
		out = append(out, ModuleInfo{
			Name:        m.Name(),
			State:       m.State().String(),
			Base:        m.Base,
			Size:        m.Size,
			Trampolines: m.Trampolines,
			RefCount:    m.RefCount(),
			Deps:        m.Deps,
		})
	}
	return out
}

func (session *Session) Loader() *loader.Loader {
	return session.loader
}

// Close unloads every module and releases the load region.
func (session *Session) Close() error {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.closed {
		return nil
	}
	session.closed = true

	err := session.loader.Close()
	if cerr := session.region.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return fmt.Errorf("bootmod: close: %w", err)
	}
	return nil
}
