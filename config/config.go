// Package config reads the YAML boot configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sliverarmory/bootmod/arch"
)

const pageSize = 0x1000

type Config struct {
	Arch      string   `yaml:"arch"`
	Secure    bool     `yaml:"secure"`
	Whitelist []string `yaml:"whitelist"`
	Required  []string `yaml:"required"`

	ModuleDir string `yaml:"module_dir"`
	ModDep    string `yaml:"moddep"`

	LoadBase   uint64 `yaml:"load_base"`
	RegionSize uint64 `yaml:"region_size"`
	ArenaSize  uint64 `yaml:"arena_size"`
	HostMemory bool   `yaml:"host_memory"`

	Symbols     map[string]uint64 `yaml:"symbols"`
	SymbolsFile string            `yaml:"symbols_file"`
	PublicKeys  []string          `yaml:"public_keys"`
}

func Default() Config {
	return Config{
		Arch:       "x86_64",
		ModuleDir:  ".",
		LoadBase:   0x100000,
		RegionSize: 0x400000,
		ArenaSize:  0x10000,
	}
}

// Load reads path over the defaults. Relative module_dir is taken relative to
// the file.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if !filepath.IsAbs(cfg.ModuleDir) {
		cfg.ModuleDir = filepath.Join(filepath.Dir(path), cfg.ModuleDir)
	}
	return cfg, nil
}

func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if _, err := arch.Lookup(cfg.Arch); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.RegionSize == 0 {
		return errors.New("config: region_size must be positive")
	}
	if cfg.ArenaSize > cfg.RegionSize {
		return fmt.Errorf("config: arena_size %#x exceeds region_size %#x", cfg.ArenaSize, cfg.RegionSize)
	}
	if !cfg.HostMemory && cfg.LoadBase%pageSize != 0 {
		return fmt.Errorf("config: load_base %#x is not page aligned", cfg.LoadBase)
	}
	if cfg.Secure && len(cfg.PublicKeys) == 0 {
		return errors.New("config: secure posture requires public_keys")
	}
	return nil
}

// Profile returns the configured architecture.
func (cfg *Config) Profile() (*arch.Profile, error) {
	return arch.Lookup(cfg.Arch)
}

// Path resolves a configured file name against the module directory.
func (cfg *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(cfg.ModuleDir, name)
}
