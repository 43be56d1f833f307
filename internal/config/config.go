// Package config loads the loader's YAML configuration.
package config

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/antboot/internal/bootinfo"
	"github.com/tinyrange/antboot/internal/loader"
)

// LoaderRelease is the release of this loader, checked against
// Config.MinimumLoader.
const LoaderRelease = "v1.0.0"

const (
	DefaultSystemDir    = "System"
	DefaultDriversDir   = "Drivers"
	DefaultKernel       = "AntKrnl.exe"
	DefaultMachine      = "x86_64"
	DefaultClass        = 64
	DefaultFailureStall = 10 * time.Second

	// MaxKernelSlackPages bounds kernelSlackPages to 1 GiB of slack.
	MaxKernelSlackPages = 1 << 18
	// MaxMemoryMapSlack bounds memoryMapSlack.
	MaxMemoryMapSlack = 16 << 20
)

// Handoff modes.
const (
	HandoffNone = "none"
	HandoffExit = "exit"
)

// Color modes.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

var machines = map[string]elf.Machine{
	"x86_64":  elf.EM_X86_64,
	"i386":    elf.EM_386,
	"aarch64": elf.EM_AARCH64,
	"arm":     elf.EM_ARM,
	"riscv64": elf.EM_RISCV,
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config describes one boot attempt.
type Config struct {
	// Version is the boot info record version to emit.
	Version uint8 `yaml:"version,omitempty"`

	SystemDir  string `yaml:"systemDir,omitempty"`
	DriversDir string `yaml:"driversDir,omitempty"`
	Kernel     string `yaml:"kernel,omitempty"`

	// KernelSlackPages is allocated past the kernel image. Unset means
	// loader.DefaultSlackPages.
	KernelSlackPages *uint64 `yaml:"kernelSlackPages,omitempty"`
	// MemoryMapSlack is added to the reported memory map size.
	MemoryMapSlack uint64 `yaml:"memoryMapSlack,omitempty"`

	FailureStall Duration `yaml:"failureStall,omitempty"`
	SuccessStall Duration `yaml:"successStall,omitempty"`

	Machine string `yaml:"machine,omitempty"`
	Class   int    `yaml:"class,omitempty"`

	Progress bool   `yaml:"progress,omitempty"`
	Color    string `yaml:"color,omitempty"`

	Graphics GraphicsConfig `yaml:"graphics,omitempty"`

	Handoff string `yaml:"handoff,omitempty"`

	// MinimumLoader rejects the configuration on older loader releases.
	MinimumLoader string `yaml:"minimumLoader,omitempty"`
}

type GraphicsConfig struct {
	// Mode is switched to before the display is queried.
	Mode *uint32 `yaml:"mode,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = bootinfo.Version
	}
	if c.SystemDir == "" {
		c.SystemDir = DefaultSystemDir
	}
	if c.DriversDir == "" {
		c.DriversDir = DefaultDriversDir
	}
	if c.Kernel == "" {
		c.Kernel = DefaultKernel
	}
	if c.KernelSlackPages == nil {
		slack := uint64(loader.DefaultSlackPages)
		c.KernelSlackPages = &slack
	}
	if c.MemoryMapSlack == 0 {
		c.MemoryMapSlack = bootinfo.DefaultMapSlack
	}
	if c.FailureStall == 0 {
		c.FailureStall = Duration(DefaultFailureStall)
	}
	if c.Machine == "" {
		c.Machine = DefaultMachine
	}
	if c.Class == 0 {
		c.Class = DefaultClass
	}
	if c.Color == "" {
		c.Color = ColorAuto
	}
	if c.Handoff == "" {
		c.Handoff = HandoffNone
	}
}

// Default returns the configuration used when none is supplied.
func Default() *Config {
	c := &Config{}
	c.normalize()
	return c
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML document. Unknown fields are rejected; an empty
// document yields the defaults.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks a normalized configuration.
func (c *Config) Validate() error {
	var errs []error
	for _, f := range []struct{ name, value string }{
		{"systemDir", c.SystemDir},
		{"driversDir", c.DriversDir},
		{"kernel", c.Kernel},
	} {
		if strings.ContainsAny(f.value, `/\`) || f.value == "." || f.value == ".." {
			errs = append(errs, fmt.Errorf("%s %q must be a single path element", f.name, f.value))
		}
	}
	if c.KernelSlackPages != nil && *c.KernelSlackPages > MaxKernelSlackPages {
		errs = append(errs, fmt.Errorf("kernelSlackPages %d exceeds %d", *c.KernelSlackPages, MaxKernelSlackPages))
	}
	if c.MemoryMapSlack > MaxMemoryMapSlack {
		errs = append(errs, fmt.Errorf("memoryMapSlack %d exceeds %d", c.MemoryMapSlack, MaxMemoryMapSlack))
	}
	if _, ok := machines[c.Machine]; !ok {
		errs = append(errs, fmt.Errorf("unknown machine %q", c.Machine))
	}
	if c.Class != 32 && c.Class != 64 {
		errs = append(errs, fmt.Errorf("class must be 32 or 64, got %d", c.Class))
	}
	if c.FailureStall < 0 || c.SuccessStall < 0 {
		errs = append(errs, errors.New("stall durations must not be negative"))
	}
	switch c.Color {
	case ColorAuto, ColorAlways, ColorNever:
	default:
		errs = append(errs, fmt.Errorf("color must be %s, %s or %s, got %q", ColorAuto, ColorAlways, ColorNever, c.Color))
	}
	switch c.Handoff {
	case HandoffNone, HandoffExit:
	default:
		errs = append(errs, fmt.Errorf("unknown handoff %q", c.Handoff))
	}
	if c.MinimumLoader != "" {
		if !semver.IsValid(c.MinimumLoader) {
			errs = append(errs, fmt.Errorf("minimumLoader %q is not a semantic version", c.MinimumLoader))
		} else if semver.Compare(LoaderRelease, c.MinimumLoader) < 0 {
			errs = append(errs, fmt.Errorf("configuration requires loader %s, this is %s", c.MinimumLoader, LoaderRelease))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ELFMachine returns the machine the kernel must be built for.
func (c *Config) ELFMachine() elf.Machine { return machines[c.Machine] }

// ELFClass returns the kernel word size class.
func (c *Config) ELFClass() elf.Class {
	if c.Class == 32 {
		return elf.ELFCLASS32
	}
	return elf.ELFCLASS64
}

// KernelPath returns the kernel's path relative to the volume root.
func (c *Config) KernelPath() string {
	return c.SystemDir + `\` + c.Kernel
}

// Encode writes c as YAML.
func (c *Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
