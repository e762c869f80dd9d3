// Package config loads the static platform description from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/bringup/internal/boot"
	"github.com/tinyrange/bringup/internal/machine"
	"github.com/tinyrange/bringup/internal/platform"
)

// maxConfigSize bounds the platform file.
const maxConfigSize = 1024 * 1024

// Platform is the on-disk platform description. Integers may be written in
// hex (0x...) anywhere.
type Platform struct {
	Name          string   `yaml:"name"`
	Version       string   `yaml:"version"`
	Harts         uint32   `yaml:"harts"`
	HartStackSize uint32   `yaml:"hart_stack_size"`
	DisabledHarts []uint32 `yaml:"disabled_harts,omitempty"`
	// Features replaces the default feature set when present.
	Features []string `yaml:"features,omitempty"`

	Boot  BootConfig  `yaml:"boot"`
	RAM   RAMConfig   `yaml:"ram"`
	PLIC  PLICConfig  `yaml:"plic"`
	UART  UARTConfig  `yaml:"uart"`
	CLINT CLINTConfig `yaml:"clint"`

	Regions     []Region            `yaml:"regions"`
	HartRegions map[uint32][]Region `yaml:"hart_regions,omitempty"`
}

type BootConfig struct {
	Policy string `yaml:"policy"`
	Hart   uint32 `yaml:"hart"`
}

type RAMConfig struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

type PLICConfig struct {
	Base       uint64 `yaml:"base"`
	Sources    uint32 `yaml:"sources"`
	Priorities uint32 `yaml:"priorities"`
}

type UARTConfig struct {
	Base  uint64 `yaml:"base"`
	Clock uint32 `yaml:"clock"`
	Baud  uint32 `yaml:"baud"`
}

type CLINTConfig struct {
	Base         uint64 `yaml:"base"`
	Has64BitMMIO bool   `yaml:"has_64bit_mmio"`
}

// Region is one memory protection region. Perm uses "rwx" notation.
type Region struct {
	Perm     string `yaml:"perm"`
	Base     uint64 `yaml:"base"`
	Log2Size uint   `yaml:"log2_size"`
}

// Default returns the BlackParrot reference platform.
func Default() *Platform {
	return &Platform{
		Name:          "blackparrot",
		Version:       "v0.1",
		Harts:         1,
		HartStackSize: 8192,
		Boot:          BootConfig{Policy: "lottery"},
		RAM:           RAMConfig{Base: machine.DefaultRAMBase, Size: machine.DefaultRAMSize},
		PLIC:          PLICConfig{Base: 0x1000_0000, Sources: 0x35, Priorities: 7},
		UART:          UARTConfig{Base: 0x5400_0000, Clock: 10_000_000, Baud: 115200},
		CLINT:         CLINTConfig{Base: 0x0030_0000, Has64BitMMIO: true},
		Regions:       []Region{{Perm: "rwx", Base: 0, Log2Size: machine.XLEN}},
	}
}

// Load reads and validates a platform file. Fields the file leaves out keep
// their Default values.
func Load(path string) (*Platform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("%w: config: %s is larger than %d bytes", platform.ErrConfiguration, path, maxConfigSize)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Debug("loaded platform config", "path", path, "name", p.Name, "harts", p.Harts)
	return p, nil
}

// Parse decodes and validates a platform description. Unknown keys are
// rejected.
func Parse(data []byte) (*Platform, error) {
	p := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: config: %w", platform.ErrConfiguration, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks everything that can be checked without touching hardware.
func (p *Platform) Validate() error {
	var errs []error
	desc, err := p.Descriptor()
	if err != nil {
		errs = append(errs, err)
	}
	policy, err := p.Policy()
	if err != nil {
		errs = append(errs, err)
	}
	if desc != nil && policy == boot.PolicyDesignated {
		if err := desc.CheckHart(platform.HartID(p.Boot.Hart)); err != nil {
			errs = append(errs, fmt.Errorf("boot hart: %w", err))
		}
	}
	if p.UART.Baud == 0 || p.UART.Clock == 0 {
		errs = append(errs, errors.New("uart clock and baud must be non-zero"))
	}
	if p.PLIC.Sources == 0 || p.PLIC.Sources >= machine.PLICMaxSources {
		errs = append(errs, fmt.Errorf("plic source count %d outside [1, %d)", p.PLIC.Sources, machine.PLICMaxSources))
	}
	if p.PLIC.Priorities == 0 {
		errs = append(errs, errors.New("plic priority count is zero"))
	}
	if _, err := p.RegionSource(); err != nil {
		errs = append(errs, err)
	}
	for h := range p.HartRegions {
		if h >= p.Harts {
			errs = append(errs, fmt.Errorf("hart_regions: hart %d does not exist", h))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: config %q: %w", platform.ErrConfiguration, p.Name, errors.Join(errs...))
	}
	return nil
}

// ParseVersion turns a semantic version such as "v0.1" or "1.2.3" into the
// platform version. Only major and minor are kept.
func ParseVersion(s string) (platform.Version, error) {
	v := s
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return platform.Version{}, fmt.Errorf("invalid version %q", s)
	}
	parts := strings.SplitN(strings.TrimPrefix(semver.MajorMinor(v), "v"), ".", 2)
	major, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return platform.Version{}, fmt.Errorf("version %q: major: %w", s, err)
	}
	minor, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return platform.Version{}, fmt.Errorf("version %q: minor: %w", s, err)
	}
	return platform.Version{Major: uint16(major), Minor: uint16(minor)}, nil
}

// Descriptor builds the platform descriptor.
func (p *Platform) Descriptor() (*platform.Descriptor, error) {
	version, err := ParseVersion(p.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", platform.ErrConfiguration, err)
	}
	features := platform.DefaultFeatures
	if p.Features != nil {
		if features, err = platform.ParseFeatures(p.Features); err != nil {
			return nil, err
		}
	}
	var disabled platform.HartMask
	for _, h := range p.DisabledHarts {
		if h >= p.Harts {
			return nil, fmt.Errorf("%w: disabled hart %d does not exist", platform.ErrConfiguration, h)
		}
		disabled = disabled.With(platform.HartID(h))
	}

	d := &platform.Descriptor{
		Name:          p.Name,
		Version:       version,
		HartCount:     p.Harts,
		HartStackSize: p.HartStackSize,
		Features:      features,
		DisabledHarts: disabled,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Policy returns the configured boot policy.
func (p *Platform) Policy() (boot.Policy, error) {
	return boot.ParsePolicy(p.Boot.Policy)
}

func convertRegions(in []Region) ([]platform.Region, error) {
	out := make([]platform.Region, 0, len(in))
	for i, r := range in {
		perm, err := platform.ParsePerm(r.Perm)
		if err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
		pr := platform.Region{Perm: perm, Base: r.Base, Log2Size: r.Log2Size}
		if err := platform.CheckRegion(pr, machine.XLEN); err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
		out = append(out, pr)
	}
	return out, nil
}

// RegionSource builds the memory protection descriptor source.
func (p *Platform) RegionSource() (*platform.StaticRegions, error) {
	def, err := convertRegions(p.Regions)
	if err != nil {
		return nil, err
	}
	src := &platform.StaticRegions{Default: def}
	for h, regions := range p.HartRegions {
		conv, err := convertRegions(regions)
		if err != nil {
			return nil, fmt.Errorf("hart %d: %w", h, err)
		}
		if src.PerHart == nil {
			src.PerHart = make(map[platform.HartID][]platform.Region)
		}
		src.PerHart[platform.HartID(h)] = conv
	}
	return src, nil
}

// MachineConfig describes the hardware the platform runs on.
func (p *Platform) MachineConfig(output io.Writer) machine.Config {
	return machine.Config{
		HartCount:      p.Harts,
		RAMBase:        p.RAM.Base,
		RAMSize:        p.RAM.Size,
		CLINTBase:      p.CLINT.Base,
		PLICBase:       p.PLIC.Base,
		PLICSources:    p.PLIC.Sources,
		PLICPriorities: p.PLIC.Priorities,
		UARTBase:       p.UART.Base,
		UARTClock:      p.UART.Clock,
		Output:         output,
	}
}

// Marshal encodes the platform back to YAML.
func (p *Platform) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return buf.Bytes(), nil
}
