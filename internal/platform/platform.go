// Package platform defines the data model shared by the bring-up layer: hart
// identity, boot events, the static platform descriptor, memory protection
// regions and the two-phase subsystem contract.
package platform

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// HartID identifies a physical hart. It is supplied by the boot environment.
type HartID uint32

// BootEvent is the role a hart plays for one firmware entry.
type BootEvent int

const (
	WarmBoot BootEvent = iota
	ColdBoot
)

func (e BootEvent) String() string {
	switch e {
	case ColdBoot:
		return "cold"
	case WarmBoot:
		return "warm"
	default:
		return fmt.Sprintf("BootEvent(%d)", int(e))
	}
}

// Version is the platform version advertised to later boot stages.
type Version struct {
	Major uint16
	Minor uint16
}

// Encode packs the version into the 32-bit SBI platform version word.
func (v Version) Encode() uint32 {
	return uint32(v.Major)<<16 | uint32(v.Minor)
}

func (v Version) String() string {
	return fmt.Sprintf("v%d.%d", v.Major, v.Minor)
}

// Features is the set of optional firmware capabilities a platform enables.
type Features uint64

const (
	FeatureTimerValue Features = 1 << iota
	FeatureHartHotplug
	FeaturePMP
	FeatureSCounterEn
	FeatureMCounterEn
	FeatureMFaultsDelegation
)

// DefaultFeatures is what a platform gets when it does not pick its own set.
const DefaultFeatures = FeatureTimerValue | FeatureSCounterEn | FeatureMCounterEn | FeatureMFaultsDelegation

var featureNames = []struct {
	flag Features
	name string
}{
	{FeatureTimerValue, "timer-value"},
	{FeatureHartHotplug, "hart-hotplug"},
	{FeaturePMP, "pmp"},
	{FeatureSCounterEn, "scounteren"},
	{FeatureMCounterEn, "mcounteren"},
	{FeatureMFaultsDelegation, "mfaults-delegation"},
}

// Has reports whether every flag in f2 is set in f.
func (f Features) Has(f2 Features) bool { return f&f2 == f2 }

// Names returns the feature names in a stable order.
func (f Features) Names() []string {
	var out []string
	for _, fn := range featureNames {
		if f.Has(fn.flag) {
			out = append(out, fn.name)
		}
	}
	return out
}

func (f Features) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), ",")
}

// ParseFeatures converts feature names into a Features set.
func ParseFeatures(names []string) (Features, error) {
	var f Features
outer:
	for _, name := range names {
		name = strings.TrimSpace(strings.ToLower(name))
		for _, fn := range featureNames {
			if fn.name == name {
				f |= fn.flag
				continue outer
			}
		}
		return 0, fmt.Errorf("%w: unknown feature %q", ErrConfiguration, name)
	}
	return f, nil
}

// HartMask is a bit set of hart ids.
type HartMask uint64

// MaxHarts bounds the hart count a HartMask can describe.
const MaxHarts = 64

// Has reports whether hart h is in the mask.
func (m HartMask) Has(h HartID) bool {
	return h < MaxHarts && m&(1<<h) != 0
}

// With returns the mask with hart h added.
func (m HartMask) With(h HartID) HartMask {
	if h >= MaxHarts {
		return m
	}
	return m | 1<<h
}

// Count returns the number of harts in the mask.
func (m HartMask) Count() int { return bits.OnesCount64(uint64(m)) }

// Descriptor is the static, read-only description of a platform. It is built
// once from configuration and shared by every hart.
type Descriptor struct {
	Name          string
	Version       Version
	HartCount     uint32
	HartStackSize uint32
	Features      Features
	DisabledHarts HartMask
}

// Validate checks the descriptor for values no platform can boot with.
func (d *Descriptor) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is empty"))
	}
	if d.HartCount == 0 {
		errs = append(errs, errors.New("hart count is zero"))
	}
	if d.HartCount > MaxHarts {
		errs = append(errs, fmt.Errorf("hart count %d exceeds %d", d.HartCount, MaxHarts))
	}
	if d.HartStackSize == 0 {
		errs = append(errs, errors.New("hart stack size is zero"))
	}
	if d.HartCount > 0 && d.HartCount <= MaxHarts && d.DisabledHarts.Count() >= int(d.HartCount) {
		enabled := false
		for h := HartID(0); h < HartID(d.HartCount); h++ {
			if !d.DisabledHarts.Has(h) {
				enabled = true
				break
			}
		}
		if !enabled {
			errs = append(errs, errors.New("every hart is disabled"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: descriptor %q: %w", ErrConfiguration, d.Name, errors.Join(errs...))
	}
	return nil
}

// CheckHart verifies that hart h may enter the firmware on this platform.
func (d *Descriptor) CheckHart(h HartID) error {
	if uint32(h) >= d.HartCount {
		return fmt.Errorf("%w: hart %d, count %d", ErrInvalidHart, h, d.HartCount)
	}
	if d.DisabledHarts.Has(h) {
		return fmt.Errorf("%w: hart %d", ErrHartDisabled, h)
	}
	return nil
}

// StackTop returns the offset of hart h's stack top within a stack area that
// reserves HartStackSize bytes per hart, hart 0 lowest.
func (d *Descriptor) StackTop(h HartID) uint64 {
	return uint64(h+1) * uint64(d.HartStackSize)
}
