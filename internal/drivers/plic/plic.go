// Package plic drives a RISC-V Platform Level Interrupt Controller.
package plic

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/bringup/internal/fdt"
	"github.com/tinyrange/bringup/internal/machine"
	"github.com/tinyrange/bringup/internal/platform"
)

// Register layout
const (
	priorityBase  = 0x000000
	enableBase    = 0x002000
	enableStride  = 0x80
	contextBase   = 0x200000
	contextStride = 0x1000
)

// Compatible is the hand-off node the fixup patches.
const Compatible = "riscv,plic0"

// MaskedIRQ replaces interrupt cells hidden from the next boot stage.
const MaskedIRQ = 0xffffffff

const irqMachineExt = 11

// ContextMap returns the M-mode and S-mode context of a hart. A negative
// context means the hart has no context for that mode.
type ContextMap func(hart platform.HartID) (m, s int)

// DefaultContexts is the usual layout: hart h owns contexts 2h and 2h+1.
func DefaultContexts(hart platform.HartID) (m, s int) {
	return 2 * int(hart), 2*int(hart) + 1
}

// Config binds the driver to one PLIC instance.
type Config struct {
	Base       uint64
	NumSources uint32
	HartCount  uint32
	// Contexts defaults to DefaultContexts.
	Contexts ContextMap
}

// state is recorded by ColdInit.
type state struct {
	base       uint64
	numSources uint32
	hartCount  uint32
}

// Driver is the irqchip subsystem.
type Driver struct {
	cfg Config
	bus machine.MMIO

	state atomic.Pointer[state]
}

// New creates a new PLIC driver.
func New(bus machine.MMIO, cfg Config) *Driver {
	if cfg.Contexts == nil {
		cfg.Contexts = DefaultContexts
	}
	return &Driver{cfg: cfg, bus: bus}
}

// Name implements platform.Subsystem.
func (d *Driver) Name() string { return "irqchip" }

// ColdInit implements platform.Subsystem. Every source gets priority 1 so it
// can interrupt a context whose threshold is 0.
func (d *Driver) ColdInit() error {
	if d.cfg.NumSources == 0 || d.cfg.HartCount == 0 {
		return fmt.Errorf("%w: plic: %d sources, %d harts", platform.ErrConfiguration, d.cfg.NumSources, d.cfg.HartCount)
	}
	st := &state{base: d.cfg.Base, numSources: d.cfg.NumSources, hartCount: d.cfg.HartCount}
	for src := uint32(1); src <= st.numSources; src++ {
		if err := d.write(st, priorityBase+4*uint64(src), 1); err != nil {
			return err
		}
	}
	d.state.Store(st)
	return nil
}

// WarmInit implements platform.Subsystem. The hart's M-mode context takes
// interrupts above priority 1 and its S-mode context takes everything.
func (d *Driver) WarmInit(hart platform.HartID) error {
	st := d.state.Load()
	if st == nil {
		return fmt.Errorf("%w: plic: state not recorded", platform.ErrColdBootIncomplete)
	}
	if uint32(hart) >= st.hartCount {
		return fmt.Errorf("plic: %w: hart %d, count %d", platform.ErrInvalidHart, hart, st.hartCount)
	}
	m, s := d.cfg.Contexts(hart)
	words := st.numSources/32 + 1

	for _, ctx := range []int{m, s} {
		if ctx < 0 {
			continue
		}
		for i := uint32(0); i < words; i++ {
			if err := d.write(st, enableBase+uint64(ctx)*enableStride+4*uint64(i), 0xffffffff); err != nil {
				return err
			}
		}
	}
	if m >= 0 {
		if err := d.write(st, contextBase+uint64(m)*contextStride, 1); err != nil {
			return err
		}
	}
	if s >= 0 {
		if err := d.write(st, contextBase+uint64(s)*contextStride, 0); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) write(st *state, off uint64, v uint32) error {
	if err := d.bus.Write32(st.base+off, v); err != nil {
		return platform.HardwareFault("plic: write 0x%x: %v", off, err)
	}
	return nil
}

// FixupHandoff hides the M-mode external interrupt of every hart from the
// next boot stage by replacing its interrupts-extended cell with MaskedIRQ.
// A blob without a PLIC node is left alone. It returns the number of cells
// changed.
func FixupHandoff(blob []byte) (int, error) {
	n, err := fdt.PatchCells(blob, Compatible, "interrupts-extended", func(i int, v uint32) uint32 {
		if i%2 == 1 && v == irqMachineExt {
			return MaskedIRQ
		}
		return v
	})
	if errors.Is(err, fdt.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: plic fixup: %w", platform.ErrConfiguration, err)
	}
	return n, nil
}

var _ platform.Subsystem = (*Driver)(nil)
