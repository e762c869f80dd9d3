// Package clint drives the Core Local Interruptor: software interrupts
// between harts and the machine timer.
package clint

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/bringup/internal/machine"
	"github.com/tinyrange/bringup/internal/platform"
)

// Register offsets
const (
	msipBase     = 0x0000
	mtimecmpBase = 0x4000
	mtime        = 0xbff8
)

// Config binds a driver to one CLINT instance.
type Config struct {
	Base      uint64
	HartCount uint32
	// Has64BitMMIO selects single 64-bit accesses for mtime and mtimecmp.
	Has64BitMMIO bool

	// Log receives errors from capability calls that cannot return one.
	// Defaults to slog.Default().
	Log *slog.Logger
}

func (c Config) validate() error {
	if c.HartCount == 0 {
		return fmt.Errorf("%w: clint: hart count is zero", platform.ErrConfiguration)
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// state is what ColdInit records for WarmInit and the capabilities.
type state struct {
	base      uint64
	hartCount uint32
	has64     bool
}

// record validates cfg and stores the cold-time state in p.
func record(p *atomic.Pointer[state], cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	p.Store(&state{base: cfg.Base, hartCount: cfg.HartCount, has64: cfg.Has64BitMMIO})
	return nil
}

// warmState returns the recorded state after checking hart against it.
func warmState(p *atomic.Pointer[state], name string, hart platform.HartID) (*state, error) {
	st := p.Load()
	if st == nil {
		return nil, fmt.Errorf("%w: clint: %s state not recorded", platform.ErrColdBootIncomplete, name)
	}
	if uint32(hart) >= st.hartCount {
		return nil, fmt.Errorf("clint: %w: hart %d, count %d", platform.ErrInvalidHart, hart, st.hartCount)
	}
	return st, nil
}

// lookup returns the recorded state when hart is a valid capability target.
func lookup(p *atomic.Pointer[state], hart platform.HartID) (*state, bool) {
	st := p.Load()
	if st == nil || uint32(hart) >= st.hartCount {
		return nil, false
	}
	return st, true
}

func (st *state) msip(hart platform.HartID) uint64 {
	return st.base + msipBase + 4*uint64(hart)
}

func (st *state) mtimecmp(hart platform.HartID) uint64 {
	return st.base + mtimecmpBase + 8*uint64(hart)
}

// IPI is the inter-processor interrupt subsystem.
type IPI struct {
	cfg Config
	bus machine.MMIO
	log *slog.Logger

	state atomic.Pointer[state]
}

// NewIPI creates a new IPI driver.
func NewIPI(bus machine.MMIO, cfg Config) *IPI {
	return &IPI{cfg: cfg, bus: bus, log: cfg.logger()}
}

// Name implements platform.Subsystem.
func (d *IPI) Name() string { return "ipi" }

// ColdInit implements platform.Subsystem.
func (d *IPI) ColdInit() error {
	return record(&d.state, d.cfg)
}

// WarmInit implements platform.Subsystem. Any software interrupt left
// pending for hart is cleared.
func (d *IPI) WarmInit(hart platform.HartID) error {
	st, err := warmState(&d.state, "ipi", hart)
	if err != nil {
		return err
	}
	if err := d.bus.Write32(st.msip(hart), 0); err != nil {
		return platform.HardwareFault("clint: clear msip hart %d: %v", hart, err)
	}
	return nil
}

// Send implements platform.IPI. Targets outside the platform are ignored.
func (d *IPI) Send(target platform.HartID) { d.setMSIP(target, 1) }

// Clear implements platform.IPI. Targets outside the platform are ignored.
func (d *IPI) Clear(target platform.HartID) { d.setMSIP(target, 0) }

func (d *IPI) setMSIP(hart platform.HartID, v uint32) {
	st, ok := lookup(&d.state, hart)
	if !ok {
		return
	}
	if err := d.bus.Write32(st.msip(hart), v); err != nil {
		d.log.Error("clint: msip write failed", "hart", hart, "value", v, "err", err)
	}
}

// Timer is the machine timer subsystem.
type Timer struct {
	cfg Config
	bus machine.MMIO
	log *slog.Logger

	state atomic.Pointer[state]
}

// NewTimer creates a new timer driver.
func NewTimer(bus machine.MMIO, cfg Config) *Timer {
	return &Timer{cfg: cfg, bus: bus, log: cfg.logger()}
}

// Name implements platform.Subsystem.
func (d *Timer) Name() string { return "timer" }

// ColdInit implements platform.Subsystem.
func (d *Timer) ColdInit() error {
	return record(&d.state, d.cfg)
}

// WarmInit implements platform.Subsystem. The hart's compare register is set
// to its maximum so no timer interrupt fires until an event is armed.
func (d *Timer) WarmInit(hart platform.HartID) error {
	st, err := warmState(&d.state, "timer", hart)
	if err != nil {
		return err
	}
	if err := d.writeCompare(st, hart, ^uint64(0)); err != nil {
		return platform.HardwareFault("clint: mtimecmp hart %d: %v", hart, err)
	}
	return nil
}

func (d *Timer) writeCompare(st *state, hart platform.HartID, v uint64) error {
	addr := st.mtimecmp(hart)
	if st.has64 {
		return d.bus.Write64(addr, v)
	}
	if err := d.bus.Write32(addr, uint32(v)); err != nil {
		return err
	}
	return d.bus.Write32(addr+4, uint32(v>>32))
}

// Value implements platform.Timer. Without 64-bit MMIO the high word is read
// on both sides of the low word and the read retried if it changed. It
// returns 0 before ColdInit or when mtime cannot be read.
func (d *Timer) Value() uint64 {
	st := d.state.Load()
	if st == nil {
		return 0
	}
	addr := st.base + mtime
	if st.has64 {
		v, err := d.bus.Read64(addr)
		if err != nil {
			d.log.Error("clint: mtime read failed", "err", err)
		}
		return v
	}
	for {
		hi, err := d.bus.Read32(addr + 4)
		if err != nil {
			d.log.Error("clint: mtime read failed", "err", err)
			return 0
		}
		lo, _ := d.bus.Read32(addr)
		hi2, _ := d.bus.Read32(addr + 4)
		if hi == hi2 {
			return uint64(hi)<<32 | uint64(lo)
		}
	}
}

// EventStart implements platform.Timer.
func (d *Timer) EventStart(hart platform.HartID, next uint64) {
	st, ok := lookup(&d.state, hart)
	if !ok {
		return
	}
	if err := d.writeCompare(st, hart, next); err != nil {
		d.log.Error("clint: mtimecmp write failed", "hart", hart, "err", err)
	}
}

// EventStop implements platform.Timer.
func (d *Timer) EventStop(hart platform.HartID) {
	d.EventStart(hart, ^uint64(0))
}

var (
	_ platform.Subsystem = (*IPI)(nil)
	_ platform.IPI       = (*IPI)(nil)
	_ platform.Subsystem = (*Timer)(nil)
	_ platform.Timer     = (*Timer)(nil)
)
