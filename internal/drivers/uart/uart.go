// Package uart drives the SiFive UART used as the platform console.
package uart

import (
	"fmt"
	"io"

	"github.com/tinyrange/bringup/internal/machine"
	"github.com/tinyrange/bringup/internal/platform"
)

// Register offsets
const (
	regTxFIFO = 0x00
	regRxFIFO = 0x04
	regTxCtrl = 0x08
	regRxCtrl = 0x0c
	regIE     = 0x10
	regIP     = 0x14
	regDiv    = 0x18
)

const (
	txFIFOFull  = 1 << 31
	rxFIFOEmpty = 1 << 31
	rxFIFOData  = 0xff
	txCtrlTxEn  = 1 << 0
	rxCtrlRxEn  = 1 << 0
)

// DefaultSpinLimit bounds how many times Putc polls a full TX FIFO.
const DefaultSpinLimit = 10000

// Config binds the driver to one UART instance.
type Config struct {
	Base  uint64
	Clock uint32 // input clock in Hz
	Baud  uint32

	// SpinLimit overrides DefaultSpinLimit when non-zero.
	SpinLimit int
}

// Driver is the console subsystem.
type Driver struct {
	cfg Config
	bus machine.MMIO
}

// New creates a new UART driver. No register is touched until ColdInit.
func New(bus machine.MMIO, cfg Config) *Driver {
	if cfg.SpinLimit == 0 {
		cfg.SpinLimit = DefaultSpinLimit
	}
	return &Driver{cfg: cfg, bus: bus}
}

// Divisor returns the divisor register value for clk and baud, rounding the
// resulting rate down.
func Divisor(clk, baud uint32) uint32 {
	if baud == 0 {
		return 0
	}
	div := (uint64(clk) + uint64(baud) - 1) / uint64(baud)
	if div == 0 {
		return 0
	}
	return uint32(div - 1)
}

// Name implements platform.Subsystem.
func (d *Driver) Name() string { return "console" }

// ColdInit implements platform.Subsystem.
func (d *Driver) ColdInit() error {
	if d.cfg.Baud == 0 || d.cfg.Clock == 0 {
		return fmt.Errorf("%w: uart: clock %d baud %d", platform.ErrConfiguration, d.cfg.Clock, d.cfg.Baud)
	}
	writes := []struct {
		reg   uint64
		value uint32
	}{
		{regDiv, Divisor(d.cfg.Clock, d.cfg.Baud)},
		{regIE, 0},
		{regTxCtrl, txCtrlTxEn},
		{regRxCtrl, rxCtrlRxEn},
	}
	for _, w := range writes {
		if err := d.bus.Write32(d.cfg.Base+w.reg, w.value); err != nil {
			return platform.HardwareFault("uart: write 0x%x: %v", w.reg, err)
		}
	}
	return nil
}

// WarmInit implements platform.Subsystem. The UART has no per-hart state.
func (d *Driver) WarmInit(platform.HartID) error { return nil }

// Putc implements platform.Console.
func (d *Driver) Putc(c byte) error {
	for i := 0; i < d.cfg.SpinLimit; i++ {
		v, err := d.bus.Read32(d.cfg.Base + regTxFIFO)
		if err != nil {
			return platform.HardwareFault("uart: read txfifo: %v", err)
		}
		if v&txFIFOFull == 0 {
			if err := d.bus.Write32(d.cfg.Base+regTxFIFO, uint32(c)); err != nil {
				return platform.HardwareFault("uart: write txfifo: %v", err)
			}
			return nil
		}
	}
	return fmt.Errorf("uart: tx fifo full after %d polls: %w", d.cfg.SpinLimit, platform.ErrTimeout)
}

// Getc implements platform.Console.
func (d *Driver) Getc() (byte, bool) {
	v, err := d.bus.Read32(d.cfg.Base + regRxFIFO)
	if err != nil || v&rxFIFOEmpty != 0 {
		return 0, false
	}
	return byte(v & rxFIFOData), true
}

// Write implements io.Writer on top of Putc.
func (d *Driver) Write(p []byte) (int, error) {
	for i, c := range p {
		if err := d.Putc(c); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

var (
	_ platform.Subsystem = (*Driver)(nil)
	_ platform.Console   = (*Driver)(nil)
	_ io.Writer          = (*Driver)(nil)
)
