package machine

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/bringup/internal/platform"
)

// Default physical memory map
const (
	DefaultRAMBase uint64 = 0x8000_0000
	DefaultRAMSize uint64 = 16 * 1024 * 1024
)

// Config describes the hardware to build.
type Config struct {
	HartCount uint32

	RAMBase uint64
	RAMSize uint64

	CLINTBase uint64

	PLICBase       uint64
	PLICSources    uint32
	PLICPriorities uint32

	UARTBase  uint64
	UARTClock uint32

	// Output receives bytes transmitted by the UART
	Output io.Writer
}

// Machine is a complete multi-hart platform
type Machine struct {
	Config Config

	Bus   *Bus
	CLINT *CLINT
	PLIC  *PLIC
	UART  *UART
	Harts []*Hart

	log *slog.Logger

	mu     sync.Mutex
	resets []platform.ResetType
	halted atomic.Bool
}

// NewMachine creates a new machine from cfg
func NewMachine(cfg Config, log *slog.Logger) (*Machine, error) {
	if cfg.HartCount == 0 || cfg.HartCount > platform.MaxHarts {
		return nil, fmt.Errorf("machine: hart count %d outside [1, %d]", cfg.HartCount, platform.MaxHarts)
	}
	if cfg.RAMSize == 0 {
		cfg.RAMSize = DefaultRAMSize
	}
	if cfg.RAMBase == 0 {
		cfg.RAMBase = DefaultRAMBase
	}
	if log == nil {
		log = slog.Default()
	}

	plic, err := NewPLIC(cfg.PLICSources, cfg.PLICPriorities, int(2*cfg.HartCount))
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	m := &Machine{
		Config: cfg,
		Bus:    NewBus(),
		CLINT:  NewCLINT(cfg.HartCount),
		PLIC:   plic,
		UART:   NewUART(cfg.Output),
		log:    log,
	}
	for h := uint32(0); h < cfg.HartCount; h++ {
		m.Harts = append(m.Harts, NewHart(platform.HartID(h)))
	}

	devices := []struct {
		name string
		base uint64
		dev  Device
	}{
		{"ram", cfg.RAMBase, NewRAM(cfg.RAMSize)},
		{"clint", cfg.CLINTBase, m.CLINT},
		{"plic", cfg.PLICBase, m.PLIC},
		{"uart", cfg.UARTBase, m.UART},
	}
	for _, d := range devices {
		if err := m.Bus.AddDevice(d.name, d.base, d.dev); err != nil {
			return nil, fmt.Errorf("machine: %w", err)
		}
	}

	return m, nil
}

// Hart returns the register state of hart h.
func (m *Machine) Hart(h platform.HartID) (*Hart, error) {
	if int(h) >= len(m.Harts) {
		return nil, fmt.Errorf("machine: no hart %d", h)
	}
	return m.Harts[h], nil
}

// Reboot implements platform.System. The request is recorded and the machine
// halts; a host loop decides whether to power cycle.
func (m *Machine) Reboot(t platform.ResetType) error {
	return m.reset(t)
}

// Shutdown implements platform.System.
func (m *Machine) Shutdown(t platform.ResetType) error {
	return m.reset(t)
}

func (m *Machine) reset(t platform.ResetType) error {
	if t > platform.ResetWarmReboot {
		return fmt.Errorf("%w: unsupported reset type %v", platform.ErrConfiguration, t)
	}
	m.mu.Lock()
	m.resets = append(m.resets, t)
	m.mu.Unlock()
	m.halted.Store(true)
	m.log.Info("system reset requested", "type", t)
	return nil
}

// Halted reports whether a reset request halted the machine.
func (m *Machine) Halted() bool { return m.halted.Load() }

// ResetRequests returns every reset requested so far.
func (m *Machine) ResetRequests() []platform.ResetType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]platform.ResetType(nil), m.resets...)
}

// PowerCycle returns every device and hart to its reset state.
func (m *Machine) PowerCycle() {
	for _, h := range m.Harts {
		h.ResetPMP()
	}
	m.CLINT.reset()
	m.PLIC.reset()
	m.UART.reset()
	m.halted.Store(false)
}

var _ platform.System = (*Machine)(nil)
