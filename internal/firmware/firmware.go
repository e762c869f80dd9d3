// Package firmware assembles a bootable platform from its configuration:
// the modelled hardware, the drivers bound to it and the boot sequencing.
package firmware

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/bringup/internal/boot"
	"github.com/tinyrange/bringup/internal/config"
	"github.com/tinyrange/bringup/internal/drivers/clint"
	"github.com/tinyrange/bringup/internal/drivers/plic"
	"github.com/tinyrange/bringup/internal/drivers/uart"
	"github.com/tinyrange/bringup/internal/machine"
	"github.com/tinyrange/bringup/internal/platform"
)

// Options tune a Firmware beyond what the platform file describes.
type Options struct {
	// Output receives console output.
	Output io.Writer
	// Observer receives every bring-up step, in addition to the firmware's
	// own trace.
	Observer boot.Observer
	Log      *slog.Logger
}

// Firmware is one platform instance. Drivers, resolver and coordinator are
// rebuilt on every power cycle; the machine persists.
type Firmware struct {
	Platform   *config.Platform
	Descriptor *platform.Descriptor
	Machine    *machine.Machine
	Trace      *boot.Trace

	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	cycle *cycle
}

// cycle is the state of one power cycle.
type cycle struct {
	resolver    *boot.Resolver
	coordinator *boot.Coordinator
	entry       *boot.Entry
}

// Result is the outcome of one hart's entry.
type Result struct {
	Hart  platform.HartID
	Event platform.BootEvent
	Err   error
}

// Report is the outcome of booting every enabled hart.
type Report struct {
	Results   []Result
	ColdHart  platform.HartID
	Published *boot.Published
}

// New builds the platform described by p.
func New(p *config.Platform, opts Options) (*Firmware, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	desc, err := p.Descriptor()
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	m, err := machine.NewMachine(p.MachineConfig(opts.Output), log)
	if err != nil {
		return nil, fmt.Errorf("firmware: %w", err)
	}

	f := &Firmware{
		Platform:   p,
		Descriptor: desc,
		Machine:    m,
		Trace:      &boot.Trace{},
		opts:       opts,
		log:        log.With("platform", p.Name),
	}
	if err := f.reset(); err != nil {
		return nil, err
	}
	return f, nil
}

// reset builds fresh drivers and boot state for a new power cycle.
func (f *Firmware) reset() error {
	p := f.Platform
	bus := f.Machine.Bus

	policy, err := p.Policy()
	if err != nil {
		return err
	}
	resolver, err := boot.NewResolver(f.Descriptor, policy, platform.HartID(p.Boot.Hart))
	if err != nil {
		return err
	}
	regions, err := p.RegionSource()
	if err != nil {
		return err
	}

	blob, err := machine.GenerateFDT(f.Machine, p.Name, p.Boot.Hart, p.DisabledHarts...)
	if err != nil {
		return fmt.Errorf("firmware: hand-off: %w", err)
	}

	console := uart.New(bus, uart.Config{Base: p.UART.Base, Clock: p.UART.Clock, Baud: p.UART.Baud})
	clintCfg := clint.Config{Base: p.CLINT.Base, HartCount: p.Harts, Has64BitMMIO: p.CLINT.Has64BitMMIO, Log: f.log}
	ipi := clint.NewIPI(bus, clintCfg)
	timer := clint.NewTimer(bus, clintCfg)
	irqchip := plic.New(bus, plic.Config{Base: p.PLIC.Base, NumSources: p.PLIC.Sources, HartCount: p.Harts})

	coord, err := boot.NewCoordinator(boot.Config{
		Descriptor: f.Descriptor,
		Resolver:   resolver,
		Regions:    regions,
		PMP: func(h platform.HartID) (platform.RegionWriter, error) {
			return f.Machine.Hart(h)
		},
		XLEN: machine.XLEN,
		Drivers: boot.Drivers{
			Console: console,
			IRQChip: irqchip,
			IPI:     ipi,
			Timer:   timer,
		},
		Handoff: boot.NewHandoff(blob),
		Fixups:  []boot.Fixup{{Name: "irqchip", Apply: plic.FixupHandoff}},
		Capabilities: platform.Capabilities{
			Console: console,
			IPI:     ipi,
			Timer:   timer,
			System:  f.Machine,
		},
		Observer: boot.Observers(f.Trace, f.opts.Observer),
		Log:      f.log,
	})
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.cycle = &cycle{
		resolver:    resolver,
		coordinator: coord,
		entry:       boot.NewEntry(resolver, coord),
	}
	f.mu.Unlock()
	return nil
}

func (f *Firmware) current() *cycle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cycle
}

// EnabledHarts returns every hart that enters the firmware.
func (f *Firmware) EnabledHarts() []platform.HartID {
	var out []platform.HartID
	for h := platform.HartID(0); h < platform.HartID(f.Descriptor.HartCount); h++ {
		if !f.Descriptor.DisabledHarts.Has(h) {
			out = append(out, h)
		}
	}
	return out
}

// Boot runs every enabled hart's entry concurrently, one goroutine per hart,
// and waits for all of them. The first failure is returned along with the
// per-hart report.
func (f *Firmware) Boot(ctx context.Context) (*Report, error) {
	c := f.current()
	harts := f.EnabledHarts()
	results := make([]Result, len(harts))

	var g errgroup.Group
	for i, h := range harts {
		i, h := i, h
		g.Go(func() error {
			event, err := c.entry.Run(ctx, h)
			results[i] = Result{Hart: h, Event: event, Err: err}
			return err
		})
	}
	err := g.Wait()

	report := &Report{Results: results}
	if cold, ok := c.resolver.ColdHart(); ok {
		report.ColdHart = cold
	}
	if pub, ok := c.coordinator.Published(); ok {
		report.Published = pub
	}
	if err != nil {
		f.log.Error("platform bring-up failed", "err", err)
		return report, err
	}
	f.log.Info("platform up", "harts", len(harts), "cold_hart", report.ColdHart)
	return report, nil
}

// Resume re-enters the firmware on hart after it left through a suspend. The
// entry is a warm boot.
func (f *Firmware) Resume(ctx context.Context, hart platform.HartID) error {
	c := f.current()
	c.entry.Exit(hart)
	_, err := c.entry.Run(ctx, hart)
	return err
}

// Published returns the capabilities published by the current power cycle.
func (f *Firmware) Published() (*boot.Published, bool) {
	return f.current().coordinator.Published()
}

// Lifecycles returns the subsystem lifecycles of the current power cycle.
func (f *Firmware) Lifecycles() []*platform.Lifecycle {
	return f.current().coordinator.Lifecycles()
}

// PowerCycle resets the hardware and every boot decision. No hart may be
// running an entry.
func (f *Firmware) PowerCycle() error {
	f.Machine.PowerCycle()
	f.Trace.Reset()
	f.log.Info("power cycle")
	return f.reset()
}
