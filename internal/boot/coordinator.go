package boot

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/bringup/internal/platform"
)

// Drivers lists the subsystems in the order they are brought up. Nil entries
// are skipped.
type Drivers struct {
	Console platform.Subsystem
	IRQChip platform.Subsystem
	IPI     platform.Subsystem
	Timer   platform.Subsystem
}

func (d Drivers) ordered() []platform.Subsystem {
	var out []platform.Subsystem
	for _, s := range []platform.Subsystem{d.Console, d.IRQChip, d.IPI, d.Timer} {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Config wires a Coordinator.
type Config struct {
	Descriptor *platform.Descriptor
	Resolver   *Resolver
	Regions    platform.RegionSource
	// PMP returns the protection unit of hart. It is only called by the hart
	// itself.
	PMP func(hart platform.HartID) (platform.RegionWriter, error)
	// XLEN bounds region sizes.
	XLEN uint

	Drivers Drivers

	// Handoff and Fixups are optional. The cold boot hart records itself as
	// the boot CPU in the hand-off header, then runs Fixups in order, before
	// any region or driver is touched.
	Handoff *Handoff
	Fixups  []Fixup

	// Capabilities is published once the cold boot hart succeeds.
	Capabilities platform.Capabilities

	Observer Observer
	Log      *slog.Logger
}

// Published is what the cold boot hart makes available to the next stage.
type Published struct {
	Descriptor   *platform.Descriptor
	Capabilities platform.Capabilities
	Handoff      *Handoff
}

// Coordinator runs the bring-up sequence of one hart.
//
// Callers must not let a warm hart call BringUp before the cold boot hart's
// BringUp has returned successfully; Entry and Gate provide that ordering.
// A caller that breaks it gets ErrColdBootIncomplete rather than a
// half-initialized device.
type Coordinator struct {
	cfg        Config
	log        *slog.Logger
	lifecycles []*platform.Lifecycle

	coldStarted atomic.Bool
	published   atomic.Pointer[Published]
}

// NewCoordinator creates a coordinator from cfg.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Descriptor == nil || cfg.Resolver == nil || cfg.Regions == nil || cfg.PMP == nil {
		return nil, fmt.Errorf("%w: coordinator needs a descriptor, resolver, region source and pmp", platform.ErrConfiguration)
	}
	if err := cfg.Descriptor.Validate(); err != nil {
		return nil, err
	}
	if cfg.XLEN == 0 {
		cfg.XLEN = 64
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	c := &Coordinator{cfg: cfg, log: log}
	for _, sub := range cfg.Drivers.ordered() {
		c.lifecycles = append(c.lifecycles, platform.NewLifecycle(sub, cfg.Descriptor.HartCount))
	}
	return c, nil
}

// Lifecycles returns the lifecycle of every subsystem in bring-up order.
func (c *Coordinator) Lifecycles() []*platform.Lifecycle {
	return append([]*platform.Lifecycle(nil), c.lifecycles...)
}

// Published returns what the cold boot hart published, if it has finished.
func (c *Coordinator) Published() (*Published, bool) {
	p := c.published.Load()
	return p, p != nil
}

func (c *Coordinator) observe(e Event) {
	if c.cfg.Observer != nil {
		c.cfg.Observer.Observe(e)
	}
}

// fail records a failed step and wraps err with the hart and step.
func (c *Coordinator) fail(e Event, op string, err error) error {
	e.Err = err
	c.observe(e)
	c.log.Error("bring-up failed", "hart", e.Hart, "boot", e.Boot, "step", op, "subsystem", e.Subsystem, "err", err)
	return &platform.Error{Op: op, Hart: e.Hart, Subsystem: e.Subsystem, Err: err}
}

// BringUp performs hart's bring-up for its current entry: resolve the boot
// role, fix up the hand-off blob (cold only), apply memory protection, then
// initialize every subsystem in order. The first failure is returned.
func (c *Coordinator) BringUp(hart platform.HartID) error {
	event, err := c.cfg.Resolver.Resolve(hart)
	if err != nil {
		return c.fail(Event{Hart: hart, Step: StepResolve}, "resolve", err)
	}
	ev := Event{Hart: hart, Boot: event}
	c.observe(Event{Hart: hart, Boot: event, Step: StepResolve})
	c.log.Debug("boot role resolved", "hart", hart, "boot", event)

	cold := event == platform.ColdBoot
	if cold {
		if !c.coldStarted.CompareAndSwap(false, true) {
			return c.fail(ev, "cold boot", platform.ErrColdInitRepeated)
		}
		if err := c.fixup(ev); err != nil {
			return err
		}
	}

	if err := c.applyRegions(ev); err != nil {
		return err
	}

	for _, lc := range c.lifecycles {
		e := ev
		e.Subsystem = lc.Name()
		if cold {
			if err := lc.ColdInit(); err != nil {
				e.Step = StepColdInit
				return c.fail(e, "cold init", withKind(err, platform.ErrHardwareFault))
			}
			e.Step = StepColdInit
			c.observe(e)
			c.log.Debug("cold init done", "hart", hart, "subsystem", e.Subsystem)
		}
		e.Step = StepWarmInit
		if err := lc.WarmInit(hart); err != nil {
			return c.fail(e, "warm init", withKind(err, platform.ErrHardwareFault))
		}
		c.observe(e)
		c.log.Debug("warm init done", "hart", hart, "subsystem", e.Subsystem)
	}

	if cold {
		if c.cfg.Handoff != nil {
			c.cfg.Handoff.Seal()
		}
		c.published.Store(&Published{
			Descriptor:   c.cfg.Descriptor,
			Capabilities: c.cfg.Capabilities,
			Handoff:      c.cfg.Handoff,
		})
		e := ev
		e.Step = StepPublish
		c.observe(e)
	}

	c.log.Info("hart up", "hart", hart, "boot", event)
	return nil
}

func (c *Coordinator) fixup(ev Event) error {
	ev.Step = StepFixup
	if c.cfg.Handoff == nil {
		return nil
	}
	if err := c.cfg.Handoff.SetBootHart(ev.Hart); err != nil {
		return c.fail(ev, "fixup", withKind(err, platform.ErrConfiguration))
	}
	n, err := c.cfg.Handoff.Apply(c.cfg.Fixups)
	if err != nil {
		return c.fail(ev, "fixup", withKind(err, platform.ErrConfiguration))
	}
	ev.Index = n
	c.observe(ev)
	c.log.Debug("hand-off fixed up", "hart", ev.Hart, "cells", n)
	return nil
}

// applyRegions fetches and validates every region before the first one is
// written, so a bad source leaves the protection unit untouched.
func (c *Coordinator) applyRegions(ev Event) error {
	ev.Step = StepRegion
	count := c.cfg.Regions.RegionCount(ev.Hart)

	regions := make([]platform.Region, 0, count)
	for i := uint32(0); i < count; i++ {
		r, err := c.cfg.Regions.RegionInfo(ev.Hart, i)
		if err == nil {
			err = platform.CheckRegion(r, c.cfg.XLEN)
		}
		if err != nil {
			ev.Index = int(i)
			return c.fail(ev, fmt.Sprintf("region %d", i), withKind(err, platform.ErrConfiguration))
		}
		regions = append(regions, r)
	}

	pmp, err := c.cfg.PMP(ev.Hart)
	if err != nil {
		return c.fail(ev, "regions", withKind(err, platform.ErrConfiguration))
	}
	for i, r := range regions {
		ev.Index = i
		if err := pmp.WriteRegion(uint32(i), r); err != nil {
			return c.fail(ev, fmt.Sprintf("region %d", i), withKind(err, platform.ErrHardwareFault))
		}
		c.observe(ev)
		c.log.Debug("region applied", "hart", ev.Hart, "index", i, "region", r)
	}
	return nil
}

// withKind makes sure err matches one of the platform error kinds, using kind
// when it matches none.
func withKind(err, kind error) error {
	if platform.Kind(err) != nil {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
