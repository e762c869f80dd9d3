package clint

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/bringup/internal/machine"
	"github.com/tinyrange/bringup/internal/platform"
)

const testBase = 0x0030_0000

func newTestMachine(t *testing.T, harts uint32) *machine.Machine {
	t.Helper()
	m, err := machine.NewMachine(machine.Config{
		HartCount:      harts,
		CLINTBase:      testBase,
		PLICBase:       0x1000_0000,
		PLICSources:    4,
		PLICPriorities: 7,
		UARTBase:       0x5400_0000,
		UARTClock:      10_000_000,
	}, nil)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

func TestIPI(t *testing.T) {
	m := newTestMachine(t, 4)
	d := NewIPI(m.Bus, Config{Base: testBase, HartCount: 4})

	if err := d.WarmInit(0); !errors.Is(err, platform.ErrColdBootIncomplete) {
		t.Fatalf("WarmInit before ColdInit = %v", err)
	}
	if err := d.ColdInit(); err != nil {
		t.Fatalf("ColdInit: %v", err)
	}

	d.Send(2)
	d.Send(7) // ignored
	for h := uint32(0); h < 4; h++ {
		if m.CLINT.SoftwarePending(h) != (h == 2) {
			t.Fatalf("hart %d pending = %v", h, m.CLINT.SoftwarePending(h))
		}
	}
	d.Clear(2)
	if m.CLINT.SoftwarePending(2) {
		t.Fatalf("Clear left msip set")
	}

	// Warm init clears a stale IPI.
	d.Send(3)
	if err := d.WarmInit(3); err != nil {
		t.Fatalf("WarmInit: %v", err)
	}
	if m.CLINT.SoftwarePending(3) {
		t.Fatalf("WarmInit left msip set")
	}
	if err := d.WarmInit(4); !errors.Is(err, platform.ErrInvalidHart) {
		t.Fatalf("WarmInit(4) = %v", err)
	}
}

func TestTimerWarmInit(t *testing.T) {
	for _, has64 := range []bool{true, false} {
		m := newTestMachine(t, 2)
		d := NewTimer(m.Bus, Config{Base: testBase, HartCount: 2, Has64BitMMIO: has64})
		if err := d.WarmInit(0); !errors.Is(err, platform.ErrColdBootIncomplete) {
			t.Fatalf("64bit=%v: WarmInit before ColdInit = %v", has64, err)
		}
		if d.Value() != 0 {
			t.Fatalf("64bit=%v: Value before ColdInit", has64)
		}
		if err := d.ColdInit(); err != nil {
			t.Fatalf("ColdInit: %v", err)
		}
		if err := d.WarmInit(1); err != nil {
			t.Fatalf("WarmInit(64bit=%v): %v", has64, err)
		}
		if got := m.CLINT.Timecmp(1); got != ^uint64(0) {
			t.Fatalf("64bit=%v: mtimecmp = 0x%x", has64, got)
		}
		if m.CLINT.Timecmp(0) != 0 {
			t.Fatalf("64bit=%v: hart 0 compare touched", has64)
		}
		if err := d.WarmInit(2); !errors.Is(err, platform.ErrInvalidHart) {
			t.Fatalf("WarmInit(2) = %v", err)
		}
	}
}

func TestTimerEvents(t *testing.T) {
	for _, has64 := range []bool{true, false} {
		m := newTestMachine(t, 1)
		d := NewTimer(m.Bus, Config{Base: testBase, HartCount: 1, Has64BitMMIO: has64})
		if err := d.ColdInit(); err != nil {
			t.Fatalf("ColdInit: %v", err)
		}

		if err := m.Bus.Write64(testBase+0xbff8, 0x1_0000_0000); err != nil {
			t.Fatalf("set mtime: %v", err)
		}
		if v := d.Value(); v < 0x1_0000_0000 {
			t.Fatalf("64bit=%v: Value = 0x%x", has64, v)
		}

		d.EventStart(0, 0x1_2345_6789)
		if got := m.CLINT.Timecmp(0); got != 0x1_2345_6789 {
			t.Fatalf("64bit=%v: mtimecmp = 0x%x", has64, got)
		}
		d.EventStop(0)
		if got := m.CLINT.Timecmp(0); got != ^uint64(0) {
			t.Fatalf("64bit=%v: mtimecmp after stop = 0x%x", has64, got)
		}
		d.EventStart(5, 1) // ignored
	}
}

func TestColdInitRejectsZeroHarts(t *testing.T) {
	if err := NewIPI(machine.NewBus(), Config{}).ColdInit(); !errors.Is(err, platform.ErrConfiguration) {
		t.Fatalf("ipi ColdInit = %v", err)
	}
	if err := NewTimer(machine.NewBus(), Config{}).ColdInit(); !errors.Is(err, platform.ErrConfiguration) {
		t.Fatalf("timer ColdInit = %v", err)
	}
}

func TestCapabilityErrorsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Base: testBase, HartCount: 2, Log: slog.New(slog.NewTextHandler(&buf, nil))}

	// Nothing is mapped, so every register write fails.
	ipi := NewIPI(machine.NewBus(), cfg)
	timer := NewTimer(machine.NewBus(), cfg)
	if err := ipi.ColdInit(); err != nil {
		t.Fatalf("ipi ColdInit: %v", err)
	}
	if err := timer.ColdInit(); err != nil {
		t.Fatalf("timer ColdInit: %v", err)
	}

	ipi.Send(1)
	ipi.Clear(1)
	timer.EventStart(0, 5)
	ipi.Send(9) // out of range, ignored without a write

	out := buf.String()
	if n := strings.Count(out, "level=ERROR"); n != 3 {
		t.Fatalf("%d errors logged:\n%s", n, out)
	}
	if !strings.Contains(out, "msip write failed") || !strings.Contains(out, "mtimecmp write failed") {
		t.Fatalf("log = %s", out)
	}
}
