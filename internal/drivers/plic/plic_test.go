package plic

import (
	"errors"
	"testing"

	"github.com/tinyrange/bringup/internal/fdt"
	"github.com/tinyrange/bringup/internal/machine"
	"github.com/tinyrange/bringup/internal/platform"
)

const (
	testBase    = 0x1000_0000
	testSources = 0x35
)

func newTestMachine(t *testing.T, harts uint32) *machine.Machine {
	t.Helper()
	m, err := machine.NewMachine(machine.Config{
		HartCount:      harts,
		CLINTBase:      0x0030_0000,
		PLICBase:       testBase,
		PLICSources:    testSources,
		PLICPriorities: 7,
		UARTBase:       0x5400_0000,
		UARTClock:      10_000_000,
	}, nil)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

func TestDefaultContexts(t *testing.T) {
	for h := platform.HartID(0); h < 8; h++ {
		m, s := DefaultContexts(h)
		if m != 2*int(h) || s != 2*int(h)+1 {
			t.Fatalf("DefaultContexts(%d) = %d, %d", h, m, s)
		}
	}
}

func TestColdInitPriorities(t *testing.T) {
	m := newTestMachine(t, 1)
	d := New(m.Bus, Config{Base: testBase, NumSources: testSources, HartCount: 1})
	if err := d.ColdInit(); err != nil {
		t.Fatalf("ColdInit: %v", err)
	}
	if m.PLIC.Priority(0) != 0 {
		t.Fatalf("source 0 priority set")
	}
	for src := uint32(1); src <= testSources; src++ {
		if got := m.PLIC.Priority(src); got != 1 {
			t.Fatalf("source %d priority = %d", src, got)
		}
	}
}

func TestWarmInitContexts(t *testing.T) {
	m := newTestMachine(t, 2)
	d := New(m.Bus, Config{Base: testBase, NumSources: testSources, HartCount: 2})
	if err := d.WarmInit(1); !errors.Is(err, platform.ErrColdBootIncomplete) {
		t.Fatalf("WarmInit before ColdInit = %v", err)
	}
	if err := d.ColdInit(); err != nil {
		t.Fatalf("ColdInit: %v", err)
	}
	if err := d.WarmInit(1); err != nil {
		t.Fatalf("WarmInit: %v", err)
	}

	for _, ctx := range []int{2, 3} {
		for _, src := range []uint32{1, 31, 32, testSources} {
			if !m.PLIC.Enabled(ctx, src) {
				t.Fatalf("context %d source %d not enabled", ctx, src)
			}
		}
	}
	if m.PLIC.Enabled(0, 1) || m.PLIC.Enabled(1, 1) {
		t.Fatalf("hart 0 contexts touched by hart 1 warm init")
	}
	if m.PLIC.Threshold(2) != 1 || m.PLIC.Threshold(3) != 0 {
		t.Fatalf("thresholds = %d, %d", m.PLIC.Threshold(2), m.PLIC.Threshold(3))
	}

	if err := d.WarmInit(2); !errors.Is(err, platform.ErrInvalidHart) {
		t.Fatalf("WarmInit(2) = %v, want ErrInvalidHart", err)
	}
}

func TestWarmInitSkipsMissingContext(t *testing.T) {
	m := newTestMachine(t, 1)
	d := New(m.Bus, Config{
		Base:       testBase,
		NumSources: testSources,
		HartCount:  1,
		Contexts:   func(platform.HartID) (int, int) { return -1, 1 },
	})
	if err := d.ColdInit(); err != nil {
		t.Fatalf("ColdInit: %v", err)
	}
	if err := d.WarmInit(0); err != nil {
		t.Fatalf("WarmInit: %v", err)
	}
	if m.PLIC.Enabled(0, 1) || !m.PLIC.Enabled(1, 1) {
		t.Fatalf("enable state wrong for contexts 0 and 1")
	}
}

func TestColdInitRejectsEmptyConfig(t *testing.T) {
	d := New(machine.NewBus(), Config{Base: testBase})
	if err := d.ColdInit(); !errors.Is(err, platform.ErrConfiguration) {
		t.Fatalf("ColdInit = %v", err)
	}
}

func TestFixupHandoff(t *testing.T) {
	m := newTestMachine(t, 2)
	blob, err := machine.GenerateFDT(m, "test", 0)
	if err != nil {
		t.Fatalf("GenerateFDT: %v", err)
	}
	n, err := FixupHandoff(blob)
	if err != nil {
		t.Fatalf("FixupHandoff: %v", err)
	}
	if n != 2 {
		t.Fatalf("changed %d cells, want 2", n)
	}
	cells, err := fdt.Cells(blob, Compatible, "interrupts-extended")
	if err != nil {
		t.Fatalf("Cells: %v", err)
	}
	want := []uint32{1, MaskedIRQ, 1, 9, 2, MaskedIRQ, 2, 9}
	for i := range want {
		if cells[i] != want[i] {
			t.Fatalf("cells = %#v, want %#v", cells, want)
		}
	}

	// Running it again finds nothing left to hide.
	if n, err := FixupHandoff(blob); err != nil || n != 0 {
		t.Fatalf("second fixup = %d, %v", n, err)
	}
}

func TestFixupHandoffWithoutPLIC(t *testing.T) {
	blob, err := fdt.Build(fdt.NewNode("").Set("model", fdt.Str("bare")), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if n, err := FixupHandoff(blob); err != nil || n != 0 {
		t.Fatalf("FixupHandoff = %d, %v", n, err)
	}
	if _, err := FixupHandoff([]byte("junk")); !errors.Is(err, platform.ErrConfiguration) {
		t.Fatalf("malformed blob = %v", err)
	}
}
