package firmware

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/bringup/internal/boot"
	"github.com/tinyrange/bringup/internal/config"
	"github.com/tinyrange/bringup/internal/fdt"
	"github.com/tinyrange/bringup/internal/machine"
	"github.com/tinyrange/bringup/internal/platform"
)

func newTestFirmware(t *testing.T, p *config.Platform) (*Firmware, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	f, err := New(p, Options{Output: out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f, out
}

func bootCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBootReferencePlatform(t *testing.T) {
	f, out := newTestFirmware(t, config.Default())

	report, err := f.Boot(bootCtx(t))
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if len(report.Results) != 1 || report.Results[0].Event != platform.ColdBoot {
		t.Fatalf("results = %+v", report.Results)
	}
	pub := report.Published
	if pub == nil {
		t.Fatalf("nothing published")
	}
	if pub.Descriptor.Name != "blackparrot" || pub.Descriptor.Version.Encode() != 1 {
		t.Fatalf("descriptor = %+v", pub.Descriptor)
	}

	cells, err := fdt.Cells(pub.Handoff.Bytes(), "riscv,plic0", "interrupts-extended")
	if err != nil {
		t.Fatalf("Cells: %v", err)
	}
	if cells[1] != 0xffffffff || cells[3] != machine.IRQSupervisorExt {
		t.Fatalf("interrupts-extended = %v", cells)
	}

	if _, err := pub.Capabilities.Console.(interface {
		Write([]byte) (int, error)
	}).Write([]byte("OpenSBI\n")); err != nil {
		t.Fatalf("console write: %v", err)
	}
	if out.String() != "OpenSBI\n" {
		t.Fatalf("console output = %q", out.String())
	}

	if f.Machine.Harts[0].PMPWrites() != 1 {
		t.Fatalf("pmp writes = %d", f.Machine.Harts[0].PMPWrites())
	}
}

func TestBootManyHarts(t *testing.T) {
	for _, policy := range []string{"lottery", "designated", "lowest"} {
		p := config.Default()
		p.Harts = 8
		p.DisabledHarts = []uint32{0, 5}
		p.Boot = config.BootConfig{Policy: policy, Hart: 3}
		f, _ := newTestFirmware(t, p)

		report, err := f.Boot(bootCtx(t))
		if err != nil {
			t.Fatalf("%s: Boot: %v", policy, err)
		}
		if len(report.Results) != 6 {
			t.Fatalf("%s: %d results", policy, len(report.Results))
		}
		cold := 0
		for _, r := range report.Results {
			if r.Event == platform.ColdBoot {
				cold++
				if r.Hart != report.ColdHart {
					t.Fatalf("%s: report cold hart %d, result %d", policy, report.ColdHart, r.Hart)
				}
			}
		}
		if cold != 1 {
			t.Fatalf("%s: %d cold harts", policy, cold)
		}
		switch policy {
		case "designated":
			if report.ColdHart != 3 {
				t.Fatalf("designated cold hart = %d", report.ColdHart)
			}
		case "lowest":
			if report.ColdHart != 1 {
				t.Fatalf("lowest cold hart = %d", report.ColdHart)
			}
		}

		for _, h := range f.EnabledHarts() {
			m, s := 2*int(h), 2*int(h)+1
			if !f.Machine.PLIC.Enabled(m, 1) || !f.Machine.PLIC.Enabled(s, 1) {
				t.Fatalf("%s: hart %d contexts not enabled", policy, h)
			}
			if f.Machine.CLINT.Timecmp(uint32(h)) != ^uint64(0) {
				t.Fatalf("%s: hart %d mtimecmp not armed", policy, h)
			}
		}
		if f.Machine.PLIC.Enabled(0, 1) {
			t.Fatalf("%s: disabled hart 0 initialized", policy)
		}
		if n := f.Trace.Count(boot.StepColdInit, ""); n != 4 {
			t.Fatalf("%s: %d cold inits", policy, n)
		}
		if n := f.Trace.Count(boot.StepWarmInit, "timer"); n != 6 {
			t.Fatalf("%s: %d timer warm inits", policy, n)
		}
	}
}

func TestHandoffNamesColdHart(t *testing.T) {
	for _, policy := range []string{"lottery", "designated", "lowest"} {
		p := config.Default()
		p.Harts = 4
		p.DisabledHarts = []uint32{0}
		p.Boot = config.BootConfig{Policy: policy, Hart: 2}
		f, _ := newTestFirmware(t, p)

		report, err := f.Boot(bootCtx(t))
		if err != nil {
			t.Fatalf("%s: Boot: %v", policy, err)
		}
		blob := report.Published.Handoff.Bytes()
		got, err := fdt.BootCPU(blob)
		if err != nil {
			t.Fatalf("%s: BootCPU: %v", policy, err)
		}
		if got != uint32(report.ColdHart) {
			t.Fatalf("%s: hand-off boot cpu %d, cold hart %d", policy, got, report.ColdHart)
		}
		if policy == "lowest" && got != 1 {
			t.Fatalf("lowest: hand-off boot cpu %d, want 1", got)
		}

		ref, err := fdt.FindProperty(blob, "riscv", "status")
		if err != nil {
			t.Fatalf("%s: cpu@0 status: %v", policy, err)
		}
		if s := string(blob[ref.Offset : ref.Offset+ref.Length]); s != "disabled\x00" {
			t.Fatalf("%s: cpu@0 status = %q", policy, s)
		}
	}
}

func TestResumeIsWarm(t *testing.T) {
	p := config.Default()
	p.Harts = 2
	f, _ := newTestFirmware(t, p)
	report, err := f.Boot(bootCtx(t))
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	before := f.Trace.Count(boot.StepColdInit, "")
	if err := f.Resume(bootCtx(t), report.ColdHart); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if f.Trace.Count(boot.StepColdInit, "") != before {
		t.Fatalf("resume ran cold init again")
	}
	if n := f.Trace.Count(boot.StepWarmInit, "console"); n != 3 {
		t.Fatalf("console warm inits = %d", n)
	}
}

func TestPowerCycle(t *testing.T) {
	p := config.Default()
	p.Harts = 2
	f, _ := newTestFirmware(t, p)
	if _, err := f.Boot(bootCtx(t)); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	pub, _ := f.Published()
	if err := pub.Capabilities.System.Reboot(platform.ResetColdReboot); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	if !f.Machine.Halted() {
		t.Fatalf("machine not halted after reboot")
	}

	if err := f.PowerCycle(); err != nil {
		t.Fatalf("PowerCycle: %v", err)
	}
	if _, ok := f.Published(); ok {
		t.Fatalf("publication survived the power cycle")
	}
	for _, lc := range f.Lifecycles() {
		if lc.State() != platform.Uninitialized {
			t.Fatalf("%s state %v after power cycle", lc.Name(), lc.State())
		}
	}

	report, err := f.Boot(bootCtx(t))
	if err != nil {
		t.Fatalf("Boot after power cycle: %v", err)
	}
	cold := 0
	for _, r := range report.Results {
		if r.Event == platform.ColdBoot {
			cold++
		}
	}
	if cold != 1 {
		t.Fatalf("%d cold harts after power cycle", cold)
	}
}

func TestBootFailsOnBadRegions(t *testing.T) {
	p := config.Default()
	p.Harts = 2
	var many []config.Region
	for i := 0; i <= machine.PMPCount; i++ {
		many = append(many, config.Region{Perm: "r", Base: uint64(i) << 12, Log2Size: 12})
	}
	p.Regions = many
	f, _ := newTestFirmware(t, p)

	report, err := f.Boot(bootCtx(t))
	if platform.Kind(err) != platform.ErrHardwareFault {
		t.Fatalf("Boot = %v, want hardware fault", err)
	}
	for _, r := range report.Results {
		if platform.Kind(r.Err) != platform.ErrHardwareFault {
			t.Fatalf("hart %d: %v", r.Hart, r.Err)
		}
	}
	if report.Published != nil {
		t.Fatalf("failed boot published")
	}
	var pe *platform.Error
	if !errors.As(err, &pe) {
		t.Fatalf("error has no context: %v", err)
	}
}

func TestNewRejectsInvalidPlatform(t *testing.T) {
	p := config.Default()
	p.Harts = 0
	if _, err := New(p, Options{}); !errors.Is(err, platform.ErrConfiguration) {
		t.Fatalf("New = %v", err)
	}
}
