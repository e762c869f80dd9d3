package machine

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/bringup/internal/fdt"
	"github.com/tinyrange/bringup/internal/platform"
)

func testConfig(harts uint32, out *bytes.Buffer) Config {
	return Config{
		HartCount:      harts,
		RAMSize:        1024 * 1024,
		CLINTBase:      0x0030_0000,
		PLICBase:       0x1000_0000,
		PLICSources:    0x35,
		PLICPriorities: 7,
		UARTBase:       0x5400_0000,
		UARTClock:      10_000_000,
		Output:         out,
	}
}

func newTestMachine(t *testing.T, harts uint32) (*Machine, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	m, err := NewMachine(testConfig(harts, out), nil)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m, out
}

func TestBusRouting(t *testing.T) {
	m, _ := newTestMachine(t, 2)

	if err := m.Bus.Write64(DefaultRAMBase+0x10, 0x1122334455667788); err != nil {
		t.Fatalf("Write64 RAM: %v", err)
	}
	v, err := m.Bus.Read64(DefaultRAMBase + 0x10)
	if err != nil || v != 0x1122334455667788 {
		t.Fatalf("Read64 RAM = 0x%x, %v", v, err)
	}

	if _, err := m.Bus.Read32(0x2000_0000); err == nil {
		t.Fatalf("read from unmapped address succeeded")
	}
	if _, err := m.Bus.Read64(DefaultRAMBase + 1024*1024 - 4); err == nil {
		t.Fatalf("access crossing the end of RAM succeeded")
	}

	names := []string{}
	for _, mapping := range m.Bus.Mappings() {
		names = append(names, mapping.Name)
	}
	want := []string{"clint", "plic", "uart", "ram"}
	if len(names) != len(want) {
		t.Fatalf("mappings = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("mappings = %v, want %v", names, want)
		}
	}
}

func TestBusOverlap(t *testing.T) {
	bus := NewBus()
	if err := bus.AddDevice("a", 0x1000, NewRAM(0x1000)); err != nil {
		t.Fatalf("AddDevice a: %v", err)
	}
	if err := bus.AddDevice("b", 0x1800, NewRAM(0x1000)); err == nil {
		t.Fatalf("overlap above accepted")
	}
	if err := bus.AddDevice("c", 0x0800, NewRAM(0x1000)); err == nil {
		t.Fatalf("overlap below accepted")
	}
	if err := bus.AddDevice("d", 0x2000, NewRAM(0x1000)); err != nil {
		t.Fatalf("adjacent device rejected: %v", err)
	}
}

func TestCLINTPerHart(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	base := m.Config.CLINTBase

	if err := m.Bus.Write32(base+CLINTMsip+4*2, 1); err != nil {
		t.Fatalf("write msip: %v", err)
	}
	for h := uint32(0); h < 4; h++ {
		if got := m.CLINT.SoftwarePending(h); got != (h == 2) {
			t.Fatalf("hart %d software pending = %v", h, got)
		}
	}

	// 32-bit halves of mtimecmp
	if err := m.Bus.Write32(base+CLINTMtimecmp+8*3, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	if err := m.Bus.Write32(base+CLINTMtimecmp+8*3+4, 0x01234567); err != nil {
		t.Fatal(err)
	}
	if got := m.CLINT.Timecmp(3); got != 0x01234567deadbeef {
		t.Fatalf("mtimecmp = 0x%x", got)
	}
	if m.CLINT.Timecmp(0) != 0 {
		t.Fatalf("other hart's mtimecmp changed")
	}
}

func TestCLINTTime(t *testing.T) {
	c := NewCLINT(1)
	now := time.Unix(100, 0)
	c.now = func() time.Time { return now }
	c.startTime = now

	if err := c.Write(CLINTMtime, 8, 1000); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Microsecond) // 10 ticks at 10 MHz
	v, _ := c.Read(CLINTMtime, 8)
	if v != 1010 {
		t.Fatalf("mtime = %d, want 1010", v)
	}

	c.Write(CLINTMtimecmp, 8, 1005)
	if !c.TimerPending(0) {
		t.Fatalf("timer not pending past compare")
	}
	c.Write(CLINTMtimecmp, 8, ^uint64(0))
	if c.TimerPending(0) {
		t.Fatalf("timer pending with compare at max")
	}
}

func TestPLICRegisters(t *testing.T) {
	m, _ := newTestMachine(t, 2)
	base := m.Config.PLICBase

	m.Bus.Write32(base+PLICPriorityBase+4*5, 0xff)
	if got := m.PLIC.Priority(5); got != 7 {
		t.Fatalf("priority = %d, want masked to 7", got)
	}
	m.Bus.Write32(base+PLICPriorityBase+4*0x40, 3)
	if got := m.PLIC.Priority(0x40); got != 0 {
		t.Fatalf("nonexistent source priority = %d", got)
	}

	// Context 3 is hart 1's S-mode context
	m.Bus.Write32(base+PLICEnableBase+3*PLICEnableStride, 0xffffffff)
	if m.PLIC.Enabled(3, 0) {
		t.Fatalf("source 0 enabled")
	}
	if !m.PLIC.Enabled(3, 5) || m.PLIC.Enabled(2, 5) {
		t.Fatalf("enable bits landed in the wrong context")
	}

	m.Bus.Write32(base+PLICThresholdBase+3*PLICContextStride, 2)
	m.PLIC.SetPending(5, true)
	if !m.PLIC.ContextPending(3) {
		t.Fatalf("context 3 should see source 5")
	}
	claim, _ := m.Bus.Read32(base + PLICThresholdBase + 3*PLICContextStride + 4)
	if claim != 5 {
		t.Fatalf("claim = %d, want 5", claim)
	}
	if m.PLIC.ContextPending(3) {
		t.Fatalf("claimed source still pending")
	}
}

func TestUART(t *testing.T) {
	m, out := newTestMachine(t, 1)
	base := m.Config.UARTBase

	// Transmitter disabled: FIFO fills and reports full.
	for i := 0; i < UARTFifoDepth; i++ {
		m.Bus.Write32(base+UARTRegTxData, 'a')
	}
	v, _ := m.Bus.Read32(base + UARTRegTxData)
	if v&UARTTxFull == 0 {
		t.Fatalf("tx fifo not full")
	}
	if out.Len() != 0 {
		t.Fatalf("output with transmitter disabled: %q", out.String())
	}

	m.Bus.Write32(base+UARTRegTxCtrl, UARTTxCtrlEn)
	if out.String() != "aaaaaaaa" {
		t.Fatalf("output = %q", out.String())
	}
	m.Bus.Write32(base+UARTRegTxData, 'b')
	if out.String() != "aaaaaaaab" {
		t.Fatalf("output = %q", out.String())
	}

	v, _ = m.Bus.Read32(base + UARTRegRxData)
	if v&UARTRxEmpty == 0 {
		t.Fatalf("rx not empty")
	}
	m.UART.EnqueueInput([]byte("hi"))
	v, _ = m.Bus.Read32(base + UARTRegRxData)
	if v&UARTRxEmpty == 0 {
		t.Fatalf("rx delivered data while receiver disabled")
	}
	m.Bus.Write32(base+UARTRegRxCtrl, UARTRxCtrlEn)
	v, _ = m.Bus.Read32(base + UARTRegRxData)
	if v != 'h' {
		t.Fatalf("rx = 0x%x", v)
	}
}

func TestHartWriteRegion(t *testing.T) {
	h := NewHart(0)

	if err := h.WriteRegion(0, platform.Region{Perm: platform.PermRWX, Base: 0, Log2Size: XLEN}); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}
	cfg, addr := h.PMP(0)
	if cfg != PMPRead|PMPWrite|PMPExec|PMPAddrNAPOT || addr != ^uint64(0) {
		t.Fatalf("pmp0 = cfg 0x%x addr 0x%x", cfg, addr)
	}
	if !h.Allows(0xffff_ffff_ffff_f000, 8, platform.PermRWX) {
		t.Fatalf("whole-space region denies access")
	}

	if err := h.WriteRegion(1, platform.Region{Perm: platform.PermRead, Base: 0x8000_0000, Log2Size: 12}); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}
	_, addr = h.PMP(1)
	if want := uint64(0x8000_0000>>2 | 0x1ff); addr != want {
		t.Fatalf("pmp1 addr = 0x%x, want 0x%x", addr, want)
	}

	if err := h.WriteRegion(PMPCount, platform.Region{Log2Size: 12}); !platformIsHardwareFault(err) {
		t.Fatalf("entry %d accepted: %v", PMPCount, err)
	}
	if err := h.WriteRegion(2, platform.Region{Log2Size: 1}); !platformIsHardwareFault(err) {
		t.Fatalf("log2 size 1 accepted: %v", err)
	}
	if h.PMPWrites() != 2 {
		t.Fatalf("PMPWrites = %d", h.PMPWrites())
	}
}

func platformIsHardwareFault(err error) bool {
	return platform.Kind(err) == platform.ErrHardwareFault
}

func TestHartAllowsPriority(t *testing.T) {
	h := NewHart(0)
	// Entry 0 makes one page read-only; entry 1 opens everything.
	h.WriteRegion(0, platform.Region{Perm: platform.PermRead, Base: 0x8000_0000, Log2Size: 12})
	h.WriteRegion(1, platform.Region{Perm: platform.PermRWX, Log2Size: XLEN})

	if h.Allows(0x8000_0100, 4, platform.PermWrite) {
		t.Fatalf("write allowed in read-only page")
	}
	if !h.Allows(0x8000_0100, 4, platform.PermRead) {
		t.Fatalf("read denied in read-only page")
	}
	if !h.Allows(0x8000_1000, 4, platform.PermWrite) {
		t.Fatalf("write denied outside the page")
	}

	h.ResetPMP()
	if h.Allows(0, 4, platform.PermRead) {
		t.Fatalf("access allowed with no entries")
	}
}

func TestGenerateFDT(t *testing.T) {
	m, _ := newTestMachine(t, 2)
	blob, err := GenerateFDT(m, "test", 0)
	if err != nil {
		t.Fatalf("GenerateFDT: %v", err)
	}
	cells, err := fdt.Cells(blob, "riscv,plic0", "interrupts-extended")
	if err != nil {
		t.Fatalf("Cells: %v", err)
	}
	want := []uint32{1, IRQMachineExt, 1, IRQSupervisorExt, 2, IRQMachineExt, 2, IRQSupervisorExt}
	if len(cells) != len(want) {
		t.Fatalf("cells = %v", cells)
	}
	for i := range want {
		if cells[i] != want[i] {
			t.Fatalf("cells = %v, want %v", cells, want)
		}
	}
	ndev, err := fdt.Cells(blob, "riscv,plic0", "riscv,ndev")
	if err != nil || ndev[0] != 0x35 {
		t.Fatalf("riscv,ndev = %v, %v", ndev, err)
	}
	if got := cpu0Status(t, blob); got != "okay" {
		t.Fatalf("cpu@0 status = %q", got)
	}
}

// cpu0Status returns the status of the first cpu node.
func cpu0Status(t *testing.T, blob []byte) string {
	t.Helper()
	ref, err := fdt.FindProperty(blob, "riscv", "status")
	if err != nil {
		t.Fatalf("FindProperty(status): %v", err)
	}
	return strings.TrimRight(string(blob[ref.Offset:ref.Offset+ref.Length]), "\x00")
}

func TestGenerateFDTDisabledHarts(t *testing.T) {
	m, _ := newTestMachine(t, 2)
	blob, err := GenerateFDT(m, "test", 1, 0)
	if err != nil {
		t.Fatalf("GenerateFDT: %v", err)
	}
	if got := cpu0Status(t, blob); got != "disabled" {
		t.Fatalf("cpu@0 status = %q, want disabled", got)
	}
	if boot, err := fdt.BootCPU(blob); err != nil || boot != 1 {
		t.Fatalf("BootCPU = %d, %v", boot, err)
	}
}

func TestResetRequests(t *testing.T) {
	m, _ := newTestMachine(t, 1)
	if err := m.Reboot(platform.ResetColdReboot); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	if !m.Halted() {
		t.Fatalf("machine not halted")
	}
	if err := m.Shutdown(platform.ResetType(9)); err == nil {
		t.Fatalf("unknown reset type accepted")
	}
	reqs := m.ResetRequests()
	if len(reqs) != 1 || reqs[0] != platform.ResetColdReboot {
		t.Fatalf("requests = %v", reqs)
	}

	m.Harts[0].WriteRegion(0, platform.Region{Perm: platform.PermRWX, Log2Size: XLEN})
	m.PowerCycle()
	if m.Halted() || m.Harts[0].PMPWrites() != 0 {
		t.Fatalf("power cycle left state behind")
	}
}
