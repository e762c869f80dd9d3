package machine

import (
	"fmt"

	"github.com/tinyrange/bringup/internal/fdt"
)

// Interrupt causes used in interrupts-extended cells
const (
	IRQSupervisorSoft  = 1
	IRQMachineSoft     = 3
	IRQSupervisorTimer = 5
	IRQMachineTimer    = 7
	IRQSupervisorExt   = 9
	IRQMachineExt      = 11
)

// intcPhandle returns the phandle of hart h's local interrupt controller.
func intcPhandle(h uint32) uint32 { return h + 1 }

// GenerateFDT builds the device tree handed to the next boot stage. The PLIC
// node lists both the M-mode and S-mode external interrupt context of every
// hart; cold boot firmware hides the M-mode ones before hand-off. Harts in
// disabled keep their cpu node with status "disabled".
func GenerateFDT(m *Machine, model string, bootHart uint32, disabled ...uint32) ([]byte, error) {
	cfg := m.Config
	plicPhandle := cfg.HartCount + 1

	off := make(map[uint32]bool, len(disabled))
	for _, h := range disabled {
		off[h] = true
	}

	cpus := fdt.NewNode("cpus").
		Set("#address-cells", fdt.U32(1)).
		Set("#size-cells", fdt.U32(0)).
		Set("timebase-frequency", fdt.U32(CLINTFrequency))

	var clintIRQs, plicIRQs []uint32
	for h := uint32(0); h < cfg.HartCount; h++ {
		status := "okay"
		if off[h] {
			status = "disabled"
		}
		cpus = cpus.Add(fdt.NewNode(fmt.Sprintf("cpu@%d", h)).
			Set("device_type", fdt.Str("cpu")).
			Set("reg", fdt.U32(h)).
			Set("status", fdt.Str(status)).
			Set("compatible", fdt.Str("riscv")).
			Set("riscv,isa", fdt.Str("rv64imafdc_zicsr_zifencei")).
			Set("mmu-type", fdt.Str("riscv,sv39")).
			Add(fdt.NewNode("interrupt-controller").
				Set("#interrupt-cells", fdt.U32(1)).
				Set("interrupt-controller", fdt.Flag()).
				Set("compatible", fdt.Str("riscv,cpu-intc")).
				Set("phandle", fdt.U32(intcPhandle(h)))))

		ph := intcPhandle(h)
		clintIRQs = append(clintIRQs, ph, IRQMachineSoft, ph, IRQMachineTimer)
		plicIRQs = append(plicIRQs, ph, IRQMachineExt, ph, IRQSupervisorExt)
	}

	soc := fdt.NewNode("soc").
		Set("#address-cells", fdt.U32(2)).
		Set("#size-cells", fdt.U32(2)).
		Set("compatible", fdt.Str("simple-bus")).
		Set("ranges", fdt.Flag()).
		Add(
			fdt.NewNode(fmt.Sprintf("clint@%x", cfg.CLINTBase)).
				Set("compatible", fdt.Str("sifive,clint0", "riscv,clint0")).
				Set("reg", fdt.U64(cfg.CLINTBase, CLINTSize)).
				Set("interrupts-extended", fdt.U32(clintIRQs...)),
			fdt.NewNode(fmt.Sprintf("interrupt-controller@%x", cfg.PLICBase)).
				Set("compatible", fdt.Str("sifive,plic-1.0.0", "riscv,plic0")).
				Set("#interrupt-cells", fdt.U32(1)).
				Set("interrupt-controller", fdt.Flag()).
				Set("reg", fdt.U64(cfg.PLICBase, PLICSize)).
				Set("interrupts-extended", fdt.U32(plicIRQs...)).
				Set("riscv,ndev", fdt.U32(cfg.PLICSources)).
				Set("phandle", fdt.U32(plicPhandle)),
			fdt.NewNode(fmt.Sprintf("serial@%x", cfg.UARTBase)).
				Set("compatible", fdt.Str("sifive,uart0")).
				Set("reg", fdt.U64(cfg.UARTBase, UARTSize)).
				Set("clock-frequency", fdt.U32(cfg.UARTClock)).
				Set("interrupt-parent", fdt.U32(plicPhandle)).
				Set("interrupts", fdt.U32(1)),
		)

	root := fdt.NewNode("").
		Set("#address-cells", fdt.U32(2)).
		Set("#size-cells", fdt.U32(2)).
		Set("compatible", fdt.Str(model)).
		Set("model", fdt.Str(model)).
		Add(
			fdt.NewNode("chosen").
				Set("stdout-path", fdt.Str(fmt.Sprintf("/soc/serial@%x", cfg.UARTBase))),
			cpus,
			fdt.NewNode(fmt.Sprintf("memory@%x", cfg.RAMBase)).
				Set("device_type", fdt.Str("memory")).
				Set("reg", fdt.U64(cfg.RAMBase, cfg.RAMSize)),
			soc,
		)

	return fdt.Build(root, bootHart)
}
