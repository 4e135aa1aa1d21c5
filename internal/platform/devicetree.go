package platform

import (
	"fmt"

	"github.com/tinyrange/rvaia/internal/fdt"
)

// Phandles of the interrupt controllers in the generated tree. Per-hart
// local controllers follow from PHandleCPUIntc.
const (
	PHandleIMSICM  = 2
	PHandleIMSICS  = 3
	PHandleAPLICM  = 4
	PHandleAPLICS  = 5
	PHandleCPUIntc = 0x10

	irqLevelHigh = 4
	timebaseFreq = 10_000_000
)

func u32(v ...uint32) fdt.Property { return fdt.Property{U32: v} }
func u64(v ...uint64) fdt.Property { return fdt.Property{U64: v} }
func str(v ...string) fdt.Property { return fdt.Property{Strings: v} }

// DeviceTree describes l. extra nodes (for instance the PCIe host) are
// added under /soc.
func DeviceTree(l Layout, extra ...fdt.Node) fdt.Node {
	var cpus []fdt.Node
	var mExt, sExt []uint32
	for h := 0; h < l.Harts; h++ {
		intc := uint32(PHandleCPUIntc + h)
		cpus = append(cpus, fdt.Node{
			Name: fmt.Sprintf("cpu@%d", h),
			Properties: map[string]fdt.Property{
				"device_type": str("cpu"),
				"reg":         u32(uint32(h)),
				"compatible":  str("riscv"),
				"riscv,isa":   str("rv64imafdc_smaia_ssaia"),
				"status":      str("okay"),
			},
			Children: []fdt.Node{{
				Name: "interrupt-controller",
				Properties: map[string]fdt.Property{
					"#interrupt-cells":     u32(1),
					"interrupt-controller": {Flag: true},
					"compatible":           str("riscv,cpu-intc"),
					"phandle":              u32(intc),
				},
			}},
		})
		mExt = append(mExt, intc, 11)
		sExt = append(sExt, intc, 9)
	}

	harts := uint64(l.Harts)
	aplicSpan := uint64(aplicSize) + harts*idcSize
	soc := []fdt.Node{
		{
			Name: fmt.Sprintf("serial@%x", l.UARTBase),
			Properties: map[string]fdt.Property{
				"compatible":       str("ns16550a"),
				"reg":              u64(l.UARTBase, uartSize),
				"clock-frequency":  u32(3_686_400),
				"interrupt-parent": u32(PHandleAPLICS),
				"interrupts":       u32(l.UARTIRQ, irqLevelHigh),
			},
		},
		imsicNode(l.IMSICM, harts, PHandleIMSICM, mExt),
		imsicNode(l.IMSICS, harts, PHandleIMSICS, sExt),
		{
			Name: fmt.Sprintf("aplic@%x", l.APLICM),
			Properties: map[string]fdt.Property{
				"compatible":           str("riscv,aplic"),
				"reg":                  u64(l.APLICM, aplicSpan),
				"interrupt-controller": {Flag: true},
				"#interrupt-cells":     u32(2),
				"msi-parent":           u32(PHandleIMSICM),
				"riscv,num-sources":    u32(maxIRQ),
				"riscv,children":       u32(PHandleAPLICS),
				"riscv,delegation":     u32(PHandleAPLICS, 1, maxIRQ),
				"phandle":              u32(PHandleAPLICM),
			},
		},
		{
			Name: fmt.Sprintf("aplic@%x", l.APLICS),
			Properties: map[string]fdt.Property{
				"compatible":           str("riscv,aplic"),
				"reg":                  u64(l.APLICS, aplicSpan),
				"interrupt-controller": {Flag: true},
				"#interrupt-cells":     u32(2),
				"msi-parent":           u32(PHandleIMSICS),
				"riscv,num-sources":    u32(maxIRQ),
				"phandle":              u32(PHandleAPLICS),
			},
		},
	}
	soc = append(soc, extra...)

	return fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": u32(2),
			"#size-cells":    u32(2),
			"compatible":     str("riscv-virtio"),
			"model":          str("riscv-virtio,qemu"),
		},
		Children: []fdt.Node{
			{
				Name: "chosen",
				Properties: map[string]fdt.Property{
					"stdout-path": str(fmt.Sprintf("/soc/serial@%x", l.UARTBase)),
				},
			},
			{
				Name: fmt.Sprintf("memory@%x", l.RAMBase),
				Properties: map[string]fdt.Property{
					"device_type": str("memory"),
					"reg":         u64(l.RAMBase, l.RAMSize),
				},
			},
			{
				Name: "cpus",
				Properties: map[string]fdt.Property{
					"#address-cells":     u32(1),
					"#size-cells":        u32(0),
					"timebase-frequency": u32(timebaseFreq),
				},
				Children: cpus,
			},
			{
				Name: "soc",
				Properties: map[string]fdt.Property{
					"#address-cells": u32(2),
					"#size-cells":    u32(2),
					"compatible":     str("simple-bus"),
					"ranges":         {Flag: true},
				},
				Children: soc,
			},
		},
	}
}

func imsicNode(base, harts uint64, phandle uint32, ext []uint32) fdt.Node {
	return fdt.Node{
		Name: fmt.Sprintf("imsics@%x", base),
		Properties: map[string]fdt.Property{
			"compatible":           str("riscv,imsics"),
			"reg":                  u64(base, harts*imsicPage),
			"interrupt-controller": {Flag: true},
			"#interrupt-cells":     u32(0),
			"msi-controller":       {Flag: true},
			"interrupts-extended":  u32(ext...),
			"riscv,num-ids":        u32(maxIRQ),
			"phandle":              u32(phandle),
		},
	}
}
