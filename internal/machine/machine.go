// Package machine assembles the simulated platform: RAM, the interrupt
// controllers, a UART on a wired line and a PCI segment, all decoded by one
// bus, plus the harts that take the resulting traps.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/rvaia/internal/chipset"
	"github.com/tinyrange/rvaia/internal/csr"
	"github.com/tinyrange/rvaia/internal/devices/aplic"
	"github.com/tinyrange/rvaia/internal/devices/imsic"
	"github.com/tinyrange/rvaia/internal/devices/pci"
	"github.com/tinyrange/rvaia/internal/devices/serial"
	"github.com/tinyrange/rvaia/internal/fdt"
	"github.com/tinyrange/rvaia/internal/mmio"
	"github.com/tinyrange/rvaia/internal/platform"
	"github.com/tinyrange/rvaia/internal/trap"
)

// ErrHalt is returned by Run once the boot hart has halted.
var ErrHalt = errors.New("machine halted")

// Slots used on the PCI segment. The bridge's slot doubles as its
// secondary bus number.
const (
	BridgeSlot  = 1
	StorageSlot = 2
)

// Machine represents a complete simulated platform.
type Machine struct {
	Layout platform.Layout

	Bus    *mmio.Bus
	RAM    *mmio.Region
	IMSIC  *imsic.IMSIC
	APLIC  *aplic.Domain
	APLICS *aplic.Domain
	Lines  *chipset.LineSet
	UART   *serial.UART
	PCI    *pci.HostBridge

	// Storage holds the NVMe controllers: one on bus 0 and one behind
	// the bridge.
	Storage []*pci.NVMe

	harts []*Hart
}

// New builds a machine for l. Transmitted UART bytes go to console.
func New(l platform.Layout, console io.Writer) (*Machine, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		Layout: l,
		Bus:    mmio.NewBus(),
		RAM:    mmio.NewRegion(l.RAMSize),
		IMSIC:  imsic.New(l.Harts),
	}
	if err := m.Bus.Map("ram", l.RAMBase, m.RAM); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	if err := m.IMSIC.Map(m.Bus, l.IMSICM, l.IMSICS); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	for h := 0; h < l.Harts; h++ {
		m.harts = append(m.harts, newHart(h, m.IMSIC))
	}

	m.APLIC = aplic.NewRoot("aplic-m", m.Bus, l.Harts)
	m.APLICS = m.APLIC.AddChild("aplic-s", csr.Supervisor)
	if err := m.Bus.Map("aplic-m", l.APLICM, m.APLIC); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	if err := m.Bus.Map("aplic-s", l.APLICS, m.APLICS); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	m.Lines = chipset.NewLineSet(m.APLIC)
	m.UART = serial.New(console, m.Lines.AllocateLine(l.UARTIRQ))
	if err := m.Bus.Map("uart", l.UARTBase, m.UART); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	if err := m.buildPCI(); err != nil {
		return nil, err
	}

	slog.Debug("machine: created", "harts", l.Harts, "mappings", len(m.Bus.Mappings()))
	return m, nil
}

type placement struct {
	loc pci.Location
	fn  *pci.Function
}

func (m *Machine) buildPCI() error {
	l := m.Layout
	m.PCI = pci.NewHostBridge(pci.HostBridgeConfig{
		ConfigBase: l.ECAMBase,
		MMIOBase:   l.BARBase,
		MMIOSize:   l.BARSize,
		MaxBus:     uint8(l.PCILastBus),
		MSI:        m.Bus,
	})
	if err := m.Bus.Map("pci-ecam", l.ECAMBase, m.PCI); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	if err := m.Bus.Map("pci-mmio", l.BARBase, m.PCI.MemoryWindow()); err != nil {
		return fmt.Errorf("machine: %w", err)
	}

	nvme0 := pci.NewNVMe("nvme0", pci.DefaultNVMeCAP, pci.DefaultNVMeVS)
	devices := []placement{
		{pci.Location{Slot: BridgeSlot}, pci.NewBridge("bridge0")},
		{pci.Location{Slot: StorageSlot}, nvme0.Function},
	}
	m.Storage = append(m.Storage, nvme0)
	if l.PCILastBus >= BridgeSlot {
		nvme1 := pci.NewNVMe("nvme1", pci.DefaultNVMeCAP, pci.DefaultNVMeVS)
		devices = append(devices, placement{pci.Location{Bus: BridgeSlot}, nvme1.Function})
		m.Storage = append(m.Storage, nvme1)
	}

	for _, d := range devices {
		if err := m.PCI.Register(d.loc, d.fn); err != nil {
			return fmt.Errorf("machine: %w", err)
		}
	}
	return nil
}

// Hart returns hart i.
func (m *Machine) Hart(i int) *Hart {
	return m.harts[i]
}

// DeviceTree describes the machine.
func (m *Machine) DeviceTree() fdt.Node {
	return platform.DeviceTree(m.Layout, m.PCI.DeviceTreeNode(platform.PHandleIMSICM))
}

// Line returns a handle on wired source irq of the root domain that
// bypasses the line set, for sources no device owns.
func (m *Machine) Line(irq uint32) chipset.LineInterrupt {
	return chipset.LineInterruptFromFunc(func(level bool) {
		m.APLIC.SetIRQ(irq, level)
	})
}

// RaiseLine drives wired line irq directly, bypassing any device.
func (m *Machine) RaiseLine(irq uint32, level bool) {
	m.Line(irq).SetLevel(level)
}

// Step takes at most one trap on hart 0 and reports whether it did.
func (m *Machine) Step(d *trap.Dispatcher) bool {
	h := m.harts[0]
	if halted, _ := h.Halted(); halted {
		return false
	}
	f, ok := h.next()
	if !ok {
		return false
	}
	d.Dispatch(f)
	return true
}

// Run takes traps on hart 0 until it halts or ctx is done. poll, if not
// nil, is the hart's main-line code: it runs after every trap and before
// the hart waits for the next interrupt, like wfi.
func (m *Machine) Run(ctx context.Context, d *trap.Dispatcher, poll func()) error {
	h := m.harts[0]
	for {
		if halted, reason := h.Halted(); halted {
			if reason != nil {
				return fmt.Errorf("%w: %w", ErrHalt, reason)
			}
			return ErrHalt
		}
		if m.Step(d) {
			continue
		}
		if poll != nil {
			poll()
			if m.pending() {
				continue
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.wake:
		}
	}
}

func (m *Machine) pending() bool {
	h := m.harts[0]
	if halted, _ := h.Halted(); halted {
		return true
	}
	h.mu.Lock()
	n := len(h.traps)
	h.mu.Unlock()
	return n > 0 || h.mip.Load() != 0
}

// Close releases the register blocks drivers claimed on the bus.
func (m *Machine) Close() error {
	mmio.Release(m.Bus)
	return nil
}
