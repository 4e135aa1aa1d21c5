// Package platform holds the physical memory map of a QEMU virt machine
// with AIA and PCIe, and lets it be overridden from YAML.
package platform

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Layout is every fixed address the kernel and simulator agree on.
type Layout struct {
	Harts int `yaml:"harts"`

	RAMBase uint64 `yaml:"ram_base"`
	RAMSize uint64 `yaml:"ram_size"`
	// Pages handed to the page allocator: [PagesStart, PagesEnd).
	PagesStart uint64 `yaml:"pages_start"`
	PagesEnd   uint64 `yaml:"pages_end"`

	UARTBase uint64 `yaml:"uart_base"`
	UARTIRQ  uint32 `yaml:"uart_irq"`

	APLICM uint64 `yaml:"aplic_m"`
	APLICS uint64 `yaml:"aplic_s"`
	IMSICM uint64 `yaml:"imsic_m"`
	IMSICS uint64 `yaml:"imsic_s"`

	ECAMBase   uint64 `yaml:"ecam_base"`
	PCILastBus int    `yaml:"pci_last_bus"`
	BARBase    uint64 `yaml:"bar_base"`
	BARSize    uint64 `yaml:"bar_size"`
	MaxStorage int    `yaml:"max_storage"`
}

// Default returns the QEMU virt layout with AIA enabled and one hart.
func Default() Layout {
	return Layout{
		Harts:      1,
		RAMBase:    0x8000_0000,
		RAMSize:    128 << 20,
		PagesStart: 0x8020_0000,
		PagesEnd:   0x8800_0000,
		UARTBase:   0x1000_0000,
		UARTIRQ:    10,
		APLICM:     0x0c00_0000,
		APLICS:     0x0d00_0000,
		IMSICM:     0x2400_0000,
		IMSICS:     0x2800_0000,
		ECAMBase:   0x3000_0000,
		PCILastBus: 4,
		BARBase:    0x4000_0000,
		BARSize:    0x4000_0000,
		MaxStorage: 4,
	}
}

const (
	uartSize     = 0x100
	aplicSize    = 0x4000
	idcSize      = 0x20
	imsicPage    = 0x1000
	maxIRQ       = 1023
	maxConfigLen = 1 << 20
	bridgeSpan   = 32 << 20
)

// Region is a named physical address range.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

// Regions lists the device and memory windows of l sorted by base.
func (l Layout) Regions() []Region {
	harts := uint64(l.Harts)
	rs := []Region{
		{"ram", l.RAMBase, l.RAMSize},
		{"uart", l.UARTBase, uartSize},
		{"aplic-m", l.APLICM, aplicSize + harts*idcSize},
		{"aplic-s", l.APLICS, aplicSize + harts*idcSize},
		{"imsic-m", l.IMSICM, harts * imsicPage},
		{"imsic-s", l.IMSICS, harts * imsicPage},
		{"pci-ecam", l.ECAMBase, uint64(l.PCILastBus+1) << 20},
		{"pci-mmio", l.BARBase, l.BARSize},
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Base < rs[j].Base })
	return rs
}

// Validate checks that the layout is self-consistent.
func (l Layout) Validate() error {
	var errs []error
	if l.Harts < 1 {
		errs = append(errs, fmt.Errorf("harts must be at least 1, got %d", l.Harts))
	}
	if l.UARTIRQ < 2 || l.UARTIRQ > maxIRQ {
		errs = append(errs, fmt.Errorf("uart_irq %d outside [2,%d]", l.UARTIRQ, maxIRQ))
	}
	if l.PCILastBus < 0 || l.PCILastBus > 255 {
		errs = append(errs, fmt.Errorf("pci_last_bus %d outside [0,255]", l.PCILastBus))
	}
	if l.MaxStorage < 1 {
		errs = append(errs, fmt.Errorf("max_storage must be at least 1"))
	}
	for name, addr := range map[string]uint64{"imsic_m": l.IMSICM, "imsic_s": l.IMSICS, "aplic_m": l.APLICM, "aplic_s": l.APLICS} {
		if addr%imsicPage != 0 {
			errs = append(errs, fmt.Errorf("%s %#x is not page aligned", name, addr))
		}
	}
	// The per-slot BAR cursor ORs bus<<20 | slot<<16 into the base, and
	// bridge windows reach base + 32 MiB.
	span := uint64(1) << bits.Len64(uint64(l.PCILastBus)<<20|0x1F<<16)
	if span < bridgeSpan {
		span = bridgeSpan
	}
	if l.BARBase&(span-1) != 0 {
		errs = append(errs, fmt.Errorf("bar_base %#x overlaps the bus/slot bits", l.BARBase))
	}
	if l.BARSize < span {
		errs = append(errs, fmt.Errorf("bar_size %#x is smaller than %#x", l.BARSize, span))
	}
	if l.PagesStart < l.RAMBase || l.PagesEnd > l.RAMBase+l.RAMSize || l.PagesEnd < l.PagesStart {
		errs = append(errs, fmt.Errorf("pages %#x-%#x outside RAM", l.PagesStart, l.PagesEnd))
	}
	if len(errs) == 0 {
		rs := l.Regions()
		for i := 1; i < len(rs); i++ {
			prev := rs[i-1]
			if rs[i].Base < prev.Base+prev.Size {
				errs = append(errs, fmt.Errorf("%s at %#x overlaps %s at %#x", rs[i].Name, rs[i].Base, prev.Name, prev.Base))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("platform: invalid layout: %w", err)
	}
	return nil
}

// Parse overlays the YAML document data on the default layout.
func Parse(data []byte) (Layout, error) {
	l := Default()
	if err := yaml.Unmarshal(data, &l); err != nil {
		return Layout{}, fmt.Errorf("platform: parse layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// Load reads a layout file. An empty path selects the defaults.
func Load(path string) (Layout, error) {
	if path == "" {
		return Default(), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return Layout{}, fmt.Errorf("platform: %w", err)
	}
	if info.Size() > maxConfigLen {
		return Layout{}, fmt.Errorf("platform: layout file %s is too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("platform: %w", err)
	}
	l, err := Parse(data)
	if err != nil {
		return Layout{}, fmt.Errorf("%s: %w", path, err)
	}
	slog.Info("platform: loaded layout", "path", path, "harts", l.Harts)
	return l, nil
}
