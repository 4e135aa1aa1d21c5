package pci

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/rvaia/internal/fdt"
	"github.com/tinyrange/rvaia/internal/mmio"
)

// Location names a function on the segment.
type Location struct {
	Bus  uint8
	Slot uint8
	Func uint8
}

func (l Location) String() string {
	return fmt.Sprintf("%02x:%02x.%x", l.Bus, l.Slot, l.Func)
}

// HostBridgeConfig describes the MMIO layout for config accesses and BAR windows.
type HostBridgeConfig struct {
	ConfigBase uint64
	MMIOBase   uint64
	MMIOSize   uint64
	MaxBus     uint8
	// MSI carries MSI-X writes made by functions.
	MSI MSIWriter
}

// HostBridge implements an ECAM root complex. Configuration space of
// bus b, slot s, function f lives at b<<20 | s<<15 | f<<12.
type HostBridge struct {
	configBase uint64
	mmioBase   uint64
	mmioSize   uint64
	maxBus     uint8
	msi        MSIWriter

	mu        sync.Mutex
	functions map[Location]*Function
}

// NewHostBridge constructs a host bridge with the root complex function
// at 00:00.0.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	const (
		defaultMMIOBase = 0x4000_0000
		defaultMMIOSize = 0x4000_0000
	)
	h := &HostBridge{
		configBase: cfg.ConfigBase,
		mmioBase:   cfg.MMIOBase,
		mmioSize:   cfg.MMIOSize,
		maxBus:     cfg.MaxBus,
		msi:        cfg.MSI,
		functions:  make(map[Location]*Function),
	}
	if h.mmioBase == 0 {
		h.mmioBase = defaultMMIOBase
	}
	if h.mmioSize == 0 {
		h.mmioSize = defaultMMIOSize
	}
	root, err := NewFunction("host", FunctionConfig{
		VendorID: VendorRedHat,
		DeviceID: DeviceGPEXHost,
		Class:    0x060000,
	})
	if err != nil {
		panic(err)
	}
	h.functions[Location{}] = root
	return h
}

// Register places fn at loc.
func (h *HostBridge) Register(loc Location, fn *Function) error {
	if fn == nil {
		return fmt.Errorf("pci: register %s: function is nil", loc)
	}
	if loc.Bus > h.maxBus || loc.Slot > 31 || loc.Func > 7 {
		return fmt.Errorf("pci: register %s: location outside the segment", loc)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.functions[loc]; exists {
		return fmt.Errorf("pci: device already registered at %s", loc)
	}
	fn.mu.Lock()
	fn.out = h.msi
	fn.mu.Unlock()
	h.functions[loc] = fn
	return nil
}

// Function returns the function at loc, or nil.
func (h *HostBridge) Function(loc Location) *Function {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.functions[loc]
}

// Locations lists the populated locations in bus, slot, function order.
func (h *HostBridge) Locations() []Location {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Location, 0, len(h.functions))
	for loc := range h.functions {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Bus != b.Bus {
			return a.Bus < b.Bus
		}
		if a.Slot != b.Slot {
			return a.Slot < b.Slot
		}
		return a.Func < b.Func
	})
	return out
}

// Size implements mmio.Device for the ECAM window.
func (h *HostBridge) Size() uint64 {
	return (uint64(h.maxBus) + 1) << 20
}

func (h *HostBridge) decodeConfigAddress(offset uint64) (*Function, uint16) {
	loc := Location{
		Bus:  uint8(offset >> 20),
		Slot: uint8(offset>>15) & 0x1f,
		Func: uint8(offset>>12) & 0x7,
	}
	reg := uint16(offset & 0xfff)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.functions[loc], reg
}

// Read implements mmio.Device. Empty locations read as all ones.
func (h *HostBridge) Read(offset uint64, size int) (uint64, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("pci host bridge: %d-byte config read", size)
	}
	if offset%uint64(size) != 0 {
		return 0, fmt.Errorf("pci host bridge: misaligned config read at %#x", offset)
	}
	fn, reg := h.decodeConfigAddress(offset)
	if fn == nil {
		return maskValue(0xffff_ffff, size), nil
	}
	return uint64(fn.ReadConfig(reg, uint8(size))), nil
}

// Write implements mmio.Device. Writes to empty locations are dropped.
func (h *HostBridge) Write(offset uint64, size int, value uint64) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("pci host bridge: %d-byte config write", size)
	}
	if offset%uint64(size) != 0 {
		return fmt.Errorf("pci host bridge: misaligned config write at %#x", offset)
	}
	fn, reg := h.decodeConfigAddress(offset)
	if fn == nil || (offset>>12) == 0 {
		return nil
	}
	fn.WriteConfig(reg, uint8(size), uint32(value))
	return nil
}

func maskValue(value uint32, size int) uint64 {
	switch size {
	case 1:
		return uint64(value & 0xff)
	case 2:
		return uint64(value & 0xffff)
	default:
		return uint64(value)
	}
}

// MemoryWindow returns the device decoding the BAR aperture.
func (h *HostBridge) MemoryWindow() mmio.Device {
	return window{h: h}
}

// MMIOBase returns the start of the BAR aperture.
func (h *HostBridge) MMIOBase() uint64 {
	return h.mmioBase
}

type window struct {
	h *HostBridge
}

func (w window) Size() uint64 { return w.h.mmioSize }

func (w window) find(offset uint64) (mmio.Device, uint64, bool) {
	addr := w.h.mmioBase + offset
	w.h.mu.Lock()
	fns := make([]*Function, 0, len(w.h.functions))
	for _, fn := range w.h.functions {
		fns = append(fns, fn)
	}
	w.h.mu.Unlock()
	for _, fn := range fns {
		if dev, off, ok := fn.decode(addr); ok {
			return dev, off, true
		}
	}
	return nil, 0, false
}

// Read answers unclaimed aperture addresses with zero, like a master abort
// that the root complex completes.
func (w window) Read(offset uint64, size int) (uint64, error) {
	dev, off, ok := w.find(offset)
	if !ok {
		return 0, nil
	}
	return dev.Read(off, size)
}

func (w window) Write(offset uint64, size int, value uint64) error {
	dev, off, ok := w.find(offset)
	if !ok {
		return nil
	}
	return dev.Write(off, size, value)
}

// DeviceTreeNode returns a device-tree node describing the host bridge.
// msiParent is the phandle of the interrupt file receiving its MSIs.
func (h *HostBridge) DeviceTreeNode(msiParent uint32) fdt.Node {
	ranges := []uint32{
		0x02000000, uint32(h.mmioBase >> 32), uint32(h.mmioBase),
		uint32(h.mmioBase >> 32), uint32(h.mmioBase),
		uint32(h.mmioSize >> 32), uint32(h.mmioSize),
	}
	return fdt.Node{
		Name: fmt.Sprintf("pcie@%x", h.configBase),
		Properties: map[string]fdt.Property{
			"compatible":     {Strings: []string{"pci-host-ecam-generic"}},
			"device_type":    {Strings: []string{"pci"}},
			"#address-cells": {U32: []uint32{3}},
			"#size-cells":    {U32: []uint32{2}},
			"bus-range":      {U32: []uint32{0, uint32(h.maxBus)}},
			"reg":            {U64: []uint64{h.configBase, h.Size()}},
			"ranges":         {U32: ranges},
			"msi-parent":     {U32: []uint32{msiParent}},
		},
	}
}

var (
	_ mmio.Device = (*HostBridge)(nil)
	_ mmio.Device = window{}
)
