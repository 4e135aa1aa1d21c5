package pci

import (
	"fmt"

	"github.com/tinyrange/rvaia/internal/mmio"
)

const (
	MaxBus  = 255
	MaxSlot = 31

	slotConfigSize = 1 << 15
)

// Configuration space offsets common to both header types.
const (
	regVendorID   = 0x00
	regDeviceID   = 0x02
	regCommand    = 0x04
	regStatus     = 0x06
	regClass      = 0x08
	regHeaderType = 0x0E
	regCapPtr     = 0x34
)

// Type 0 fields.
const (
	regBAR0  = 0x10
	barCount = 6
)

// Type 1 fields.
const (
	regPrimaryBus     = 0x18
	regSecondaryBus   = 0x19
	regSubordinateBus = 0x1A
	regMemoryBase     = 0x20
	regMemoryLimit    = 0x22
	regPrefetchBase   = 0x24
	regPrefetchLimit  = 0x26
	regPrefetchBaseHi = 0x28
	regPrefetchLimHi  = 0x2C
)

const (
	CommandMemory    = 1 << 1
	CommandBusMaster = 1 << 2

	statusCapList = 1 << 4

	vendorAbsent = 0xFFFF
)

// Location names a slot on the segment.
type Location struct {
	Bus  int
	Slot int
}

func (l Location) String() string {
	return fmt.Sprintf("%02x:%02x", l.Bus, l.Slot)
}

// ConfigOffset returns the ECAM offset of loc's configuration space. Out
// of range bus or slot numbers panic.
func ConfigOffset(loc Location) uint64 {
	if loc.Bus < 0 || loc.Bus > MaxBus || loc.Slot < 0 || loc.Slot > MaxSlot {
		panic(fmt.Sprintf("pci: location %d:%d out of range", loc.Bus, loc.Slot))
	}
	return uint64(loc.Bus)<<20 | uint64(loc.Slot)<<15
}

// HeaderKind is the layout selected by the header type register.
type HeaderKind uint8

const (
	EndpointHeader HeaderKind = 0
	BridgeHeader   HeaderKind = 1
)

func (k HeaderKind) String() string {
	switch k {
	case EndpointHeader:
		return "endpoint"
	case BridgeHeader:
		return "bridge"
	default:
		return fmt.Sprintf("HeaderKind(%d)", uint8(k))
	}
}

// Header is a view of one function's configuration space, tagged with the
// layout its header type register selects.
type Header struct {
	acc  mmio.Accessor
	base uint64
	loc  Location
	kind HeaderKind
}

// Location returns where the function sits.
func (h Header) Location() Location { return h.loc }

// Kind returns the header layout.
func (h Header) Kind() HeaderKind { return h.kind }

func (h Header) read8(off uint64) (uint8, error) {
	v, err := h.acc.Read8(h.base + off)
	if err != nil {
		return 0, fmt.Errorf("pci %s: read %#x: %w", h.loc, off, err)
	}
	return v, nil
}

func (h Header) read16(off uint64) (uint16, error) {
	v, err := h.acc.Read16(h.base + off)
	if err != nil {
		return 0, fmt.Errorf("pci %s: read %#x: %w", h.loc, off, err)
	}
	return v, nil
}

func (h Header) read32(off uint64) (uint32, error) {
	v, err := h.acc.Read32(h.base + off)
	if err != nil {
		return 0, fmt.Errorf("pci %s: read %#x: %w", h.loc, off, err)
	}
	return v, nil
}

func (h Header) write8(off uint64, v uint8) error {
	if err := h.acc.Write8(h.base+off, v); err != nil {
		return fmt.Errorf("pci %s: write %#x: %w", h.loc, off, err)
	}
	return nil
}

func (h Header) write16(off uint64, v uint16) error {
	if err := h.acc.Write16(h.base+off, v); err != nil {
		return fmt.Errorf("pci %s: write %#x: %w", h.loc, off, err)
	}
	return nil
}

func (h Header) write32(off uint64, v uint32) error {
	if err := h.acc.Write32(h.base+off, v); err != nil {
		return fmt.Errorf("pci %s: write %#x: %w", h.loc, off, err)
	}
	return nil
}

// IDs returns the vendor and device identifiers.
func (h Header) IDs() (vendor, device uint16, err error) {
	if vendor, err = h.read16(regVendorID); err != nil {
		return 0, 0, err
	}
	if device, err = h.read16(regDeviceID); err != nil {
		return 0, 0, err
	}
	return vendor, device, nil
}

// SetCommand writes the command register.
func (h Header) SetCommand(v uint16) error {
	return h.write16(regCommand, v)
}

// Command reads the command register.
func (h Header) Command() (uint16, error) {
	return h.read16(regCommand)
}

// Status reads the status register.
func (h Header) Status() (uint16, error) {
	return h.read16(regStatus)
}

// CapabilityPointer returns the dword-aligned offset of the first
// capability record.
func (h Header) CapabilityPointer() (uint8, error) {
	p, err := h.read8(regCapPtr)
	return p & 0xFC, err
}

// Endpoint returns the type 0 view. It panics on any other layout.
func (h Header) Endpoint() Endpoint {
	if h.kind != EndpointHeader {
		panic(fmt.Sprintf("pci %s: %s header viewed as endpoint", h.loc, h.kind))
	}
	return Endpoint{h}
}

// Bridge returns the type 1 view. It panics on any other layout.
func (h Header) Bridge() Bridge {
	if h.kind != BridgeHeader {
		panic(fmt.Sprintf("pci %s: %s header viewed as bridge", h.loc, h.kind))
	}
	return Bridge{h}
}

// Endpoint is the type 0 layout.
type Endpoint struct {
	Header
}

func checkBAR(i int) {
	if i < 0 || i >= barCount {
		panic(fmt.Sprintf("pci: BAR index %d out of range", i))
	}
}

// BAR reads base address register i.
func (e Endpoint) BAR(i int) (uint32, error) {
	checkBAR(i)
	return e.read32(regBAR0 + 4*uint64(i))
}

// SetBAR writes base address register i.
func (e Endpoint) SetBAR(i int, v uint32) error {
	checkBAR(i)
	return e.write32(regBAR0+4*uint64(i), v)
}

// Bridge is the type 1 layout.
type Bridge struct {
	Header
}

// SetBusNumbers programs the primary, secondary and subordinate bus fields.
func (b Bridge) SetBusNumbers(primary, secondary, subordinate uint8) error {
	if err := b.write8(regPrimaryBus, primary); err != nil {
		return err
	}
	if err := b.write8(regSecondaryBus, secondary); err != nil {
		return err
	}
	return b.write8(regSubordinateBus, subordinate)
}

// BusNumbers reads back the primary, secondary and subordinate bus fields.
func (b Bridge) BusNumbers() (primary, secondary, subordinate uint8, err error) {
	if primary, err = b.read8(regPrimaryBus); err != nil {
		return
	}
	if secondary, err = b.read8(regSecondaryBus); err != nil {
		return
	}
	subordinate, err = b.read8(regSubordinateBus)
	return
}

// Window is a forwarded memory range, inclusive of Base and exclusive of
// Base+Size. Bridges forward with 1 MiB granularity.
type Window struct {
	Base uint64
	Size uint64
}

func windowRegs(w Window) (base, limit uint16) {
	return uint16(w.Base>>16) & 0xFFF0, uint16((w.Base+w.Size-1)>>16) & 0xFFF0
}

// SetMemoryWindow programs the non-prefetchable memory base and limit.
func (b Bridge) SetMemoryWindow(w Window) error {
	base, limit := windowRegs(w)
	if err := b.write16(regMemoryBase, base); err != nil {
		return err
	}
	return b.write16(regMemoryLimit, limit)
}

// SetPrefetchWindow programs the prefetchable base and limit, including
// their upper dwords.
func (b Bridge) SetPrefetchWindow(w Window) error {
	base, limit := windowRegs(w)
	if err := b.write16(regPrefetchBase, base); err != nil {
		return err
	}
	if err := b.write16(regPrefetchLimit, limit); err != nil {
		return err
	}
	if err := b.write32(regPrefetchBaseHi, uint32(w.Base>>32)); err != nil {
		return err
	}
	return b.write32(regPrefetchLimHi, uint32((w.Base+w.Size-1)>>32))
}

// MemoryWindow reads back the non-prefetchable window.
func (b Bridge) MemoryWindow() (Window, error) {
	base, err := b.read16(regMemoryBase)
	if err != nil {
		return Window{}, err
	}
	limit, err := b.read16(regMemoryLimit)
	if err != nil {
		return Window{}, err
	}
	lo := uint64(base&0xFFF0) << 16
	hi := uint64(limit&0xFFF0)<<16 | 0xFFFFF
	return Window{Base: lo, Size: hi - lo + 1}, nil
}
