// Package pci simulates an ECAM PCI segment: a host bridge decoding
// configuration space by bus, slot and function, endpoints with sizable
// BARs and MSI-X, and PCI-to-PCI bridges.
package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/rvaia/internal/mmio"
)

// Configuration space offsets shared by both header types.
const (
	RegVendorID   = 0x00
	RegDeviceID   = 0x02
	RegCommand    = 0x04
	RegStatus     = 0x06
	RegRevision   = 0x08
	RegHeaderType = 0x0E
	RegBAR0       = 0x10
	RegCapPtr     = 0x34
	RegIntLine    = 0x3C

	// Type 1 only.
	RegPrimaryBus     = 0x18
	RegSecondaryBus   = 0x19
	RegSubordinateBus = 0x1A
	RegMemoryBase     = 0x20
	RegMemoryLimit    = 0x22
	RegPrefetchBase   = 0x24
	RegPrefetchLimit  = 0x26
	RegPrefetchBaseHi = 0x28
	RegPrefetchLimHi  = 0x2C

	headerSize = 0x100
	configSize = 0x1000
)

const (
	CommandIO        = 1 << 0
	CommandMemory    = 1 << 1
	CommandBusMaster = 1 << 2

	StatusCapList = 1 << 4
)

// Header types.
const (
	HeaderEndpoint = 0x00
	HeaderBridge   = 0x01
	HeaderCardBus  = 0x02
)

// BARKind is the decoding a BAR advertises in its low bits.
type BARKind int

const (
	Mem32 BARKind = iota
	Mem64
	IO
	// MemBelow1M is the reserved "type 01" memory BAR.
	MemBelow1M
)

func (k BARKind) flags() uint32 {
	switch k {
	case Mem64:
		return 0b100
	case IO:
		return 0b1
	case MemBelow1M:
		return 0b010
	}
	return 0
}

// BAR describes one base address register of a function.
type BAR struct {
	// Size must be a power of two of at least 16 bytes.
	Size     uint32
	Kind     BARKind
	Prefetch bool
	// Region backs memory accesses relative to the BAR's assigned base.
	Region mmio.Device
}

// FunctionConfig describes a function's identity and resources.
type FunctionConfig struct {
	VendorID   uint16
	DeviceID   uint16
	Class      uint32 // base<<16 | sub<<8 | prog-if
	HeaderType uint8
	BARs       [6]*BAR
	// ExtraCaps are capability IDs placed ahead of MSI-X with empty bodies.
	ExtraCaps []uint8
	MSIX      *MSIXConfig
}

// Function is one simulated PCI function.
type Function struct {
	name string
	cfg  FunctionConfig

	mu     sync.Mutex
	space  [headerSize]byte
	mask   [headerSize]byte
	bars   [6]uint32
	msix   *msixState
	msiCap uint16
	out    MSIWriter
}

// NewFunction builds a function from cfg. A 64-bit BAR occupies its slot
// and the next one, which must be left nil.
func NewFunction(name string, cfg FunctionConfig) (*Function, error) {
	f := &Function{name: name, cfg: cfg}
	nbars := 6
	if cfg.HeaderType == HeaderBridge {
		nbars = 2
	}
	for i, b := range cfg.BARs {
		if b == nil {
			continue
		}
		if i >= nbars {
			return nil, fmt.Errorf("pci %s: BAR%d not available in header type %d", name, i, cfg.HeaderType)
		}
		if b.Size < 16 || b.Size&(b.Size-1) != 0 {
			return nil, fmt.Errorf("pci %s: BAR%d size %#x is not a power of two >= 16", name, i, b.Size)
		}
		if b.Kind == Mem64 && (i+1 >= nbars || cfg.BARs[i+1] != nil) {
			return nil, fmt.Errorf("pci %s: 64-bit BAR%d needs a free upper slot", name, i)
		}
		f.bars[i] = b.Kind.flags()
		if b.Prefetch {
			f.bars[i] |= 1 << 3
		}
	}

	binary.LittleEndian.PutUint16(f.space[RegVendorID:], cfg.VendorID)
	binary.LittleEndian.PutUint16(f.space[RegDeviceID:], cfg.DeviceID)
	f.space[0x09] = uint8(cfg.Class)
	f.space[0x0A] = uint8(cfg.Class >> 8)
	f.space[0x0B] = uint8(cfg.Class >> 16)
	f.space[RegHeaderType] = cfg.HeaderType

	f.mask[RegCommand] = CommandIO | CommandMemory | CommandBusMaster
	f.mask[RegIntLine] = 0xff
	if cfg.HeaderType == HeaderBridge {
		for off := RegPrimaryBus; off <= RegSubordinateBus; off++ {
			f.mask[off] = 0xff
		}
		for off := RegMemoryBase; off < RegPrefetchLimHi+4; off++ {
			f.mask[off] = 0xff
		}
		// The low nibble of the memory base/limit registers is read-only.
		for _, off := range []int{RegMemoryBase, RegMemoryLimit, RegPrefetchBase, RegPrefetchLimit} {
			f.mask[off] = 0xf0
		}
	}

	next := uint16(0x40)
	var prev uint16
	link := func(at uint16) {
		if prev == 0 {
			f.space[RegCapPtr] = uint8(at)
		} else {
			f.space[prev+1] = uint8(at)
		}
		prev = at
	}
	for _, id := range cfg.ExtraCaps {
		link(next)
		f.space[next] = id
		next += 4
	}
	if cfg.MSIX != nil {
		m, err := newMSIX(name, *cfg.MSIX, cfg.BARs)
		if err != nil {
			return nil, err
		}
		f.msix = m
		f.msiCap = next
		link(next)
		f.space[next] = capMSIX
		binary.LittleEndian.PutUint16(f.space[next+2:], uint16(m.size-1))
		binary.LittleEndian.PutUint32(f.space[next+4:], m.cfg.TableOffset|uint32(m.cfg.BAR))
		binary.LittleEndian.PutUint32(f.space[next+8:], m.cfg.PBAOffset|uint32(m.cfg.BAR))
		f.mask[next+3] = msixEnable>>8 | msixFunctionMask>>8
	}
	if prev != 0 {
		binary.LittleEndian.PutUint16(f.space[RegStatus:], StatusCapList)
	}
	return f, nil
}

// Name returns the label the function was built with.
func (f *Function) Name() string {
	return f.name
}

// ReadConfig returns size bytes of configuration space at offset.
func (f *Function) ReadConfig(offset uint16, size uint8) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var v uint32
	for i := uint8(0); i < size; i++ {
		v |= uint32(f.readByte(offset+uint16(i))) << (8 * i)
	}
	return v
}

// WriteConfig stores size bytes at offset, honoring read-only fields.
func (f *Function) WriteConfig(offset uint16, size uint8, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bar, ok := f.barIndex(offset); ok && size == 4 {
		f.writeBAR(bar, value)
		return
	}
	for i := uint8(0); i < size; i++ {
		off := offset + uint16(i)
		if off >= headerSize {
			continue
		}
		if _, isBAR := f.barIndex(off &^ 3); isBAR {
			continue
		}
		b := uint8(value >> (8 * i))
		f.space[off] = f.space[off]&^f.mask[off] | b&f.mask[off]
	}
}

// Poke stores a raw configuration byte, bypassing write masks. It lets
// tests build malformed topologies.
func (f *Function) Poke(offset uint16, value uint8) {
	f.mu.Lock()
	f.space[offset] = value
	f.mu.Unlock()
}

// readByte must be called with mu held.
func (f *Function) readByte(off uint16) uint8 {
	if off >= headerSize {
		return 0
	}
	if bar, ok := f.barIndex(off &^ 3); ok {
		return uint8(f.bars[bar] >> (8 * (off & 3)))
	}
	return f.space[off]
}

func (f *Function) barIndex(offset uint16) (int, bool) {
	n := 6
	if f.cfg.HeaderType == HeaderBridge {
		n = 2
	}
	if offset < RegBAR0 || offset >= RegBAR0+uint16(4*n) || offset%4 != 0 {
		return 0, false
	}
	return int(offset-RegBAR0) / 4, true
}

// writeBAR must be called with mu held. The size mask keeps the low
// address bits at zero so that an all-ones write reads back the size.
func (f *Function) writeBAR(i int, value uint32) {
	if b := f.cfg.BARs[i]; b != nil {
		f.bars[i] = value&^(b.Size-1) | f.bars[i]&0xf
		return
	}
	if i > 0 {
		if lo := f.cfg.BARs[i-1]; lo != nil && lo.Kind == Mem64 {
			f.bars[i] = value
		}
	}
}

// Command returns the command register.
func (f *Function) Command() uint16 {
	return uint16(f.ReadConfig(RegCommand, 2))
}

// BARAddress returns the address assigned to BAR i, including the upper
// dword of a 64-bit BAR.
func (f *Function) BARAddress(i int) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.barAddress(i)
}

// barAddress must be called with mu held.
func (f *Function) barAddress(i int) uint64 {
	b := f.cfg.BARs[i]
	if b == nil {
		return 0
	}
	addr := uint64(f.bars[i] &^ 0xf)
	if b.Kind == Mem64 {
		addr |= uint64(f.bars[i+1]) << 32
	}
	return addr
}

// decode returns the device and offset answering addr through one of the
// function's memory BARs, if memory decoding is on.
func (f *Function) decode(addr uint64) (mmio.Device, uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.space[RegCommand]&CommandMemory == 0 {
		return nil, 0, false
	}
	for i, b := range f.cfg.BARs {
		if b == nil || b.Kind == IO {
			continue
		}
		base := f.barAddress(i)
		if base == 0 || addr < base || addr >= base+uint64(b.Size) {
			continue
		}
		return barView{f: f, index: i}, addr - base, true
	}
	return nil, 0, false
}

// barView routes one BAR's accesses to the MSI-X structures it hosts and
// otherwise to the BAR's region.
type barView struct {
	f     *Function
	index int
}

func (v barView) Size() uint64 {
	return uint64(v.f.cfg.BARs[v.index].Size)
}

func (v barView) Read(offset uint64, size int) (uint64, error) {
	if m := v.f.msix; m != nil && m.cfg.BAR == v.index {
		if val, ok := m.read(offset, size); ok {
			return val, nil
		}
	}
	if r := v.f.cfg.BARs[v.index].Region; r != nil {
		return r.Read(offset, size)
	}
	return 0, nil
}

func (v barView) Write(offset uint64, size int, value uint64) error {
	if m := v.f.msix; m != nil && m.cfg.BAR == v.index {
		if m.write(offset, size, value) {
			return nil
		}
	}
	if r := v.f.cfg.BARs[v.index].Region; r != nil {
		return r.Write(offset, size, value)
	}
	return nil
}
