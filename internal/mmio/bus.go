package mmio

import (
	"fmt"
	"sort"
	"sync"
)

// Device is a memory-mapped register block addressed relative to its base.
type Device interface {
	// Read reads size bytes at offset.
	Read(offset uint64, size int) (uint64, error)
	// Write writes size bytes at offset.
	Write(offset uint64, size int, value uint64) error
	// Size returns the length of the device's address window.
	Size() uint64
}

// Accessor is the view drivers have of physical memory.
type Accessor interface {
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)
	Write8(addr uint64, value uint8) error
	Write16(addr uint64, value uint16) error
	Write32(addr uint64, value uint32) error
	Write64(addr uint64, value uint64) error
}

// Mapping places a device at an absolute address.
type Mapping struct {
	Name   string
	Base   uint64
	Size   uint64
	Device Device
}

// Bus decodes physical addresses to the devices mapped on it.
type Bus struct {
	mu       sync.RWMutex
	mappings []Mapping
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Map attaches dev at base. Overlapping windows are rejected.
func (b *Bus) Map(name string, base uint64, dev Device) error {
	if dev == nil {
		return fmt.Errorf("mmio: map %s: device is nil", name)
	}
	size := dev.Size()
	if size == 0 || base+size < base {
		return fmt.Errorf("mmio: map %s: invalid window %#x+%#x", name, base, size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.mappings {
		if base < m.Base+m.Size && m.Base < base+size {
			return fmt.Errorf("mmio: map %s at %#x: overlaps %s at %#x", name, base, m.Name, m.Base)
		}
	}
	b.mappings = append(b.mappings, Mapping{Name: name, Base: base, Size: size, Device: dev})
	sort.Slice(b.mappings, func(i, j int) bool {
		return b.mappings[i].Base < b.mappings[j].Base
	})
	return nil
}

// Mappings returns a snapshot of the current device map sorted by base.
func (b *Bus) Mappings() []Mapping {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Mapping(nil), b.mappings...)
}

func (b *Bus) find(addr uint64, size int) (Device, uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx := sort.Search(len(b.mappings), func(i int) bool {
		return b.mappings[i].Base+b.mappings[i].Size > addr
	})
	if idx < len(b.mappings) {
		m := b.mappings[idx]
		if addr >= m.Base && addr+uint64(size) <= m.Base+m.Size {
			return m.Device, addr - m.Base, nil
		}
	}
	return nil, 0, fmt.Errorf("mmio: no device at %#x (size %d)", addr, size)
}

// Read reads size bytes at addr.
func (b *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, offset, err := b.find(addr, size)
	if err != nil {
		return 0, err
	}
	return dev.Read(offset, size)
}

// Write writes size bytes at addr.
func (b *Bus) Write(addr uint64, size int, value uint64) error {
	dev, offset, err := b.find(addr, size)
	if err != nil {
		return err
	}
	return dev.Write(offset, size, value)
}

func (b *Bus) Read8(addr uint64) (uint8, error) {
	v, err := b.Read(addr, 1)
	return uint8(v), err
}

func (b *Bus) Read16(addr uint64) (uint16, error) {
	v, err := b.Read(addr, 2)
	return uint16(v), err
}

func (b *Bus) Read32(addr uint64) (uint32, error) {
	v, err := b.Read(addr, 4)
	return uint32(v), err
}

func (b *Bus) Read64(addr uint64) (uint64, error) {
	return b.Read(addr, 8)
}

func (b *Bus) Write8(addr uint64, value uint8) error {
	return b.Write(addr, 1, uint64(value))
}

func (b *Bus) Write16(addr uint64, value uint16) error {
	return b.Write(addr, 2, uint64(value))
}

func (b *Bus) Write32(addr uint64, value uint32) error {
	return b.Write(addr, 4, uint64(value))
}

func (b *Bus) Write64(addr uint64, value uint64) error {
	return b.Write(addr, 8, value)
}

var _ Accessor = (*Bus)(nil)
