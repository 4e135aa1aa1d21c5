//go:build linux

package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevMem maps a physical window through /dev/mem so drivers can reach real
// registers from a Linux host. Accesses must be naturally aligned.
type DevMem struct {
	f    *os.File
	base uint64
	mem  []byte
}

// OpenDevMem maps [base, base+size) of physical memory. base must be page
// aligned.
func OpenDevMem(base, size uint64) (*DevMem, error) {
	if base%uint64(os.Getpagesize()) != 0 {
		return nil, fmt.Errorf("mmio: devmem base %#x not page aligned", base)
	}
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open /dev/mem: %w", err)
	}
	mem, err := unix.Mmap(
		int(f.Fd()),
		int64(base),
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmio: mmap %#x+%#x: %w", base, size, err)
	}
	return &DevMem{f: f, base: base, mem: mem}, nil
}

// Close unmaps the window.
func (d *DevMem) Close() error {
	if err := unix.Munmap(d.mem); err != nil {
		d.f.Close()
		return fmt.Errorf("mmio: munmap: %w", err)
	}
	return d.f.Close()
}

func (d *DevMem) ptr(addr uint64, size uint64) (unsafe.Pointer, error) {
	if addr < d.base || addr+size > d.base+uint64(len(d.mem)) {
		return nil, fmt.Errorf("mmio: devmem access %#x outside window", addr)
	}
	if addr%size != 0 {
		return nil, fmt.Errorf("mmio: devmem access %#x not %d-byte aligned", addr, size)
	}
	return unsafe.Pointer(&d.mem[addr-d.base]), nil
}

func (d *DevMem) Read8(addr uint64) (uint8, error) {
	p, err := d.ptr(addr, 1)
	if err != nil {
		return 0, err
	}
	return *(*uint8)(p), nil
}

func (d *DevMem) Read16(addr uint64) (uint16, error) {
	p, err := d.ptr(addr, 2)
	if err != nil {
		return 0, err
	}
	return *(*uint16)(p), nil
}

func (d *DevMem) Read32(addr uint64) (uint32, error) {
	p, err := d.ptr(addr, 4)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(p)), nil
}

func (d *DevMem) Read64(addr uint64) (uint64, error) {
	p, err := d.ptr(addr, 8)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64((*uint64)(p)), nil
}

func (d *DevMem) Write8(addr uint64, value uint8) error {
	p, err := d.ptr(addr, 1)
	if err != nil {
		return err
	}
	*(*uint8)(p) = value
	return nil
}

func (d *DevMem) Write16(addr uint64, value uint16) error {
	p, err := d.ptr(addr, 2)
	if err != nil {
		return err
	}
	*(*uint16)(p) = value
	return nil
}

func (d *DevMem) Write32(addr uint64, value uint32) error {
	p, err := d.ptr(addr, 4)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(p), value)
	return nil
}

func (d *DevMem) Write64(addr uint64, value uint64) error {
	p, err := d.ptr(addr, 8)
	if err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(p), value)
	return nil
}

var _ Accessor = (*DevMem)(nil)
