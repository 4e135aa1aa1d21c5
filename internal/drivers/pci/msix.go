package pci

import (
	"errors"
	"fmt"
)

// ErrCapabilityLoop is returned when a capability list does not terminate.
var ErrCapabilityLoop = errors.New("pci: capability list does not terminate")

const (
	CapMSIX = 0x11

	// maxCapabilities bounds the walk: 48 dword-aligned records fill the
	// 192 bytes after the standard header.
	maxCapabilities = 48

	msixControl = 2
	msixTable   = 4
	msixPBA     = 8

	msixEnable       = 1 << 15
	msixFunctionMask = 1 << 14
	msixSizeMask     = 0x7FF // table size field is 11 bits wide, encoded as N-1
	msixBIRMask      = 0x7
)

// MSIX describes the MSI-X setup of a function.
type MSIX struct {
	Capability uint8
	TableSize  int
	Table      uint64
	PBA        uint64
}

// Message is the address/data pair programmed into vector 0.
type Message struct {
	Address uint64
	Data    uint32
}

// Capabilities walks the capability list of h, calling fn with each
// record's offset and id. An absent list is not an error.
func Capabilities(h Header, fn func(offset, id uint8) error) error {
	status, err := h.Status()
	if err != nil {
		return err
	}
	if status&statusCapList == 0 {
		return nil
	}
	ptr, err := h.CapabilityPointer()
	if err != nil {
		return err
	}
	for n := 0; ptr != 0; n++ {
		if n == maxCapabilities {
			return fmt.Errorf("%w: %s", ErrCapabilityLoop, h.loc)
		}
		id, err := h.read8(uint64(ptr))
		if err != nil {
			return err
		}
		if err := fn(ptr, id); err != nil {
			return err
		}
		next, err := h.read8(uint64(ptr) + 1)
		if err != nil {
			return err
		}
		ptr = next & 0xFC
	}
	return nil
}

// resolve turns a BIR/offset pointer into an absolute address through the
// BAR the enumerator assigned.
func resolve(e Endpoint, ptr uint32) (uint64, error) {
	bir := int(ptr & msixBIRMask)
	if bir >= barCount {
		return 0, fmt.Errorf("%w: MSI-X BIR %d at %s", ErrInvalidBAR, bir, e.loc)
	}
	base, err := assignedBAR(e, bir)
	if err != nil {
		return 0, err
	}
	if base == 0 {
		return 0, fmt.Errorf("%w: MSI-X BAR%d at %s is unassigned", ErrInvalidBAR, bir, e.loc)
	}
	return base + uint64(ptr&^msixBIRMask), nil
}

// programMSIX enables MSI-X at capability offset capOff and points vector 0
// at msg. Only vector 0 is programmed.
func programMSIX(e Endpoint, capOff uint8, msg Message) (MSIX, error) {
	off := uint64(capOff)
	tablePtr, err := e.read32(off + msixTable)
	if err != nil {
		return MSIX{}, err
	}
	pbaPtr, err := e.read32(off + msixPBA)
	if err != nil {
		return MSIX{}, err
	}
	table, err := resolve(e, tablePtr)
	if err != nil {
		return MSIX{}, err
	}
	pba, err := resolve(e, pbaPtr)
	if err != nil {
		return MSIX{}, err
	}

	ctl, err := e.read16(off + msixControl)
	if err != nil {
		return MSIX{}, err
	}
	if err := e.write16(off+msixControl, (ctl|msixEnable)&^msixFunctionMask); err != nil {
		return MSIX{}, err
	}
	if ctl, err = e.read16(off + msixControl); err != nil {
		return MSIX{}, err
	}

	writes := []struct {
		addr uint64
		v    uint32
	}{
		{table + 0, uint32(msg.Address)},
		{table + 4, uint32(msg.Address >> 32)},
		{table + 8, msg.Data},
		{table + 12, 0},
	}
	for _, w := range writes {
		if err := e.acc.Write32(w.addr, w.v); err != nil {
			return MSIX{}, fmt.Errorf("pci %s: MSI-X table %#x: %w", e.loc, w.addr, err)
		}
	}
	return MSIX{
		Capability: capOff,
		TableSize:  int(ctl&msixSizeMask) + 1,
		Table:      table,
		PBA:        pba,
	}, nil
}
