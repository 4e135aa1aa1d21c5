package pci

import (
	"errors"
	"fmt"
)

// ErrInvalidBAR is returned for a memory BAR advertising a reserved type.
var ErrInvalidBAR = errors.New("pci: invalid BAR type")

const (
	barIOSpace  = 1 << 0
	barTypeMask = 0b110
	barType32   = 0b000
	barType64   = 0b100
	barAddrMask = ^uint32(0xF)
)

// Assignment is one BAR placed by the enumerator.
type Assignment struct {
	Index   int
	Address uint64
	Size    uint64
	Is64    bool
}

// probeResult is what the all-ones probe of one BAR found.
type probeResult struct {
	present bool
	is64    bool
	size    uint64
}

// probeBAR sizes BAR i of e. Unimplemented and I/O BARs report
// present == false.
func probeBAR(e Endpoint, i int) (probeResult, error) {
	if err := e.SetBAR(i, 0xFFFF_FFFF); err != nil {
		return probeResult{}, err
	}
	v, err := e.BAR(i)
	if err != nil {
		return probeResult{}, err
	}
	if v == 0 || v&barIOSpace != 0 {
		return probeResult{}, e.SetBAR(i, 0)
	}
	r := probeResult{present: true, size: uint64(^(v & barAddrMask) + 1)}
	switch v & barTypeMask {
	case barType32:
	case barType64:
		if i == barCount-1 {
			return probeResult{}, fmt.Errorf("%w: 64-bit BAR%d at %s has no upper slot", ErrInvalidBAR, i, e.loc)
		}
		r.is64 = true
	default:
		return probeResult{}, fmt.Errorf("%w: BAR%d at %s reads %#x", ErrInvalidBAR, i, e.loc, v)
	}
	return r, nil
}

// alignUp rounds addr up to a multiple of size, a power of two.
func alignUp(addr, size uint64) uint64 {
	return (addr + size - 1) &^ (size - 1)
}

// assignedBAR returns the address currently held by BAR i, combining both
// dwords of a 64-bit BAR and dropping the decode bits.
func assignedBAR(e Endpoint, i int) (uint64, error) {
	lo, err := e.BAR(i)
	if err != nil {
		return 0, err
	}
	addr := uint64(lo & barAddrMask)
	if lo&barTypeMask == barType64 && i+1 < barCount {
		hi, err := e.BAR(i + 1)
		if err != nil {
			return 0, err
		}
		addr |= uint64(hi) << 32
	}
	return addr, nil
}
