package mmio

import (
	"encoding/binary"
	"fmt"
)

// Region is plain little-endian backing storage, used for RAM and for
// BAR-backed windows that have no side effects.
type Region struct {
	Data []byte
}

// NewRegion allocates a zeroed region.
func NewRegion(size uint64) *Region {
	return &Region{Data: make([]byte, size)}
}

// Read implements Device.
func (r *Region) Read(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(r.Data)) {
		return 0, fmt.Errorf("mmio: region read out of bounds: offset=%#x size=%d len=%d", offset, size, len(r.Data))
	}
	switch size {
	case 1:
		return uint64(r.Data[offset]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(r.Data[offset:])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(r.Data[offset:])), nil
	case 8:
		return binary.LittleEndian.Uint64(r.Data[offset:]), nil
	default:
		return 0, fmt.Errorf("mmio: invalid read size %d", size)
	}
}

// Write implements Device.
func (r *Region) Write(offset uint64, size int, value uint64) error {
	if offset+uint64(size) > uint64(len(r.Data)) {
		return fmt.Errorf("mmio: region write out of bounds: offset=%#x size=%d len=%d", offset, size, len(r.Data))
	}
	switch size {
	case 1:
		r.Data[offset] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(r.Data[offset:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(r.Data[offset:], uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(r.Data[offset:], value)
	default:
		return fmt.Errorf("mmio: invalid write size %d", size)
	}
	return nil
}

// Size implements Device.
func (r *Region) Size() uint64 {
	return uint64(len(r.Data))
}

var _ Device = (*Region)(nil)
