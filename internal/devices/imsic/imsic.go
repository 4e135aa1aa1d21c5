// Package imsic simulates the incoming MSI controller: one interrupt file
// per hart and privilege level, reachable through the indirect CSR window
// and through a 4 KiB MMIO page that receives MSI writes.
package imsic

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/rvaia/internal/csr"
	"github.com/tinyrange/rvaia/internal/mmio"
)

const (
	// MaxIdentity is the highest interrupt identity a file implements.
	MaxIdentity = 1023
	// PageSize is the stride between per-hart interrupt file pages.
	PageSize = 0x1000

	words = (MaxIdentity + 1) / csr.XLEN

	seteipnumLE = 0x0
	seteipnumBE = 0x4

	deliveryOn = 1
)

// File is one interrupt file.
type File struct {
	hart  int
	level csr.Level

	mu        sync.Mutex
	delivery  uint64
	threshold uint64
	eip       [words]uint64
	eie       [words]uint64

	notify   func(bool)
	asserted bool
}

func newFile(hart int, level csr.Level) *File {
	return &File{hart: hart, level: level}
}

// OnChange installs the callback driven with the file's external
// interrupt output (MEIP or SEIP of its hart).
func (f *File) OnChange(fn func(bool)) {
	f.mu.Lock()
	f.notify = fn
	f.mu.Unlock()
	f.update()
}

// ReadReg implements the register behind the indirect data CSR.
func (f *File) ReadReg(sel uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case sel == csr.EIDelivery:
		return f.delivery, nil
	case sel == csr.EIThreshold:
		return f.threshold, nil
	}
	arr, idx, err := f.array(sel)
	if err != nil {
		return 0, err
	}
	if idx >= words {
		return 0, nil
	}
	return arr[idx], nil
}

// WriteReg implements the register behind the indirect data CSR.
func (f *File) WriteReg(sel, value uint64) error {
	f.mu.Lock()
	switch {
	case sel == csr.EIDelivery:
		f.delivery = value & deliveryOn
	case sel == csr.EIThreshold:
		f.threshold = value & 0x7ff
	default:
		arr, idx, err := f.array(sel)
		if err != nil {
			f.mu.Unlock()
			return err
		}
		if idx < words {
			if idx == 0 {
				// identity 0 does not exist
				value &^= 1
			}
			arr[idx] = value
		}
	}
	f.mu.Unlock()
	f.update()
	return nil
}

func (f *File) array(sel uint64) (*[words]uint64, int, error) {
	if !csr.ValidSelect(sel) {
		return nil, 0, fmt.Errorf("imsic: hart %d %s: illegal select %#x", f.hart, f.level, sel)
	}
	if sel >= csr.EIE0 {
		return &f.eie, int(sel-csr.EIE0) / 2, nil
	}
	return &f.eip, int(sel-csr.EIP0) / 2, nil
}

// SetPending marks id pending, as an MSI write to the file's page does.
// Out-of-range identities are ignored.
func (f *File) SetPending(id uint32) {
	if id == 0 || id > MaxIdentity {
		return
	}
	f.mu.Lock()
	f.eip[id/csr.XLEN] |= 1 << (id % csr.XLEN)
	f.mu.Unlock()
	f.update()
}

// Top returns the topei encoding of the highest-priority eligible
// identity: identity in bits 26:16 and priority (equal to the identity)
// in bits 10:0. Zero means nothing is eligible.
func (f *File) Top() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return encodeTop(f.top())
}

// Claim returns Top and clears the pending bit of the identity it names.
func (f *File) Claim() uint64 {
	f.mu.Lock()
	id := f.top()
	if id != 0 {
		f.eip[id/csr.XLEN] &^= 1 << (id % csr.XLEN)
	}
	f.mu.Unlock()
	f.update()
	return encodeTop(id)
}

func encodeTop(id uint32) uint64 {
	if id == 0 {
		return 0
	}
	return uint64(id)<<16 | uint64(id)
}

// top must be called with mu held.
func (f *File) top() uint32 {
	if f.delivery&deliveryOn == 0 {
		return 0
	}
	for w := 0; w < words; w++ {
		ready := f.eip[w] & f.eie[w]
		if ready == 0 {
			continue
		}
		id := uint32(w*csr.XLEN + bits.TrailingZeros64(ready))
		if f.threshold != 0 && uint64(id) >= f.threshold {
			return 0
		}
		return id
	}
	return 0
}

func (f *File) update() {
	f.mu.Lock()
	level := f.top() != 0
	changed := level != f.asserted
	f.asserted = level
	fn := f.notify
	f.mu.Unlock()
	if changed && fn != nil {
		fn(level)
	}
}

// page is the MMIO view of a file: writes to seteipnum set pending bits.
type page struct {
	file *File
}

func (p page) Size() uint64 { return PageSize }

func (p page) Read(offset uint64, size int) (uint64, error) {
	return 0, nil
}

func (p page) Write(offset uint64, size int, value uint64) error {
	if size != 4 {
		return fmt.Errorf("imsic: seteipnum write of size %d", size)
	}
	switch offset {
	case seteipnumLE:
		p.file.SetPending(uint32(value))
	case seteipnumBE:
		p.file.SetPending(bits.ReverseBytes32(uint32(value)))
	}
	return nil
}

// IMSIC is the set of interrupt files of every hart.
type IMSIC struct {
	files [][2]*File
}

// New builds files for harts harts.
func New(harts int) *IMSIC {
	m := &IMSIC{files: make([][2]*File, harts)}
	for h := range m.files {
		m.files[h][csr.Machine] = newFile(h, csr.Machine)
		m.files[h][csr.Supervisor] = newFile(h, csr.Supervisor)
	}
	return m
}

// Harts returns the number of harts served.
func (m *IMSIC) Harts() int {
	return len(m.files)
}

// File returns the interrupt file of hart at level.
func (m *IMSIC) File(hart int, level csr.Level) *File {
	if hart < 0 || hart >= len(m.files) {
		panic(fmt.Sprintf("imsic: hart %d out of range", hart))
	}
	return m.files[hart][level]
}

// Map places every file's page on bus: M-level pages from mBase and
// S-level pages from sBase, one page per hart.
func (m *IMSIC) Map(bus *mmio.Bus, mBase, sBase uint64) error {
	for h, files := range m.files {
		off := uint64(h) * PageSize
		if err := bus.Map(fmt.Sprintf("imsic-m%d", h), mBase+off, page{file: files[csr.Machine]}); err != nil {
			return err
		}
		if err := bus.Map(fmt.Sprintf("imsic-s%d", h), sBase+off, page{file: files[csr.Supervisor]}); err != nil {
			return err
		}
	}
	return nil
}
